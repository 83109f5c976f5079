package dataapi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/plangate/internal/dataapi"
)

// invokeRaw calls Evaluate the way a client without the Go wrapper would.
func invokeRaw(t *testing.T, env *testEnv, body string) (*structpb.Struct, error) {
	t.Helper()
	in := new(structpb.Struct)
	require.NoError(t, protojson.Unmarshal([]byte(body), in))

	out := new(structpb.Struct)
	err := env.conn.Invoke(context.Background(), dataapi.EvaluateMethod, in, out)
	return out, err
}

func TestEvaluate_WireFormat(t *testing.T) {
	env := setupEnv(t, nil)

	t.Run("plain protobuf Struct round trip", func(t *testing.T) {
		out, err := invokeRaw(t, env, `{"viewerId":"alice","elementIds":["gold-banner","footer"]}`)
		require.NoError(t, err)

		raw, err := protojson.Marshal(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"elements": [
				{"elementId": "gold-banner", "render": true, "reason": "ALLOW_PLAN_MATCH"},
				{"elementId": "footer", "render": true, "reason": "NO_RULE"}
			],
			"memberships": ["gold"]
		}`, string(raw))
	})

	t.Run("null fields take their defaults", func(t *testing.T) {
		out, err := invokeRaw(t, env, `{"viewerId":null,"elementIds":["signup-cta"],"mode":null}`)
		require.NoError(t, err)
		assert.Empty(t, out.GetFields()["memberships"].GetListValue().GetValues())
	})

	malformed := []struct {
		name string
		body string
	}{
		{"unknown field", `{"elementIds":["a"],"page":"home"}`},
		{"viewer id not a string", `{"viewerId":42,"elementIds":["a"]}`},
		{"element ids not a list", `{"elementIds":"a"}`},
		{"element id not a string", `{"elementIds":["a",true]}`},
		{"mode not a string", `{"elementIds":["a"],"mode":["live"]}`},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invokeRaw(t, env, tt.body)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}
