package visibility

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	oversized := make([]string, MaxSelectorListSize+1)
	for i := range oversized {
		oversized[i] = fmt.Sprintf("plan-%d", i)
	}
	oversizedList, err := json.Marshal(oversized)
	require.NoError(t, err)
	oversizedJSON := `{"enabled":true,"hiddenFor":` + string(oversizedList) + `}`

	tests := []struct {
		name    string
		input   string
		want    Rule
		wantErr error
	}{
		{
			name:  "Should parse a full rule",
			input: `{"enabled":true,"visibleFor":["gold","wcm-allmembers"],"hiddenFor":[]}`,
			want:  Rule{Enabled: true, VisibleFor: []string{"gold", AllMembers}, HiddenFor: []string{}},
		},
		{
			name:  "Should default missing fields to disabled with empty lists",
			input: `{}`,
			want:  Rule{Enabled: false, VisibleFor: []string{}, HiddenFor: []string{}},
		},
		{
			name:  "Should treat null lists as empty",
			input: `{"enabled":true,"visibleFor":null,"hiddenFor":null}`,
			want:  Rule{Enabled: true, VisibleFor: []string{}, HiddenFor: []string{}},
		},
		{
			name:  "Should drop duplicates keeping the first occurrence",
			input: `{"enabled":true,"hiddenFor":["silver","gold","silver"]}`,
			want:  Rule{Enabled: true, VisibleFor: []string{}, HiddenFor: []string{"silver", "gold"}},
		},
		{
			name:    "Should reject empty identifiers",
			input:   `{"enabled":true,"visibleFor":["gold",""]}`,
			wantErr: ErrEmptyIdentifier,
		},
		{
			name:    "Should reject oversized lists",
			input:   oversizedJSON,
			wantErr: ErrTooManySelectors,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule([]byte(tt.input))

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Should fail on malformed JSON", func(t *testing.T) {
		_, err := ParseRule([]byte(`{"enabled":"yes"`))
		assert.Error(t, err)
	})
}

func TestRule_Fingerprint(t *testing.T) {
	a := Rule{Enabled: true, VisibleFor: []string{"gold"}}
	b := Rule{Enabled: true, VisibleFor: []string{"gold"}, HiddenFor: []string{}}
	c := Rule{Enabled: true, VisibleFor: []string{"silver"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "nil and empty lists share the same JSON form")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEmpty(t, a.Fingerprint())

	t.Run("list order does not matter", func(t *testing.T) {
		x := Rule{Enabled: true, VisibleFor: []string{"gold", "silver"}, HiddenFor: []string{NonMember, "bronze"}}
		y := Rule{Enabled: true, VisibleFor: []string{"silver", "gold"}, HiddenFor: []string{"bronze", NonMember}}

		assert.Equal(t, x.Fingerprint(), y.Fingerprint())
		assert.Equal(t, []string{"gold", "silver"}, x.VisibleFor, "the rule itself is left untouched")
	})

	t.Run("lists are not interchangeable", func(t *testing.T) {
		allow := Rule{Enabled: true, VisibleFor: []string{"gold"}}
		deny := Rule{Enabled: true, HiddenFor: []string{"gold"}}

		assert.NotEqual(t, allow.Fingerprint(), deny.Fingerprint())
	})
}
