package controlapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/plangate/internal/visibility"
)

func doRequest(t *testing.T, api *API, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestNewAPI_Panics(t *testing.T) {
	st := newMemStore()
	full := Dependencies{Plans: st, Memberships: st, Rules: st, Catalog: &nopCatalog{}, Publisher: &fakePublisher{}}

	tests := []struct {
		name   string
		mutate func(*Dependencies)
		cfg    Config
	}{
		{name: "nil plans", mutate: func(d *Dependencies) { d.Plans = nil }, cfg: Config{SkipAuth: true}},
		{name: "nil memberships", mutate: func(d *Dependencies) { d.Memberships = nil }, cfg: Config{SkipAuth: true}},
		{name: "nil rules", mutate: func(d *Dependencies) { d.Rules = nil }, cfg: Config{SkipAuth: true}},
		{name: "nil catalog", mutate: func(d *Dependencies) { d.Catalog = nil }, cfg: Config{SkipAuth: true}},
		{name: "nil publisher", mutate: func(d *Dependencies) { d.Publisher = nil }, cfg: Config{SkipAuth: true}},
		{name: "auth without hash", mutate: func(*Dependencies) {}, cfg: Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			assert.Panics(t, func() { NewAPI(deps, tt.cfg) })
		})
	}
}

func TestAuthentication(t *testing.T) {
	const key = "s3cret-key"
	sum := sha256.Sum256([]byte(key))
	env := newTestEnv(t, Config{APIKeyHash: hex.EncodeToString(sum[:])})

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{name: "health is public", path: "/health", want: http.StatusOK},
		{name: "missing key", path: "/api/v1/plans", want: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/plans", headers: map[string]string{APIKeyHeader: "nope"}, want: http.StatusUnauthorized},
		{name: "valid header key", path: "/api/v1/plans", headers: map[string]string{APIKeyHeader: key}, want: http.StatusOK},
		{name: "valid bearer token", path: "/api/v1/plans", headers: map[string]string{"Authorization": "Bearer " + key}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.api, http.MethodGet, tt.path, "", tt.headers)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "ERR_UNAUTHORIZED", decode[ErrorResponse](t, rr).Code)
			}
		})
	}
}

func TestPlans(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("catalog lists reserved selectors first", func(t *testing.T) {
		env.seedPlan("gold", "Gold")

		rr := doRequest(t, env.api, http.MethodGet, "/api/v1/plans", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Data []struct {
				ID       string `json:"id"`
				Reserved bool   `json:"reserved"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 3)
		assert.Equal(t, visibility.NonMember, resp.Data[0].ID)
		assert.Equal(t, visibility.AllMembers, resp.Data[1].ID)
		assert.Equal(t, "gold", resp.Data[2].ID)
		assert.False(t, resp.Data[2].Reserved)
	})

	t.Run("upsert makes the plan visible in the catalog", func(t *testing.T) {
		rr := doRequest(t, env.api, http.MethodPut, "/api/v1/plans/silver", `{"name":"  Silver  "}`, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		plan := decode[Plan](t, rr)
		assert.Equal(t, "silver", plan.Slug)
		assert.Equal(t, "Silver", plan.Name)
		assert.NotZero(t, plan.ID)

		rr = doRequest(t, env.api, http.MethodGet, "/api/v1/plans", "", nil)
		assert.Contains(t, rr.Body.String(), `"silver"`)
	})

	tests := []struct {
		name     string
		slug     string
		body     string
		wantCode string
	}{
		{name: "reserved slug", slug: visibility.AllMembers, body: `{"name":"x"}`, wantCode: "ERR_RESERVED_IDENTIFIER"},
		{name: "legacy reserved slug", slug: visibility.LegacyNonMembers, body: `{"name":"x"}`, wantCode: "ERR_RESERVED_IDENTIFIER"},
		{name: "uppercase slug", slug: "Gold", body: `{"name":"x"}`, wantCode: "ERR_INVALID_INPUT"},
		{name: "missing name", slug: "bronze", body: `{"name":"  "}`, wantCode: "ERR_INVALID_INPUT"},
		{name: "broken json", slug: "bronze", body: `{name`, wantCode: "ERR_INVALID_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.api, http.MethodPut, "/api/v1/plans/"+tt.slug, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rr).Code)
		})
	}
}

func TestVisibilityLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedPlan("gold", "Gold")
	const path = "/api/v1/elements/hero-banner/visibility"

	// Create
	rr := doRequest(t, env.api, http.MethodPut, path,
		`{"enabled":true,"visibleFor":["gold","gold","wcm-nonmember"],"hiddenFor":[]}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	created := decode[ElementRule](t, rr)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, []string{"gold", visibility.NonMember}, created.Rule.VisibleFor, "duplicates are dropped")
	assert.Empty(t, created.Warnings)
	assert.Equal(t, quoteETag(created.ETag), rr.Header().Get("ETag"))

	require.Eventually(t, func() bool {
		return len(env.publisher.Pushed()) == 1
	}, time.Second, 10*time.Millisecond, "rule writes must enqueue a sync event")

	// Read
	rr = doRequest(t, env.api, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	etag := rr.Header().Get("ETag")
	assert.Equal(t, quoteETag(created.ETag), etag)

	// Conditional update with a fresh ETag
	rr = doRequest(t, env.api, http.MethodPut, path,
		`{"enabled":true,"visibleFor":["gold"]}`, map[string]string{"If-Match": etag})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(2), decode[ElementRule](t, rr).Version)

	// Stale ETag
	rr = doRequest(t, env.api, http.MethodPut, path,
		`{"enabled":false}`, map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)

	// Stale version
	rr = doRequest(t, env.api, http.MethodPut, path+"?expected_version=1", `{"enabled":false}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ERR_VERSION_CONFLICT", decode[ErrorResponse](t, rr).Code)

	// Delete
	rr = doRequest(t, env.api, http.MethodDelete, path, "", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, env.api, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, env.api, http.MethodDelete, path, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.Eventually(t, func() bool {
		return len(env.publisher.Pushed()) == 3
	}, time.Second, 10*time.Millisecond)

	// Recreate: a new row, but the version keeps climbing past the deleted one.
	rr = doRequest(t, env.api, http.MethodPut, path, `{"enabled":true,"hiddenFor":["gold"]}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Greater(t, decode[ElementRule](t, rr).Version, int64(2))
}

func TestPutVisibility_Warnings(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedPlan("gold", "Gold")

	rr := doRequest(t, env.api, http.MethodPut, "/api/v1/elements/promo/visibility",
		`{"enabled":true,"visibleFor":["gold","platinum"],"hiddenFor":["wcm-allmembers","ghost"]}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	resp := decode[ElementRule](t, rr)
	require.Len(t, resp.Warnings, 2)
	assert.Equal(t, WarnUnknownIdentifiers, resp.Warnings[0].Code)
	assert.Equal(t, []string{"platinum", "ghost"}, resp.Warnings[0].IDs)
	assert.Equal(t, WarnConflictingLists, resp.Warnings[1].Code)

	// Unknown identifiers are kept verbatim.
	assert.Equal(t, []string{"gold", "platinum"}, resp.Rule.VisibleFor)
}

func TestPutVisibility_Rejections(t *testing.T) {
	env := newTestEnv(t, Config{})
	ids := make([]string, visibility.MaxSelectorListSize+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("plan-%d", i)
	}
	tooMany := `{"enabled":true,"visibleFor":["` + strings.Join(ids, `","`) + `"]}`
	legacyTooMany := `{"wcm_ecl_enabled":"yes","wcm_ecl_membership_visible":["` + strings.Join(ids, `","`) + `"]}`

	tests := []struct {
		name       string
		path       string
		body       string
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_JSON"},
		{name: "broken json", body: `{"enabled":`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_JSON"},
		{name: "empty identifier", body: `{"enabled":true,"hiddenFor":[""]}`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_RULE"},
		{name: "too many selectors", body: tooMany, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_RULE"},
		{name: "bad expected version", path: "?expected_version=zero", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_QUERY_PARAM"},
		{name: "if-match without rule", body: `{}`, headers: map[string]string{"If-Match": `"abc"`}, wantStatus: http.StatusPreconditionFailed, wantCode: "ERR_PRECONDITION_FAILED"},
		{name: "unknown format", path: "?format=xml", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_QUERY_PARAM"},
		{name: "legacy empty body", path: "?format=legacy", body: "", wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_JSON"},
		{name: "legacy settings not an object", path: "?format=legacy", body: `["gold"]`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_JSON"},
		{name: "legacy too many selectors", path: "?format=legacy", body: legacyTooMany, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_RULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.api, http.MethodPut, "/api/v1/elements/x/visibility"+tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rr).Code)
		})
	}

	t.Run("invalid rule reports the offending list", func(t *testing.T) {
		rr := doRequest(t, env.api, http.MethodPut, "/api/v1/elements/x/visibility", `{"hiddenFor":["a",""]}`, nil)
		resp := decode[ErrorResponse](t, rr)
		require.Len(t, resp.Details, 1)
		assert.Equal(t, "hiddenFor", resp.Details[0].Field)
	})

	t.Run("store failure is a 500", func(t *testing.T) {
		env.store.failRules = true
		defer func() { env.store.failRules = false }()

		rr := doRequest(t, env.api, http.MethodPut, "/api/v1/elements/x/visibility", `{"enabled":true}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Empty(t, env.publisher.Pushed(), "failed writes must not be propagated")
	})
}

func TestPutVisibility_LegacyFormat(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedPlan("gold", "Gold")
	const path = "/api/v1/elements/sidebar/visibility?format=legacy"

	rr := doRequest(t, env.api, http.MethodPut, path,
		`{"wcm_ecl_enabled":"yes","wcm_ecl_membership_visible":{"10":"gold","2":"wcm-nonmembers"},"wcm_ecl_membership_hidden":null}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[ElementRule](t, rr)
	assert.True(t, resp.Rule.Enabled)
	assert.Equal(t, []string{visibility.NonMember, "gold"}, resp.Rule.VisibleFor, "plural token rewritten, keys in index order")
	assert.Empty(t, resp.Rule.HiddenFor)
	assert.Empty(t, resp.Warnings)

	stored, err := env.store.GetElementRule(context.Background(), "sidebar")
	require.NoError(t, err)
	assert.Equal(t, resp.Rule, stored.Rule)

	t.Run("explicit native format", func(t *testing.T) {
		rr := doRequest(t, env.api, http.MethodPut, "/api/v1/elements/sidebar/visibility?format=native", `{"enabled":false}`, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.False(t, decode[ElementRule](t, rr).Rule.Enabled)
	})

	t.Run("switch left off disables the rule", func(t *testing.T) {
		rr := doRequest(t, env.api, http.MethodPut, path, `{"wcm_ecl_enabled":"","wcm_ecl_membership_hidden":["gold"]}`, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decode[ElementRule](t, rr)
		assert.False(t, resp.Rule.Enabled)
		assert.Equal(t, []string{"gold"}, resp.Rule.HiddenFor)
	})
}

func TestListElements_Pagination(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		env.seedRule(id, visibility.Rule{Enabled: true})
	}

	rr := doRequest(t, env.api, http.MethodGet, "/api/v1/elements?page=2&page_size=2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data       []ElementRule `json:"data"`
		Pagination Pagination    `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "c", resp.Data[0].ElementID)
	assert.Equal(t, Pagination{TotalItems: 3, TotalPages: 2, CurrentPage: 2, PageSize: 2}, resp.Pagination)

	rr = doRequest(t, env.api, http.MethodGet, "/api/v1/elements?page=banana", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMemberships(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedPlan("gold", "Gold")
	const base = "/api/v1/viewers/u-42/memberships"

	rr := doRequest(t, env.api, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"viewer_id":"u-42","plans":[]}`, rr.Body.String())

	rr = doRequest(t, env.api, http.MethodPut, base+"/gold", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, env.api, http.MethodGet, base, "", nil)
	assert.JSONEq(t, `{"viewer_id":"u-42","plans":["gold"]}`, rr.Body.String())

	rr = doRequest(t, env.api, http.MethodPut, base+"/unknown-plan", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rr = doRequest(t, env.api, http.MethodPut, base+"/gold", `{"expires_at":"`+past+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, env.api, http.MethodPut, base+"/"+visibility.NonMember, "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, env.api, http.MethodDelete, base+"/gold", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, env.api, http.MethodDelete, base+"/gold", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, []string{"u-42", "u-42"}, env.publisher.Invalidated(),
		"every successful grant or revoke drops the cached set")
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedPlan("gold", "Gold")

	tests := []struct {
		name       string
		body       string
		wantRender bool
		wantReason visibility.Reason
	}{
		{
			name:       "allow-list match",
			body:       `{"rule":{"enabled":true,"visibleFor":["gold"]},"memberships":["gold"]}`,
			wantRender: true,
			wantReason: visibility.ReasonAllowPlanMatch,
		},
		{
			name:       "non-member hidden",
			body:       `{"rule":{"enabled":true,"hiddenFor":["wcm-nonmember"]},"memberships":[]}`,
			wantRender: false,
			wantReason: visibility.ReasonDenyNonMember,
		},
		{
			name:       "reserved selectors in memberships are ignored",
			body:       `{"rule":{"enabled":true,"visibleFor":["wcm-allmembers"]},"memberships":["wcm-allmembers"]}`,
			wantRender: false,
			wantReason: visibility.ReasonAllowNoMatch,
		},
		{
			name:       "disabled rule",
			body:       `{"rule":{"enabled":false,"visibleFor":["gold"]}}`,
			wantRender: true,
			wantReason: visibility.ReasonDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.api, http.MethodPost, "/api/v1/evaluate", tt.body, nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var resp struct {
				Render bool              `json:"render"`
				Reason visibility.Reason `json:"reason"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantRender, resp.Render)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}

	t.Run("missing rule", func(t *testing.T) {
		rr := doRequest(t, env.api, http.MethodPost, "/api/v1/evaluate", `{"memberships":["gold"]}`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	assert.Empty(t, env.publisher.Pushed(), "evaluation never persists")
}

func TestParseIfMatch(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"*":         "",
		`"abc"`:     "abc",
		`W/"abc"`:   "abc",
		`  "f00"  `: "f00",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseIfMatch(in), "input %q", in)
	}
}
