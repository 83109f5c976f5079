package render

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/plangate/internal/visibility"
)

type staticResolver struct {
	set   visibility.Memberships
	err   error
	calls int
}

func (r *staticResolver) Resolve(context.Context, string) (visibility.Memberships, error) {
	r.calls++
	return r.set, r.err
}

// mapSource serves rules from a map; IDs listed in failing return an error.
type mapSource struct {
	rules   map[string]visibility.Rule
	failing map[string]bool
}

func (s mapSource) Rule(_ context.Context, id string) (visibility.Rule, error) {
	if s.failing[id] {
		return visibility.Rule{}, errors.New("redis timeout")
	}
	r, ok := s.rules[id]
	if !ok {
		return visibility.Rule{}, ErrNoRule
	}
	return r, nil
}

func TestPipeline_Render(t *testing.T) {
	ctx := context.Background()

	source := mapSource{
		rules: map[string]visibility.Rule{
			"gold-only":    {Enabled: true, VisibleFor: []string{"gold"}},
			"members":      {Enabled: true, VisibleFor: []string{visibility.AllMembers}},
			"hide-gold":    {Enabled: true, HiddenFor: []string{"gold"}},
			"switched-off": {Enabled: false, VisibleFor: []string{"gold"}},
		},
		failing: map[string]bool{"flaky": true},
	}
	ids := []string{"gold-only", "members", "hide-gold", "switched-off", "unruled", "flaky"}

	tests := []struct {
		name     string
		viewer   visibility.Memberships
		mode     Mode
		expected []Element
	}{
		{
			name:   "gold member in live mode",
			viewer: visibility.NewMemberships("gold"),
			mode:   ModeLive,
			expected: []Element{
				{"gold-only", true, visibility.ReasonAllowPlanMatch},
				{"members", true, visibility.ReasonAllowAllMembers},
				{"hide-gold", false, visibility.ReasonDenyPlanMatch},
				{"switched-off", true, visibility.ReasonDisabled},
				{"unruled", true, ReasonNoRule},
				{"flaky", false, ReasonRuleUnavailable},
			},
		},
		{
			name:   "anonymous viewer in live mode",
			viewer: visibility.NewMemberships(),
			mode:   ModeLive,
			expected: []Element{
				{"gold-only", false, visibility.ReasonAllowNoMatch},
				{"members", false, visibility.ReasonAllowNoMatch},
				{"hide-gold", true, visibility.ReasonDenyNoMatch},
				{"switched-off", true, visibility.ReasonDisabled},
				{"unruled", true, ReasonNoRule},
				{"flaky", false, ReasonRuleUnavailable},
			},
		},
		{
			name:   "preview renders everything",
			viewer: visibility.NewMemberships(),
			mode:   ModePreview,
			expected: []Element{
				{"gold-only", true, ReasonPreview},
				{"members", true, ReasonPreview},
				{"hide-gold", true, ReasonPreview},
				{"switched-off", true, ReasonPreview},
				{"unruled", true, ReasonPreview},
				{"flaky", true, ReasonPreview},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &staticResolver{set: tt.viewer}
			p := NewPipeline(resolver, source)

			res := p.Render(ctx, Request{ViewerID: "v1", ElementIDs: ids, Mode: tt.mode})
			assert.Equal(t, tt.expected, res.Elements)

			if tt.mode == ModePreview {
				assert.Zero(t, resolver.calls, "preview must not resolve memberships")
			} else {
				assert.Equal(t, 1, resolver.calls, "memberships are resolved once per request")
			}
		})
	}
}

func TestPipeline_ResolverErrorDegradesToNonMember(t *testing.T) {
	resolver := &staticResolver{set: visibility.NewMemberships("gold"), err: errors.New("db down")}
	source := mapSource{rules: map[string]visibility.Rule{
		"gold-only":   {Enabled: true, VisibleFor: []string{"gold"}},
		"non-members": {Enabled: true, VisibleFor: []string{visibility.NonMember}},
	}}

	res := NewPipeline(resolver, source).Render(context.Background(), Request{
		ViewerID:   "v1",
		ElementIDs: []string{"gold-only", "non-members"},
	})

	require.Len(t, res.Elements, 2)
	assert.False(t, res.Elements[0].Render)
	assert.True(t, res.Elements[1].Render)
	assert.True(t, res.Memberships.IsEmpty())
}

func TestPipeline_EmptyRequest(t *testing.T) {
	res := NewPipeline(&staticResolver{}, mapSource{}).Render(context.Background(), Request{})
	assert.Empty(t, res.Elements)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"", ModeLive, true},
		{"live", ModeLive, true},
		{"preview", ModePreview, true},
		{"PREVIEW", ModeLive, false},
		{"draft", ModeLive, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseMode(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
	assert.Equal(t, "preview", ModePreview.String())
}
