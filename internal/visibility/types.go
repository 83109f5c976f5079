// Package visibility provides the core decision logic for membership-gated content.
// Given an element's VisibilityRule and the set of membership plans held by the
// viewer, it decides whether the element renders. Everything in this package is
// pure: no I/O, no shared state, safe for concurrent use.
package visibility

import (
	"encoding/json"
	"slices"
)

// Reserved selectors. They live outside the plan catalog and are matched against
// the emptiness of the viewer's membership set rather than plan identity.
const (
	// AllMembers matches any viewer holding at least one active membership.
	AllMembers = "wcm-allmembers"

	// NonMember matches a viewer holding no active memberships.
	NonMember = "wcm-nonmember"

	// LegacyNonMembers is the plural spelling some persisted deny-lists carry.
	// It is only recognized by DecodeLegacySettings, which rewrites it to NonMember.
	LegacyNonMembers = "wcm-nonmembers"
)

// IsReserved reports whether id is one of the reserved selectors.
func IsReserved(id string) bool {
	return id == AllMembers || id == NonMember
}

// Rule is the per-element visibility configuration.
// It mirrors the JSON stored in the 'element_rules.rule' column and the Redis cache.
type Rule struct {
	// Enabled is the master switch. A disabled rule never hides anything.
	Enabled bool `json:"enabled"`

	// VisibleFor is the allow-list. When non-empty, HiddenFor is never consulted.
	VisibleFor []string `json:"visibleFor"`

	// HiddenFor is the deny-list.
	HiddenFor []string `json:"hiddenFor"`
}

// MarshalJSON always emits both lists as arrays ("[]" instead of "null").
func (r Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	out := alias(r)
	if out.VisibleFor == nil {
		out.VisibleFor = []string{}
	}
	if out.HiddenFor == nil {
		out.HiddenFor = []string{}
	}
	return json.Marshal(out)
}

// Conflicting reports whether both lists are populated. The evaluator resolves this
// deterministically (allow-list wins) but authoring tools should warn about it.
func (r Rule) Conflicting() bool {
	return len(r.VisibleFor) > 0 && len(r.HiddenFor) > 0
}

// Memberships is the immutable set of plan identifiers active for a viewer.
// The zero value is the empty set (anonymous or non-member viewer).
type Memberships struct {
	set map[string]struct{}
}

// NewMemberships builds a set from plan identifiers.
// Reserved selectors and empty strings are dropped: they are rule-side selectors
// and can never be held by a viewer.
func NewMemberships(ids ...string) Memberships {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" || IsReserved(id) {
			continue
		}
		set[id] = struct{}{}
	}
	return Memberships{set: set}
}

// Has reports whether the viewer holds the given plan.
func (m Memberships) Has(id string) bool {
	_, ok := m.set[id]
	return ok
}

// Len returns the number of active plans.
func (m Memberships) Len() int {
	return len(m.set)
}

// IsEmpty reports whether the viewer holds no active membership.
func (m Memberships) IsEmpty() bool {
	return len(m.set) == 0
}

// IDs returns the plan identifiers in sorted order.
func (m Memberships) IDs() []string {
	ids := make([]string, 0, len(m.set))
	for id := range m.set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MarshalJSON encodes the set as a sorted JSON array.
func (m Memberships) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.IDs())
}

// UnmarshalJSON decodes a JSON array (or null) into the set.
func (m *Memberships) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*m = NewMemberships(ids...)
	return nil
}
