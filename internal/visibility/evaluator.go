package visibility

import "slices"

// Reason explains which step of the evaluation produced a Decision.
type Reason string

const (
	ReasonDisabled        Reason = "DISABLED"
	ReasonUnrestricted    Reason = "UNRESTRICTED"
	ReasonAllowAllMembers Reason = "ALLOW_ALL_MEMBERS"
	ReasonAllowNonMember  Reason = "ALLOW_NON_MEMBER"
	ReasonAllowPlanMatch  Reason = "ALLOW_PLAN_MATCH"
	ReasonAllowNoMatch    Reason = "ALLOW_NO_MATCH"
	ReasonDenyAllMembers  Reason = "DENY_ALL_MEMBERS"
	ReasonDenyNonMember   Reason = "DENY_NON_MEMBER"
	ReasonDenyPlanMatch   Reason = "DENY_PLAN_MATCH"
	ReasonDenyNoMatch     Reason = "DENY_NO_MATCH"
)

// Decision is the outcome of evaluating a Rule for a viewer.
type Decision struct {
	// Render is true when the element must be rendered normally.
	// False means the element is suppressed entirely.
	Render bool `json:"render"`

	// Reason names the branch that decided.
	Reason Reason `json:"reason"`
}

// ShouldRender decides whether an element guarded by rule renders for a viewer
// holding the given memberships. It never fails and has no side effects.
func ShouldRender(rule Rule, viewer Memberships) bool {
	return Evaluate(rule, viewer).Render
}

// Evaluate runs the visibility policy and reports the deciding branch.
//
// Precedence:
//  1. A disabled rule always renders.
//  2. A non-empty allow-list decides on its own; the deny-list is never consulted,
//     even when the allow-list answer is false.
//  3. A non-empty deny-list suppresses matching viewers and falls through otherwise.
//  4. Everything else renders.
func Evaluate(rule Rule, viewer Memberships) Decision {
	if !rule.Enabled {
		return Decision{Render: true, Reason: ReasonDisabled}
	}

	if len(rule.VisibleFor) > 0 {
		return evaluateAllowList(rule.VisibleFor, viewer)
	}

	if len(rule.HiddenFor) > 0 {
		if reason, hidden := evaluateDenyList(rule.HiddenFor, viewer); hidden {
			return Decision{Render: false, Reason: reason}
		}
		return Decision{Render: true, Reason: ReasonDenyNoMatch}
	}

	return Decision{Render: true, Reason: ReasonUnrestricted}
}

func evaluateAllowList(visibleFor []string, viewer Memberships) Decision {
	if !viewer.IsEmpty() && slices.Contains(visibleFor, AllMembers) {
		return Decision{Render: true, Reason: ReasonAllowAllMembers}
	}
	if viewer.IsEmpty() && slices.Contains(visibleFor, NonMember) {
		return Decision{Render: true, Reason: ReasonAllowNonMember}
	}
	if intersects(visibleFor, viewer) {
		return Decision{Render: true, Reason: ReasonAllowPlanMatch}
	}
	return Decision{Render: false, Reason: ReasonAllowNoMatch}
}

// evaluateDenyList returns the matching reason and true when the viewer must not see the element.
func evaluateDenyList(hiddenFor []string, viewer Memberships) (Reason, bool) {
	if !viewer.IsEmpty() && slices.Contains(hiddenFor, AllMembers) {
		return ReasonDenyAllMembers, true
	}
	if viewer.IsEmpty() && slices.Contains(hiddenFor, NonMember) {
		return ReasonDenyNonMember, true
	}
	if intersects(hiddenFor, viewer) {
		return ReasonDenyPlanMatch, true
	}
	return "", false
}

// intersects is O(len(selectors)) thanks to the set lookup on the viewer side.
func intersects(selectors []string, viewer Memberships) bool {
	if viewer.IsEmpty() {
		return false
	}
	for _, s := range selectors {
		if viewer.Has(s) {
			return true
		}
	}
	return false
}
