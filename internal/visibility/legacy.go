package visibility

import (
	"cmp"
	"slices"
	"strconv"
)

// Keys used by the page-builder host when it persists per-element settings.
const (
	LegacyEnabledKey = "wcm_ecl_enabled"
	LegacyVisibleKey = "wcm_ecl_membership_visible"
	LegacyHiddenKey  = "wcm_ecl_membership_hidden"

	legacyEnabledValue = "yes"
)

// DecodeLegacySettings converts host element settings into a Rule.
//
// The host stores the switch as the string "yes" and the lists as JSON arrays, or as
// JSON objects when they were re-indexed server-side. Missing, null or mistyped
// fields become the empty defaults so the evaluator never sees partial input.
// The plural "wcm-nonmembers" is rewritten to NonMember in both lists.
func DecodeLegacySettings(settings map[string]any) Rule {
	rule := Rule{
		VisibleFor: legacyList(settings[LegacyVisibleKey]),
		HiddenFor:  legacyList(settings[LegacyHiddenKey]),
	}

	switch v := settings[LegacyEnabledKey].(type) {
	case string:
		rule.Enabled = v == legacyEnabledValue
	case bool:
		rule.Enabled = v
	}

	return rule.Normalize()
}

func legacyList(raw any) []string {
	var values []any

	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			values = append(values, s)
		}
	case []any:
		values = v
	case map[string]any:
		// Re-indexed arrays arrive as {"0": "gold", "2": "silver"}.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareIndexKeys)
		for _, k := range keys {
			values = append(values, v[k])
		}
	default:
		return []string{}
	}

	out := make([]string, 0, len(values))
	for _, item := range values {
		s, ok := item.(string)
		if !ok || s == "" {
			continue
		}
		if s == LegacyNonMembers {
			s = NonMember
		}
		out = append(out, s)
	}
	return out
}

// compareIndexKeys orders numeric keys by value, ahead of any other key.
func compareIndexKeys(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return cmp.Compare(ai, bi)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return cmp.Compare(a, b)
}
