package visibility

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// MaxSelectorListSize limits the number of identifiers in a single list.
// Catalogs with more plans than this are better served by the reserved selectors.
const MaxSelectorListSize = 1_000

var (
	// ErrEmptyIdentifier is returned when a list contains an empty identifier.
	ErrEmptyIdentifier = errors.New("identifier cannot be empty")

	// ErrTooManySelectors is returned when a list exceeds MaxSelectorListSize.
	ErrTooManySelectors = errors.New("too many selectors")
)

// Normalize returns a copy of the rule with duplicate identifiers removed
// (first occurrence wins) and nil lists replaced by empty ones.
// Identifiers are otherwise kept verbatim, including ones unknown to the catalog.
func (r Rule) Normalize() Rule {
	return Rule{
		Enabled:    r.Enabled,
		VisibleFor: dedupe(r.VisibleFor),
		HiddenFor:  dedupe(r.HiddenFor),
	}
}

// Validate checks authoring constraints. The evaluator never calls it:
// evaluation is total over any Rule value.
func (r Rule) Validate() error {
	if err := validateList("visibleFor", r.VisibleFor); err != nil {
		return err
	}
	return validateList("hiddenFor", r.HiddenFor)
}

// Fingerprint returns a stable hash of the rule's JSON form with both lists
// sorted, so rules holding the same sets share a fingerprint.
// Used as an HTTP ETag and to skip redundant cache writes.
func (r Rule) Fingerprint() string {
	canonical := Rule{
		Enabled:    r.Enabled,
		VisibleFor: sortedCopy(r.VisibleFor),
		HiddenFor:  sortedCopy(r.HiddenFor),
	}
	data, _ := json.Marshal(canonical) // Rule always marshals
	return strconv.FormatUint(murmur3.Sum64(data), 16)
}

func sortedCopy(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// ParseRule decodes the persisted JSON format, normalizes it and validates it.
func ParseRule(data []byte) (Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, fmt.Errorf("invalid visibility rule: %w", err)
	}
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func validateList(field string, ids []string) error {
	if len(ids) > MaxSelectorListSize {
		return fmt.Errorf("%s: %w: %d > %d", field, ErrTooManySelectors, len(ids), MaxSelectorListSize)
	}
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("%s[%d]: %w", field, i, ErrEmptyIdentifier)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
