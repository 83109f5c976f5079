package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// ElementRule is the visibility rule attached to one content element.
// It mirrors the 'element_rules' table structure.
type ElementRule struct {
	ElementID string          `db:"element_id"`
	Rule      visibility.Rule `db:"rule"`
	Version   int64           `db:"version"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`

	// Created is set by UpsertElementRule when the write inserted the row.
	Created bool `db:"-"`
}

// RuleRepository defines persistence operations for element visibility rules.
type RuleRepository interface {
	// GetElementRule returns ErrNotFound when the element has no rule.
	GetElementRule(ctx context.Context, elementID string) (*ElementRule, error)

	// UpsertElementRule writes the rule and populates Version, Created and the
	// timestamps. Versions are drawn from a single sequence, so a rule written
	// after a delete still gets a higher version than the deleted one.
	// An expectedVersion of 0 writes unconditionally. Any other value must match
	// the stored version, otherwise ErrVersionConflict is returned.
	UpsertElementRule(ctx context.Context, r *ElementRule, expectedVersion int64) error

	// DeleteElementRule returns ErrNotFound when the element has no rule.
	DeleteElementRule(ctx context.Context, elementID string) error

	// ListElementRules retrieves a page of rules and the total count of records.
	// It orders results by element ID (deterministic).
	ListElementRules(ctx context.Context, limit, offset int) ([]*ElementRule, int64, error)

	// ListAllElementRules returns every rule. Used by cache hydration.
	ListAllElementRules(ctx context.Context) ([]*ElementRule, error)
}

const ruleColumns = `element_id, rule, version, created_at, updated_at`

func scanRule(row pgx.Row) (*ElementRule, error) {
	var (
		r   ElementRule
		raw []byte
	)
	if err := row.Scan(&r.ElementID, &raw, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &r.Rule); err != nil {
		return nil, fmt.Errorf("corrupt rule for element %q: %w", r.ElementID, err)
	}
	return &r, nil
}

// GetElementRule fetches a single rule.
func (s *PostgresStore) GetElementRule(ctx context.Context, elementID string) (*ElementRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM element_rules WHERE element_id = $1`

	r, err := scanRule(s.db.QueryRow(ctx, query, elementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("element %q: %w", elementID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get element rule: %w", err)
	}
	return r, nil
}

// UpsertElementRule persists a normalized rule with optimistic locking.
func (s *PostgresStore) UpsertElementRule(ctx context.Context, r *ElementRule, expectedVersion int64) error {
	r.Rule = r.Rule.Normalize()
	payload, err := json.Marshal(r.Rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	var query string
	args := []any{r.ElementID, payload}
	if expectedVersion == 0 {
		query = `
			INSERT INTO element_rules (element_id, rule)
			VALUES ($1, $2)
			ON CONFLICT (element_id) DO UPDATE
				SET rule = EXCLUDED.rule,
				    version = nextval('element_rule_version_seq'),
				    updated_at = NOW()
			RETURNING version, created_at, updated_at, (xmax = 0)
		`
	} else {
		query = `
			UPDATE element_rules
			SET rule = $2, version = nextval('element_rule_version_seq'), updated_at = NOW()
			WHERE element_id = $1 AND version = $3
			RETURNING version, created_at, updated_at, false
		`
		args = append(args, expectedVersion)
	}

	err = s.db.QueryRow(ctx, query, args...).Scan(&r.Version, &r.CreatedAt, &r.UpdatedAt, &r.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("element %q at version %d: %w", r.ElementID, expectedVersion, ErrVersionConflict)
		}
		return fmt.Errorf("failed to upsert element rule: %w", err)
	}

	return nil
}

// DeleteElementRule removes the rule. The element then renders unconditionally.
func (s *PostgresStore) DeleteElementRule(ctx context.Context, elementID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM element_rules WHERE element_id = $1`, elementID)
	if err != nil {
		return fmt.Errorf("failed to delete element rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("element %q: %w", elementID, ErrNotFound)
	}
	return nil
}

// ListElementRules executes two queries: one for the total count and one for the page.
func (s *PostgresStore) ListElementRules(ctx context.Context, limit, offset int) ([]*ElementRule, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM element_rules`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count element rules: %w", err)
	}

	if total == 0 {
		return []*ElementRule{}, 0, nil
	}

	query := `SELECT ` + ruleColumns + ` FROM element_rules ORDER BY element_id ASC LIMIT $1 OFFSET $2`
	rules, err := s.queryRules(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// ListAllElementRules streams the whole table.
func (s *PostgresStore) ListAllElementRules(ctx context.Context) ([]*ElementRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM element_rules ORDER BY element_id ASC`)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]*ElementRule, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list element rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*ElementRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan element rule row: %w", err)
		}
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return rules, nil
}
