package store

import (
	"context"
	"fmt"
	"time"
)

// Plan is a membership plan from the catalog.
// It mirrors the 'plans' table structure.
type Plan struct {
	ID        int64     `db:"id"`
	Slug      string    `db:"slug"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PlanRepository defines persistence operations for membership plans.
type PlanRepository interface {
	// ListPlans returns every plan ordered by name, then slug.
	ListPlans(ctx context.Context) ([]*Plan, error)

	// UpsertPlan creates the plan or renames it when the slug already exists.
	// It populates ID and timestamps.
	UpsertPlan(ctx context.Context, p *Plan) error
}

// ListPlans retrieves the full catalog. Catalogs are small (tens of plans),
// so no pagination is applied.
func (s *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	query := `
		SELECT id, slug, name, created_at, updated_at
		FROM plans
		ORDER BY name ASC, slug ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]*Plan, 0)
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		plans = append(plans, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return plans, nil
}

// UpsertPlan inserts or renames a plan.
func (s *PostgresStore) UpsertPlan(ctx context.Context, p *Plan) error {
	query := `
		INSERT INTO plans (slug, name)
		VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE
			SET name = EXCLUDED.name, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query, p.Slug, p.Name).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if pgErrorCode(err) == pgCheckViolation {
			return fmt.Errorf("plan slug %q is reserved", p.Slug)
		}
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	return nil
}
