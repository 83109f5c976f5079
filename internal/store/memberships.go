package store

import (
	"context"
	"fmt"
	"time"
)

// MembershipRepository defines persistence operations for viewer memberships.
type MembershipRepository interface {
	// ListActivePlanSlugs returns the plan slugs the viewer holds at instant now:
	// status active and not expired.
	ListActivePlanSlugs(ctx context.Context, viewerID string, now time.Time) ([]string, error)

	// GrantMembership activates (or re-activates) a plan for a viewer.
	// A nil expiresAt means the membership never expires.
	GrantMembership(ctx context.Context, viewerID, planSlug string, expiresAt *time.Time) error

	// RevokeMembership cancels a membership. Returns ErrNotFound if the viewer never held the plan.
	RevokeMembership(ctx context.Context, viewerID, planSlug string) error
}

// ListActivePlanSlugs resolves the viewer's active plans.
func (s *PostgresStore) ListActivePlanSlugs(ctx context.Context, viewerID string, now time.Time) ([]string, error) {
	query := `
		SELECT plan_slug
		FROM memberships
		WHERE viewer_id = $1
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY plan_slug
	`

	rows, err := s.db.Query(ctx, query, viewerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	slugs := make([]string, 0)
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan membership row: %w", err)
		}
		slugs = append(slugs, slug)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return slugs, nil
}

// GrantMembership upserts an active membership.
func (s *PostgresStore) GrantMembership(ctx context.Context, viewerID, planSlug string, expiresAt *time.Time) error {
	query := `
		INSERT INTO memberships (viewer_id, plan_slug, status, expires_at)
		VALUES ($1, $2, 'active', $3)
		ON CONFLICT (viewer_id, plan_slug) DO UPDATE
			SET status = 'active', expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`

	if _, err := s.db.Exec(ctx, query, viewerID, planSlug, expiresAt); err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("plan %q: %w", planSlug, ErrNotFound)
		}
		return fmt.Errorf("failed to grant membership: %w", err)
	}

	return nil
}

// RevokeMembership marks a membership as cancelled.
func (s *PostgresStore) RevokeMembership(ctx context.Context, viewerID, planSlug string) error {
	query := `
		UPDATE memberships
		SET status = 'cancelled', updated_at = NOW()
		WHERE viewer_id = $1 AND plan_slug = $2
	`

	tag, err := s.db.Exec(ctx, query, viewerID, planSlug)
	if err != nil {
		return fmt.Errorf("failed to revoke membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("membership %s/%s: %w", viewerID, planSlug, ErrNotFound)
	}

	return nil
}
