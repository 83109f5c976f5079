package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/plangate/internal/validation"
)

// HealthChecker reports PostgreSQL reachability to the readiness probe.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker panics on a nil pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	validation.AssertNotNil(pool, "database pool")
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check acquires a connection and pings through it.
func (h *HealthChecker) Check(ctx context.Context) error {
	return h.pool.Ping(ctx)
}
