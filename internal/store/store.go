// Package store provides the Data Access Layer (Repository) for plangate.
// It handles all direct interactions with the PostgreSQL database using the pgx driver.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time checks that PostgresStore implements every repository.
var (
	_ PlanRepository       = (*PostgresStore)(nil)
	_ MembershipRepository = (*PostgresStore)(nil)
	_ RuleRepository       = (*PostgresStore)(nil)
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic-lock update lost the race.
	ErrVersionConflict = errors.New("version conflict")
)

// PostgreSQL error codes we translate explicitly.
const (
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// PostgresStore is the implementation of all repositories backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
