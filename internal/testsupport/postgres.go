// Package testsupport starts throwaway PostgreSQL and Redis containers for
// integration tests and reads Prometheus metrics back for assertions.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/database"
)

const postgresImage = "postgres:16-alpine"

// resetTables lists every table created by the migrations, children first.
var resetTables = []string{"element_rules", "memberships", "plans"}

// PostgresContainer is a migrated database and a pool opened on it through
// database.NewPostgresPool, the same constructor the binaries use.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	ConnectionString string
}

// Terminate closes the pool and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

// Reset empties every plangate table so a subtest can assert exact counts.
func (c *PostgresContainer) Reset(ctx context.Context) error {
	for _, table := range resetTables {
		if _, err := c.DB.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}

// StartPostgresContainer runs the *.sql files of migrationsDir, in file name
// order, as init scripts of a fresh container.
func StartPostgresContainer(ctx context.Context, migrationsDir string) (*PostgresContainer, error) {
	scripts, err := migrationScripts(migrationsDir)
	if err != nil {
		return nil, err
	}

	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("plangate_test"),
		postgres.WithUsername("plangate"),
		postgres.WithPassword("plangate"),
		postgres.WithInitScripts(scripts...),
		// The entrypoint restarts the server once after running init scripts.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:            connStr,
		MaxConns:       5,
		MinConns:       1,
		ConnectTimeout: 5 * time.Second,
		PingMaxRetries: 3,
		PingBackoff:    200 * time.Millisecond,
	})
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	return &PostgresContainer{Container: ctr, DB: pool, ConnectionString: connStr}, nil
}

func migrationScripts(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(abs, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migration files found in %s", abs)
	}
	slices.Sort(files)
	return files, nil
}
