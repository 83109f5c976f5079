// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/validation"
)

// NewPostgresPool initializes a PostgreSQL connection pool.
// It returns the pool directly, allowing the caller to manage the lifecycle via Dependency Injection.
// The initial ping is retried with exponential backoff so the service survives a slow database start.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set && cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := logger.FromContext(ctx)
	attempts := max(cfg.PingMaxRetries, 1)

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(cfg.PingBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("postgres ping failed",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Int("max_retries", attempts),
				slog.Any("error", err),
			)
		}),
	).Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres after %d retries: %w", attempts, err)
	}

	log.Info("successfully connected to postgres",
		slog.Int("max_conns", cfg.MaxConns),
		slog.Int("min_conns", cfg.MinConns),
	)
	return pool, nil
}

// RunPoolMonitor periodically copies pgxpool statistics into Prometheus.
// It blocks until ctx is cancelled, so callers run it in its own goroutine.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	validation.AssertNotNil(pool, "database pool")
	validation.AssertPositive(interval, "pool monitor interval")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// pgxpool exposes cumulative counters; we publish deltas.
	var lastAcquire, lastWait int64
	var lastDuration time.Duration

	for {
		stat := pool.Stat()

		observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
		observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
		observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
		observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))

		if d := stat.AcquireCount() - lastAcquire; d > 0 {
			observability.DatabasePoolAcquireCount.Add(float64(d))
		}
		if d := stat.AcquireDuration() - lastDuration; d > 0 {
			observability.DatabasePoolAcquireDuration.Add(d.Seconds())
		}
		if d := stat.EmptyAcquireCount() - lastWait; d > 0 {
			observability.DatabasePoolWaitCount.Add(float64(d))
		}
		lastAcquire = stat.AcquireCount()
		lastDuration = stat.AcquireDuration()
		lastWait = stat.EmptyAcquireCount()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
