package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/validation"
)

// NewRedisClient initializes a new Redis client connection using the provided configuration.
// It handles connection pooling, TLS, and initial connectivity checks with retries.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	opts := &redis.Options{
		Addr:            cfg.Address(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)
	log := logger.FromContext(ctx)
	attempts := max(cfg.PingMaxRetries, 1)

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(cfg.PingBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("redis ping failed",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Int("max_retries", attempts),
				slog.Any("error", err),
			)
		}),
	).Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d retries: %w", attempts, err)
	}

	log.Info("redis ping successful", slog.String("addr", opts.Addr))
	return client, nil
}

// RunPoolMonitor periodically copies go-redis pool statistics into Prometheus.
// It blocks until ctx is cancelled.
func RunPoolMonitor(ctx context.Context, client *redis.Client, interval time.Duration) {
	validation.AssertNotNil(client, "redis client")
	validation.AssertPositive(interval, "pool monitor interval")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last redis.PoolStats
	for {
		stats := client.PoolStats()

		observability.RedisPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns))
		observability.RedisPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns))
		observability.RedisPoolConnections.WithLabelValues("stale").Set(float64(stats.StaleConns))

		if stats.Hits > last.Hits {
			observability.RedisPoolHits.Add(float64(stats.Hits - last.Hits))
		}
		if stats.Misses > last.Misses {
			observability.RedisPoolMisses.Add(float64(stats.Misses - last.Misses))
		}
		if stats.Timeouts > last.Timeouts {
			observability.RedisPoolTimeouts.Add(float64(stats.Timeouts - last.Timeouts))
		}
		last = *stats

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
