// Package main runs the Plangate syncer worker, which propagates element
// rules from PostgreSQL to the Redis cache read by the data planes.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/database"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/syncer"
)

var errNotHydrated = errors.New("rules not hydrated yet")

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logr := logger.WithComponent(logger.New(&cfg.App), "syncer")
	slog.SetDefault(logr)
	cfg.LogConfig(logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	redisCache := cache.NewRedisCache(redisClient, cfg.Redis.KeyPrefix)
	defer redisCache.Close()

	worker := syncer.New(logr, cfg.Syncer, store.NewPostgresStore(pool), redisCache)

	// Data planes treat an L2 miss as "no rule" only once hydrated,
	// so the syncer is not ready until the marker exists.
	hydration := observability.NewCheckFunc("hydration", func(ctx context.Context) error {
		ok, err := redisCache.IsHydrated(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotHydrated
		}
		return nil
	})

	obs := observability.NewServer(logr, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
		hydration,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error {
		database.RunPoolMonitor(gctx, pool, cfg.Database.MonitorPeriod)
		return nil
	})
	g.Go(func() error {
		cache.RunPoolMonitor(gctx, redisClient, cfg.Observability.CollectInterval)
		return nil
	})
	g.Go(func() error { return worker.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}

	logr.Info("worker exited successfully")
	return nil
}
