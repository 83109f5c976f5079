// Package main initializes and runs the Plangate Control Plane service.
//
// It is the composition root of the REST authoring API: plans, memberships
// and element visibility rules are written to PostgreSQL, and rule changes
// are queued in Redis for the syncer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/catalog"
	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/controlapi"
	"github.com/rafaeljc/plangate/internal/database"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/store"
)

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

	logr := logger.WithComponent(logger.New(&cfg.App), "control-plane")
	slog.SetDefault(logr)
	cfg.LogConfig(logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Infrastructure
	// -------------------------------------------------------------------------
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

	// -------------------------------------------------------------------------
	// Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)

	cat := catalog.NewService(repo, catalog.DefaultTTL)

	controlCfg := cfg.Server.Control
	skipAuth := controlCfg.APIKeyHash == ""
	if skipAuth {
		// Config validation already rejects this in production.
		logr.Warn("API key hash not configured, authentication is DISABLED")
	}

	api := controlapi.NewAPI(controlapi.Dependencies{
		Plans:       repo,
		Memberships: repo,
		Rules:       repo,
		Catalog:     cat,
		Publisher:   redisCache,
		Logger:      logr,
	}, controlapi.Config{
		APIKeyHash:       controlCfg.APIKeyHash,
		SkipAuth:         skipAuth,
		NotifyMaxRetries: controlCfg.NotifyMaxRetries,
		NotifyTimeout:    controlCfg.NotifyTimeout,
	})

	obs := observability.NewServer(logr, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
	)

	addr := net.JoinHostPort(controlCfg.Host, controlCfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router,
		ReadTimeout:       controlCfg.ReadTimeout,
		ReadHeaderTimeout: controlCfg.ReadHeaderTimeout,
		WriteTimeout:      controlCfg.WriteTimeout,
		IdleTimeout:       controlCfg.IdleTimeout,
		MaxHeaderBytes:    controlCfg.MaxHeaderBytes,
	}

	// -------------------------------------------------------------------------
	// Lifecycle
	// -------------------------------------------------------------------------
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

	g.Go(func() error {
		logr.Info("control plane listening", slog.String("addr", addr), slog.Bool("tls", controlCfg.TLSEnabled))

		var err error
		if controlCfg.TLSEnabled {
			err = srv.ListenAndServeTLS(controlCfg.TLSCert, controlCfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control plane server failed: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutdown signal received, draining HTTP connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logr.Info("service exited successfully")
	return nil
}
