// Package main initializes and runs the Plangate Data Plane service.
//
// It is the composition root of the gRPC visibility API: rules are read
// through an in-process L1 cache backed by Redis, viewer memberships through
// a circuit-broken resolver, and every decision fails safe.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/dataapi"
	"github.com/rafaeljc/plangate/internal/database"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/membership"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/render"
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

	logr := logger.WithComponent(logger.New(&cfg.App), "data-plane")
	slog.SetDefault(logr)
	cfg.LogConfig(logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataCfg := cfg.Server.Data

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

	l1, err := cache.NewMemoryCache(dataCfg.L1CacheCapacity, dataCfg.L1CacheTTL)
	if err != nil {
		return err
	}
	defer l1.Close()

	// -------------------------------------------------------------------------
	// Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	rules := dataapi.NewTieredRuleSource(l1, redisCache, logr)

	var resolver membership.Resolver = membership.NewStoreResolver(repo)
	if cfg.Resolver.CacheTTL > 0 {
		resolver = membership.NewCachedResolver(resolver, redisCache, cfg.Resolver.CacheTTL, logr)
	}
	safe := membership.NewSafeResolver(resolver, &cfg.Resolver, logr)

	pipeline := render.NewPipeline(safe, rules)
	api := dataapi.NewAPI(logr, pipeline, dataCfg.MaxElementsPerRequest)

	interceptors := []grpc.UnaryServerInterceptor{
		dataapi.RequestLoggerInterceptor(logr),
		dataapi.ObservabilityInterceptor(),
	}
	if dataCfg.RateLimitRPS > 0 {
		interceptors = append(interceptors,
			dataapi.RateLimitInterceptor(dataapi.NewLimiter(dataCfg.RateLimitRPS, dataCfg.RateLimitBurst)))
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.MaxConcurrentStreams(dataCfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:             dataCfg.KeepaliveTime,
			Timeout:          dataCfg.KeepaliveTimeout,
			MaxConnectionAge: dataCfg.MaxConnectionAge,
		}),
	)
	api.Register(grpcServer)

	obs := observability.NewServer(logr, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
	)

	// Fail fast on a taken port before starting background work.
	addr := net.JoinHostPort(dataCfg.Host, dataCfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	// -------------------------------------------------------------------------
	// Lifecycle
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error {
		rules.RunInvalidationListener(gctx, dataCfg.InvalidationRetryDelay)
		return nil
	})
	g.Go(func() error {
		l1.RunMetricsCollector(gctx, cfg.Observability.CollectInterval)
		return nil
	})
	g.Go(func() error {
		database.RunPoolMonitor(gctx, pool, cfg.Database.MonitorPeriod)
		return nil
	})
	g.Go(func() error {
		cache.RunPoolMonitor(gctx, redisClient, cfg.Observability.CollectInterval)
		return nil
	})

	g.Go(func() error {
		logr.Info("gRPC server listening", slog.String("addr", addr))
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("failed to serve gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutdown signal received, stopping gRPC server")
		gracefulStop(grpcServer, cfg.App.ShutdownTimeout, logr)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logr.Info("service exited successfully")
	return nil
}

// gracefulStop waits for in-flight RPCs up to timeout, then forces the stop.
// GracefulStop itself takes no deadline.
func gracefulStop(s *grpc.Server, timeout time.Duration, logr *slog.Logger) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logr.Warn("graceful stop timed out, forcing", slog.Duration("timeout", timeout))
		s.Stop()
	}
}
