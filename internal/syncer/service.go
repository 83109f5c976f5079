// Package syncer implements the background worker that propagates element
// rules from the Control Plane (PostgreSQL) to the Data Plane (Redis).
//
// On startup it hydrates Redis with every rule, then consumes the update
// queue fed by the control plane. A watchdog re-hydrates whenever the
// hydration marker disappears (Redis restart or flush).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/store"
)

// Service orchestrates the synchronization process.
type Service struct {
	logger *slog.Logger
	config config.SyncerConfig
	repo   store.RuleRepository
	cache  cache.Service
}

// New creates a new Syncer service.
func New(logger *slog.Logger, cfg config.SyncerConfig, repo store.RuleRepository, cacheSvc cache.Service) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		panic("syncer: rule repository cannot be nil")
	}
	if cacheSvc == nil {
		panic("syncer: cache service cannot be nil")
	}

	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.HydrationCheckInterval <= 0 {
		cfg.HydrationCheckInterval = 10 * time.Second
	}
	if cfg.HydrationConcurrency < 1 {
		cfg.HydrationConcurrency = 1
	}

	return &Service{
		logger: logger,
		config: cfg,
		repo:   repo,
		cache:  cacheSvc,
	}
}

// Run hydrates Redis and then processes update events.
// It blocks until the context is cancelled and returns nil on clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.Duration("pop_timeout", s.config.PopTimeout),
		slog.Duration("hydration_check_interval", s.config.HydrationCheckInterval),
	)

	if err := s.ensureHydrated(ctx); err != nil && ctx.Err() == nil {
		// The watchdog keeps retrying; the queue can be served meanwhile.
		s.logger.Error("initial hydration failed", slog.Any("error", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watchdog(gctx) })
	g.Go(func() error { return s.consume(gctx) })

	err := g.Wait()
	s.logger.Info("syncer service stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ensureHydrated hydrates only when the marker is missing.
func (s *Service) ensureHydrated(ctx context.Context) error {
	ok, err := s.cache.IsHydrated(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.Hydrate(ctx)
}

// Hydrate copies every rule into Redis and sets the hydration marker.
// Writes go through SetRuleSafely, so concurrent queue processing never
// regresses a version. Rules the cache holds at a higher version than the
// snapshot, and cached rules missing from it, are re-read one by one and
// reconciled by apply.
func (s *Service) Hydrate(ctx context.Context) error {
	start := time.Now()

	rules, err := s.repo.ListAllElementRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	known := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		known[r.ElementID] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.HydrationConcurrency)

	for _, r := range rules {
		g.Go(func() error {
			res, err := s.cache.SetRuleSafely(gctx, r.ElementID, r.Rule, r.Version)
			if err != nil {
				return fmt.Errorf("element %q: %w", r.ElementID, err)
			}
			if res == cache.SetResultSkipped {
				if err := s.reconcileIfAhead(gctx, r); err != nil {
					return fmt.Errorf("element %q: %w", r.ElementID, err)
				}
			}
			observability.SyncerHydratedRules.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("hydration aborted: %w", err)
	}

	orphans, err := s.orphanedRuleIDs(ctx, known)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		if err := s.reconcile(ctx, id); err != nil {
			return fmt.Errorf("element %q: %w", id, err)
		}
	}

	if err := s.cache.MarkHydrated(ctx); err != nil {
		return err
	}

	s.logger.Info("hydration completed",
		slog.Int("rules", len(rules)),
		slog.Int("orphans", len(orphans)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// orphanedRuleIDs returns the cached element IDs absent from the snapshot.
func (s *Service) orphanedRuleIDs(ctx context.Context, known map[string]struct{}) ([]string, error) {
	cached, err := s.cache.RuleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached rules: %w", err)
	}
	var orphans []string
	for _, id := range cached {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// reconcileIfAhead reconciles a snapshot row only when Redis holds a higher version.
func (s *Service) reconcileIfAhead(ctx context.Context, r *store.ElementRule) error {
	cached, err := s.cache.GetRule(ctx, r.ElementID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if cached.Version <= r.Version {
		return nil
	}
	return s.reconcile(ctx, r.ElementID)
}

// reconcile re-reads one element instead of trusting the snapshot, so a
// rule created or updated while hydrating is never deleted or rewound.
func (s *Service) reconcile(ctx context.Context, elementID string) error {
	return s.apply(ctx, s.logger.With(slog.String("element_id", elementID)), elementID)
}

// watchdog re-hydrates when the marker is lost and publishes the queue depth.
func (s *Service) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.config.HydrationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if depth, err := s.cache.QueueDepth(ctx); err == nil {
			observability.RedisQueueDepth.Set(float64(depth))
		}

		if err := s.ensureHydrated(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("re-hydration failed", slog.Any("error", err))
		}
	}
}

// consume pops and processes events until ctx is cancelled.
func (s *Service) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		elementID, version, err := s.cache.PopUpdate(ctx, s.config.PopTimeout)
		if err != nil {
			if errors.Is(err, cache.ErrQueueEmpty) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to pop update", slog.Any("error", err))
			sleep(ctx, s.config.BaseRetryDelay)
			continue
		}

		s.process(ctx, elementID, version)
	}
}

// process reloads the rule from the source of truth and propagates it.
// The queued version is informative only: the database row always wins.
func (s *Service) process(ctx context.Context, elementID string, queuedVersion int64) {
	start := time.Now()
	log := s.logger.With(slog.String("element_id", elementID), slog.Int64("queued_version", queuedVersion))

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(s.config.MaxRetries)+1),
		retry.Delay(s.config.BaseRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return s.apply(ctx, log, elementID)
	})

	observability.SyncerJobDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SyncerJobsTotal.WithLabelValues("fail").Inc()
		log.Error("failed to propagate rule", slog.Any("error", err))
		return
	}
	observability.SyncerJobsTotal.WithLabelValues("success").Inc()
}

func (s *Service) apply(ctx context.Context, log *slog.Logger, elementID string) error {
	rule, err := s.repo.GetElementRule(ctx, elementID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.cache.DeleteRule(ctx, elementID); err != nil {
			return err
		}
		log.Debug("rule removed from cache")
	case err != nil:
		return err
	default:
		res, err := s.cache.SetRuleSafely(ctx, elementID, rule.Rule, rule.Version)
		if err != nil {
			return err
		}
		if res == cache.SetResultSkipped {
			rewound, err := s.rewindIfAhead(ctx, log, rule)
			if err != nil || !rewound {
				return err
			}
			break
		}
		log.Debug("rule propagated", slog.Int64("version", rule.Version))
	}

	if err := s.cache.BroadcastUpdate(ctx, elementID); err != nil {
		// The L1 TTL bounds staleness, so a lost broadcast is not retried.
		log.Warn("failed to broadcast invalidation", slog.Any("error", err))
	}
	return nil
}

// rewindIfAhead handles a skipped write. A cached version above the row is
// either a newer write that propagated meanwhile, or a Redis value that
// outlived its row. The row is re-read to tell them apart, and only the
// latter is rewound.
func (s *Service) rewindIfAhead(ctx context.Context, log *slog.Logger, rule *store.ElementRule) (bool, error) {
	cached, err := s.cache.GetRule(ctx, rule.ElementID)
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		// Evicted between the two calls; the next event or hydration restores it.
		return false, nil
	case err != nil:
		return false, err
	case cached.Version <= rule.Version:
		log.Debug("cache already holds this version", slog.Int64("version", rule.Version))
		return false, nil
	}

	fresh, err := s.repo.GetElementRule(ctx, rule.ElementID)
	if err != nil {
		// Not found is retried by the caller and then takes the delete path.
		return false, err
	}
	if fresh.Version >= cached.Version {
		log.Debug("cache holds a newer write", slog.Int64("version", cached.Version))
		return false, nil
	}

	log.Warn("cached rule ahead of database, rewinding",
		slog.Int64("cached_version", cached.Version),
		slog.Int64("version", fresh.Version),
	)
	return s.cache.RewindRule(ctx, fresh.ElementID, fresh.Rule, fresh.Version, cached.Version)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
