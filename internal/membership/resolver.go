// Package membership resolves the active plans of a viewer.
//
// Resolvers compose: StoreResolver reads Postgres, CachedResolver adds a
// Redis read-through layer, and SafeResolver wraps the chain in a circuit
// breaker and turns every failure into the empty set, so a degraded
// membership backend hides gated content instead of leaking it.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// Resolver returns the membership set of a viewer.
type Resolver interface {
	Resolve(ctx context.Context, viewerID string) (visibility.Memberships, error)
}

// StoreResolver reads active memberships from the database.
type StoreResolver struct {
	repo store.MembershipRepository
	now  func() time.Time
}

// NewStoreResolver creates a resolver over the membership repository.
func NewStoreResolver(repo store.MembershipRepository) *StoreResolver {
	if repo == nil {
		panic("membership: repository cannot be nil")
	}
	return &StoreResolver{repo: repo, now: time.Now}
}

// Resolve returns the empty set for anonymous viewers without touching the database.
func (r *StoreResolver) Resolve(ctx context.Context, viewerID string) (visibility.Memberships, error) {
	if viewerID == "" {
		return visibility.NewMemberships(), nil
	}

	slugs, err := r.repo.ListActivePlanSlugs(ctx, viewerID, r.now())
	if err != nil {
		return visibility.Memberships{}, fmt.Errorf("failed to resolve memberships: %w", err)
	}

	observability.ResolverLookups.WithLabelValues("store").Inc()
	return visibility.NewMemberships(slugs...), nil
}

// MembershipCache is the subset of cache.Service used by CachedResolver.
type MembershipCache interface {
	SetMemberships(ctx context.Context, viewerID string, slugs []string, ttl time.Duration) error
	GetMemberships(ctx context.Context, viewerID string) ([]string, error)
}

// CachedResolver adds a Redis read-through layer in front of another resolver.
type CachedResolver struct {
	next   Resolver
	cache  MembershipCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps next. Cache write failures are logged, never returned.
func NewCachedResolver(next Resolver, c MembershipCache, ttl time.Duration, log *slog.Logger) *CachedResolver {
	if next == nil || c == nil {
		panic("membership: cached resolver dependencies cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedResolver{next: next, cache: c, ttl: ttl, logger: log}
}

// Resolve consults Redis first and populates it on miss.
func (r *CachedResolver) Resolve(ctx context.Context, viewerID string) (visibility.Memberships, error) {
	if viewerID == "" {
		return visibility.NewMemberships(), nil
	}

	slugs, err := r.cache.GetMemberships(ctx, viewerID)
	if err == nil {
		observability.ResolverLookups.WithLabelValues("cache").Inc()
		return visibility.NewMemberships(slugs...), nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.FromContext(ctx).Warn("membership cache read failed", slog.Any("error", err))
	}

	set, err := r.next.Resolve(ctx, viewerID)
	if err != nil {
		return visibility.Memberships{}, err
	}

	if err := r.cache.SetMemberships(ctx, viewerID, set.IDs(), r.ttl); err != nil {
		r.logger.Warn("membership cache write failed",
			slog.String("viewer_id", viewerID),
			slog.Any("error", err),
		)
	}

	return set, nil
}
