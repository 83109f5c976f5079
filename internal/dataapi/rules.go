package dataapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/render"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// L2 is the subset of cache.Service read by the data plane.
type L2 interface {
	GetRule(ctx context.Context, elementID string) (*cache.CachedRule, error)
	IsHydrated(ctx context.Context) (bool, error)
	SubscribeUpdates(ctx context.Context, handler func(elementID string)) error
}

// invalidationStripes is the number of generation counters element IDs hash onto.
const invalidationStripes = 256

// TieredRuleSource reads rules through L1 (memory) then L2 (Redis).
// Absent rules are cached in L1 as well, so unruled elements stay cheap.
//
// Every invalidation bumps a generation counter for the element's stripe, and
// every subscription loss bumps the epoch. A read-through only fills L1 when
// neither moved during its L2 read, so a broadcast that lands mid-read is
// never undone by a stale fill.
type TieredRuleSource struct {
	l1       *cache.MemoryCache
	l2       L2
	logger   *slog.Logger
	hydrated atomic.Bool

	epoch       atomic.Uint64
	generations [invalidationStripes]atomic.Uint64
}

// fillStamp identifies the invalidation state a read-through started from.
type fillStamp struct {
	epoch, generation uint64
}

// NewTieredRuleSource wires both cache tiers.
func NewTieredRuleSource(l1 *cache.MemoryCache, l2 L2, logger *slog.Logger) *TieredRuleSource {
	if l1 == nil || l2 == nil {
		panic("dataapi: cache tiers cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredRuleSource{l1: l1, l2: l2, logger: logger}
}

// Rule implements render.RuleSource.
//
// An L2 miss means "no rule" only once the syncer has hydrated Redis.
// Before that the miss is reported as an error so the element fails closed.
func (s *TieredRuleSource) Rule(ctx context.Context, elementID string) (visibility.Rule, error) {
	if cached, ok := s.l1.Get(elementID); ok {
		if cached == nil {
			return visibility.Rule{}, render.ErrNoRule
		}
		return cached.Rule, nil
	}

	stamp := s.stamp(elementID)
	cached, err := s.l2.GetRule(ctx, elementID)
	if err == nil {
		s.fill(elementID, cached, stamp)
		return cached.Rule, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return visibility.Rule{}, err
	}

	ready, err := s.isHydrated(ctx)
	if err != nil {
		return visibility.Rule{}, err
	}
	if !ready {
		return visibility.Rule{}, fmt.Errorf("rule cache not hydrated yet")
	}

	s.fill(elementID, nil, stamp)
	return visibility.Rule{}, render.ErrNoRule
}

func (s *TieredRuleSource) generation(elementID string) *atomic.Uint64 {
	return &s.generations[murmur3.Sum32([]byte(elementID))%invalidationStripes]
}

func (s *TieredRuleSource) stamp(elementID string) fillStamp {
	return fillStamp{epoch: s.epoch.Load(), generation: s.generation(elementID).Load()}
}

// fill stores a read-through result unless an invalidation raced the read.
// The stamp is checked again after the write: an invalidation bumps before it
// deletes, so a write that slipped past the first check is removed here.
func (s *TieredRuleSource) fill(elementID string, rule *cache.CachedRule, stamp fillStamp) {
	if s.stamp(elementID) != stamp {
		return
	}
	s.l1.Set(elementID, rule)
	if s.stamp(elementID) != stamp {
		s.l1.Del(elementID)
	}
}

// invalidate evicts one element from L1.
func (s *TieredRuleSource) invalidate(elementID string) {
	s.generation(elementID).Add(1)
	s.l1.Del(elementID)
}

// invalidateAll empties L1 after events may have been missed.
func (s *TieredRuleSource) invalidateAll() {
	s.epoch.Add(1)
	s.l1.Clear()
}

// isHydrated latches to true; the marker only disappears on Redis data loss,
// which the syncer repairs.
func (s *TieredRuleSource) isHydrated(ctx context.Context) (bool, error) {
	if s.hydrated.Load() {
		return true, nil
	}
	ok, err := s.l2.IsHydrated(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		s.hydrated.Store(true)
	}
	return ok, nil
}

// RunInvalidationListener evicts L1 entries named on the invalidation channel.
// It resubscribes after failures and clears L1 each time, since events may
// have been missed while disconnected. Blocks until ctx is cancelled.
func (s *TieredRuleSource) RunInvalidationListener(ctx context.Context, retryDelay time.Duration) {
	for {
		err := s.l2.SubscribeUpdates(ctx, func(elementID string) {
			s.invalidate(elementID)
			observability.DataPlaneInvalidations.Inc()
		})
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("invalidation subscription lost, clearing L1", slog.Any("error", err))
		s.invalidateAll()

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}
