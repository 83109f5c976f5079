package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/plangate/internal/observability"
)

// MemoryCache acts as the L1 caching layer of element rules using a
// contention-free algorithm (S3-FIFO) provided by the 'otter' library.
type MemoryCache struct {
	store otter.Cache[string, *CachedRule]
}

// NewMemoryCache initializes the in-memory cache with strict limits.
// capacity: Max number of items (Hard Cap to prevent OOM).
// ttl: Time-To-Live for items (Safety net if an invalidation is lost).
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	store, err := otter.MustBuilder[string, *CachedRule](capacity).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &MemoryCache{store: store}, nil
}

// Get retrieves a rule from memory and records a hit or a miss.
func (c *MemoryCache) Get(elementID string) (*CachedRule, bool) {
	rule, ok := c.store.Get(elementID)
	if ok {
		observability.DataPlaneCacheHits.Inc()
	} else {
		observability.DataPlaneCacheMisses.Inc()
	}
	return rule, ok
}

// Set adds or updates a rule in memory. Rejected writes surface through
// RunMetricsCollector as dropped sets.
func (c *MemoryCache) Set(elementID string, rule *CachedRule) {
	c.store.Set(elementID, rule)
}

// Del removes a rule from memory.
// Used by the Pub/Sub listener when an invalidation event is received.
func (c *MemoryCache) Del(elementID string) {
	c.store.Delete(elementID)
}

// Clear drops every entry. Used after the invalidation subscription reconnects,
// since events may have been missed.
func (c *MemoryCache) Clear() {
	c.store.Clear()
}

// Size returns the number of cached rules.
func (c *MemoryCache) Size() int {
	return c.store.Size()
}

// RunMetricsCollector publishes size and eviction statistics until ctx is done.
func (c *MemoryCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEvicted, lastRejected int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.store.Stats()
			observability.DataPlaneCacheUsage.Set(float64(c.store.Size()))

			if d := stats.EvictedCount() - lastEvicted; d > 0 {
				observability.DataPlaneCacheEvictions.Add(float64(d))
			}
			if d := stats.RejectedSets() - lastRejected; d > 0 {
				observability.DataPlaneCacheDropped.Add(float64(d))
			}
			lastEvicted = stats.EvictedCount()
			lastRejected = stats.RejectedSets()
		}
	}
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}
