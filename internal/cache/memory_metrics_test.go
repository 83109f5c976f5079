package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/testsupport"
	"github.com/rafaeljc/plangate/internal/visibility"
)

func cachedRule(id string) *cache.CachedRule {
	return &cache.CachedRule{
		ElementID: id,
		Rule:      visibility.Rule{Enabled: true, VisibleFor: []string{visibility.AllMembers}},
		Version:   1,
	}
}

func TestMemoryCache_Metrics(t *testing.T) {
	c, err := cache.NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	t.Run("miss increments misses", func(t *testing.T) {
		testsupport.AssertMetricDelta(t, "plangate_data_plane_l1_cache_misses_total", nil, 1, func() {
			_, found := c.Get("missing")
			assert.False(t, found)
		})
	})

	t.Run("hit increments hits", func(t *testing.T) {
		c.Set("hero", cachedRule("hero"))
		testsupport.AssertMetricDelta(t, "plangate_data_plane_l1_cache_hits_total", nil, 1, func() {
			got, found := c.Get("hero")
			require.True(t, found)
			assert.Equal(t, "hero", got.ElementID)
		})
	})

	t.Run("del and clear remove entries", func(t *testing.T) {
		c.Set("a", cachedRule("a"))
		c.Del("a")
		_, found := c.Get("a")
		assert.False(t, found)

		c.Set("b", cachedRule("b"))
		c.Clear()
		_, found = c.Get("b")
		assert.False(t, found)
	})

	t.Run("collector reports size and evictions", func(t *testing.T) {
		go c.RunMetricsCollector(t.Context(), 10*time.Millisecond)

		for i := range 100 {
			id := fmt.Sprintf("overflow-%d", i)
			c.Set(id, cachedRule(id))
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "plangate_data_plane_l1_cache_items_count", nil) > 0
		}, 2*time.Second, 20*time.Millisecond, "usage gauge never updated")

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "plangate_data_plane_l1_cache_evictions_total", nil) > 0
		}, 2*time.Second, 20*time.Millisecond, "evictions never recorded")

		assert.LessOrEqual(t, c.Size(), 10)
	})
}
