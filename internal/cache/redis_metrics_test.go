//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/plangate/internal/cache"
	"github.com/rafaeljc/plangate/internal/testsupport"
)

func TestRedisPoolMonitor_Integration(t *testing.T) {
	ctx := context.Background()
	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	client := redis.NewClient(&redis.Options{Addr: redisCtr.Endpoint, PoolSize: 2})
	defer client.Close()

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cache.RunPoolMonitor(monitorCtx, client, 10*time.Millisecond)

	t.Run("reports pool size", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k", "v", time.Minute).Err())
		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "plangate_redis_pool_connections", map[string]string{"state": "total"}) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("counts hits on reuse", func(t *testing.T) {
		for range 10 {
			client.Get(ctx, "k")
		}
		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "plangate_redis_pool_hits_total", nil) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("counts misses under contention", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// BLPOP holds the connection for the whole timeout.
				client.BLPop(ctx, 100*time.Millisecond, fmt.Sprintf("empty-%d", i))
			}(i)
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "plangate_redis_pool_misses_total", nil) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
