package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/plangate/internal/validation"
)

// HealthChecker reports Redis reachability to the readiness probe.
type HealthChecker struct {
	client *redis.Client
}

// NewHealthChecker panics on a nil client.
func NewHealthChecker(client *redis.Client) *HealthChecker {
	validation.AssertNotNil(client, "redis client")
	return &HealthChecker{client: client}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "redis"
}

// Check sends a PING and expects PONG.
func (h *HealthChecker) Check(ctx context.Context) error {
	pong, err := h.client.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}
