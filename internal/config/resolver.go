package config

import (
	"fmt"
	"time"
)

// ResolverConfig tunes the active-memberships resolver used by the data plane.
type ResolverConfig struct {
	// CacheTTL is how long a viewer's membership set stays in Redis.
	// Zero disables the Redis layer.
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s" validate:"min=0"`

	// Timeout bounds a single resolution (cache + database).
	Timeout time.Duration `envconfig:"TIMEOUT" default:"250ms"`

	// Circuit breaker
	BreakerMaxRequests      uint32        `envconfig:"BREAKER_MAX_REQUESTS" default:"3" validate:"min=1"`
	BreakerInterval         time.Duration `envconfig:"BREAKER_INTERVAL" default:"10s"`
	BreakerOpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`
	BreakerFailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
}

// Validate checks ResolverConfig fields for correctness.
func (c *ResolverConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("resolver timeout must be positive, got %s", c.Timeout)
	}
	if c.BreakerOpenTimeout <= 0 {
		return fmt.Errorf("resolver breaker open timeout must be positive, got %s", c.BreakerOpenTimeout)
	}
	return nil
}
