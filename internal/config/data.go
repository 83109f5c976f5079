package config

import (
	"fmt"
	"time"
)

// DataPlaneConfig configures the gRPC evaluation server.
type DataPlaneConfig struct {
	Port string `envconfig:"PORT" default:"50051"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// gRPC specific
	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100"`
	KeepaliveTime        time.Duration `envconfig:"KEEPALIVE_TIME" default:"120s"`
	KeepaliveTimeout     time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	MaxConnectionAge     time.Duration `envconfig:"MAX_CONNECTION_AGE" default:"300s"`

	// L1 rule cache (in-process)
	L1CacheCapacity int           `envconfig:"L1_CACHE_CAPACITY" default:"10000" validate:"min=1"`
	L1CacheTTL      time.Duration `envconfig:"L1_CACHE_TTL" default:"60s"`

	// Token bucket applied to every RPC. Zero RPS disables limiting.
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"0" validate:"min=0"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"100" validate:"min=1"`

	// MaxElementsPerRequest bounds the batch size of a single Evaluate call.
	MaxElementsPerRequest int `envconfig:"MAX_ELEMENTS_PER_REQUEST" default:"500" validate:"min=1"`

	// InvalidationRetryDelay is the pause before resubscribing to rule broadcasts.
	InvalidationRetryDelay time.Duration `envconfig:"INVALIDATION_RETRY_DELAY" default:"1s" validate:"min=10ms"`
}

// Validate performs validation on the DataPlaneConfig.
func (c *DataPlaneConfig) Validate() error {
	if err := validatePort(c.Port, "data plane"); err != nil {
		return err
	}

	if err := validateHost(c.Host, "data plane"); err != nil {
		return err
	}

	if c.L1CacheTTL <= 0 {
		return fmt.Errorf("data plane L1 cache TTL must be positive, got %s", c.L1CacheTTL)
	}

	return nil
}
