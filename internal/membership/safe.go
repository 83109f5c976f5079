package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rafaeljc/plangate/internal/config"
	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// SafeResolver never fails: resolver errors, timeouts and an open breaker all
// resolve to the empty membership set, which is logged and counted.
type SafeResolver struct {
	next    Resolver
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewSafeResolver wraps next with a circuit breaker configured from cfg.
func NewSafeResolver(next Resolver, cfg *config.ResolverConfig, log *slog.Logger) *SafeResolver {
	if next == nil {
		panic("membership: safe resolver requires a resolver")
	}
	if cfg == nil {
		panic("membership: resolver config cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	threshold := cfg.BreakerFailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "membership-resolver",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.ResolverBreakerState.Set(float64(to))
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &SafeResolver{next: next, breaker: breaker, timeout: cfg.Timeout, logger: log}
}

// Resolve always returns a nil error.
func (r *SafeResolver) Resolve(ctx context.Context, viewerID string) (visibility.Memberships, error) {
	if viewerID == "" {
		return visibility.NewMemberships(), nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.breaker.Execute(func() (any, error) {
		return r.next.Resolve(ctx, viewerID)
	})
	if err != nil {
		observability.ResolverLookups.WithLabelValues("fallback").Inc()
		logger.FromContext(ctx).Warn("membership resolution failed, treating viewer as non-member",
			slog.String("viewer_id", viewerID),
			slog.Any("error", err),
		)
		return visibility.NewMemberships(), nil
	}

	return res.(visibility.Memberships), nil
}

// State exposes the breaker state for readiness reporting.
func (r *SafeResolver) State() gobreaker.State {
	return r.breaker.State()
}
