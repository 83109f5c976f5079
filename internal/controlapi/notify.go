package controlapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/rafaeljc/plangate/internal/observability"
)

// notifyBaseDelay is the first backoff step between enqueue attempts.
const notifyBaseDelay = 100 * time.Millisecond

// notifyCacheAsync enqueues a sync event for the syncer without blocking the response.
// The database write already succeeded, so a failure only delays propagation
// until the next hydration.
func (a *API) notifyCacheAsync(log *slog.Logger, elementID string, version int64) {
	go func() {
		// Disconnected from the request: the response may already be sent.
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.NotifyTimeout)
		defer cancel()

		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(a.cfg.NotifyMaxRetries),
			retry.Delay(notifyBaseDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				log.Warn("failed to push update, retrying",
					slog.String("element_id", elementID),
					slog.Uint64("attempt", uint64(n+1)),
					slog.Any("error", err),
				)
			}),
		).Do(func() error {
			return a.publisher.PushUpdate(ctx, elementID, version)
		})

		if err != nil {
			observability.ControlPlaneNotifyTotal.WithLabelValues("fail").Inc()
			log.Error("CRITICAL: failed to push update event after retries",
				slog.String("element_id", elementID),
				slog.Int64("version", version),
				slog.Any("error", err),
			)
			return
		}
		observability.ControlPlaneNotifyTotal.WithLabelValues("success").Inc()
	}()
}
