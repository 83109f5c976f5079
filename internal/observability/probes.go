package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// liveness answers as long as the process serves HTTP.
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker in parallel and reports 503 if any fails.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	statusMap := make(map[string]string, len(s.checkers))
	healthy := true

	// Checkers never return their error to the group: one failure must not
	// cancel the others, every component gets a status line.
	var g errgroup.Group
	for _, c := range s.checkers {
		g.Go(func() error {
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// WARN: the orchestrator retries, an ERROR here would only be noise.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.Any("error", err),
				)
				statusMap[c.Name()] = "down: " + err.Error()
				healthy = false
				return nil
			}
			statusMap[c.Name()] = "up"
			return nil
		})
	}
	_ = g.Wait()

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	// The status code is already written; the body is for humans.
	_ = json.NewEncoder(w).Encode(map[string]any{"status": statusMap})
}
