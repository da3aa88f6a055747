package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

const readinessTimeout = 2 * time.Second

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck names a dependency probed by /readyz.
type ReadinessCheck struct {
	Name   string
	Pinger Pinger
}

// StatusCounter reports account counts per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[billing.Status]int, error)
}

type statusResponse struct {
	Version       string                 `json:"version"`
	TotalAccounts int                    `json:"total_accounts"`
	ByStatus      map[billing.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that pings every dependency (readiness probe).
// A nil or missing pinger counts as not ready.
func HandleReadyz(checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain")
		if len(checks) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		for _, c := range checks {
			if c.Pinger == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
			if err := c.Pinger.Ping(ctx); err != nil {
				logging.FromContext(r.Context()).Warn().Err(err).Str("dependency", c.Name).Msg("Readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports account counts by status.
func HandleStatus(counter StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the sweeper).
		total := 0
		for status, c := range counts {
			bmetrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:       version,
			TotalAccounts: total,
			ByStatus:      counts,
		})
	}
}
