package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/capgate/internal/telemetry"
)

// statusLabel holds the status code label values, indexed by code.
var statusLabel [600]string

func init() {
	for i := range statusLabel {
		statusLabel[i] = strconv.Itoa(i)
	}
}

// probePaths are left out of request metrics; scrapers and orchestrator
// probes would otherwise dominate the series.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// recordRequest observes one finished request. The path label is the chi
// route pattern, so unmatched paths collapse into a single series.
func recordRequest(m *telemetry.Metrics, r *http.Request, status int, elapsed time.Duration) {
	pattern := "unmatched"
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		pattern = rctx.RoutePattern()
	}
	if probePaths[pattern] {
		return
	}
	if status < 0 || status >= len(statusLabel) {
		status = 0
	}
	m.RequestsTotal.WithLabelValues(r.Method, pattern, statusLabel[status]).Inc()
	m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())
}
