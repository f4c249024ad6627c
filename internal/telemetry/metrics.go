// Package telemetry provides the gateway's Prometheus collectors and
// OpenTelemetry tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "capgate"

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	AdmissionRejects *prometheus.CounterVec
	QuotaCacheLookup *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	ImagesGenerated  *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	UsageQueueLength prometheus.Gauge
}

func nativeHistogram(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:                       namespace,
		Name:                            name,
		Help:                            help,
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 0,
	}
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(
			nativeHistogram("request_duration_seconds", "HTTP request duration in seconds."),
			[]string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(
			nativeHistogram("upstream_duration_seconds", "Provider dispatch duration in seconds."),
			[]string{"provider", "model", "capability"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Provider dispatch failures by normalized kind.",
		}, []string{"provider", "kind"}),

		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback dispatches by outcome.",
		}, []string{"capability", "outcome"}),

		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejects_total",
			Help:      "Requests rejected before dispatch, by reason.",
		}, []string{"reason"}),

		QuotaCacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_cache_lookups_total",
			Help:      "Quota aggregate cache lookups by result.",
		}, []string{"result"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		ImagesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_generated_total",
			Help:      "Total images generated.",
		}, []string{"model"}),

		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated upstream cost in USD.",
		}, []string{"provider", "model"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Provider circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Fallbacks,
		m.AdmissionRejects,
		m.QuotaCacheLookup,
		m.TokensProcessed,
		m.ImagesGenerated,
		m.CostUSD,
		m.BreakerState,
		m.UsageQueueLength,
	)

	return m
}
