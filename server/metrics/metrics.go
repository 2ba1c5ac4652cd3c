// Package metrics holds the Prometheus collectors shared by the HTTP
// middleware, the process handler and the gateway components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics encapsulates Prometheus metrics for the server.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	StreamsTotal        *prometheus.CounterVec
	FragmentsRelayed    *prometheus.CounterVec
	TimeToFirstFragment *prometheus.HistogramVec
	StreamDuration      *prometheus.HistogramVec
	PromptTokens        *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with a custom registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rephrase_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rephrase_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rephrase_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rephrase_errors_total",
				Help: "Total number of errors returned to clients by code",
			},
			[]string{"code"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rephrase_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rephrase_streams_total",
				Help: "Completion streams by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		FragmentsRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rephrase_fragments_relayed_total",
				Help: "Text fragments relayed to clients by model",
			},
			[]string{"model"},
		),
		TimeToFirstFragment: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rephrase_time_to_first_fragment_seconds",
				Help:    "Time from request start to the first relayed fragment",
				Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"model"},
		),
		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rephrase_stream_duration_seconds",
				Help:    "Duration of completion streams by model and outcome",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "outcome"},
		),
		PromptTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rephrase_prompt_tokens",
				Help:    "Estimated prompt tokens per request by mode",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10),
			},
			[]string{"mode"},
		),
	}

	// Register default Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize some default metrics
	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)
	m.RequestDuration.WithLabelValues("/health").Observe(0)
	m.RequestDuration.WithLabelValues("/metrics").Observe(0)
	m.ActiveRequests.WithLabelValues("/api/process").Add(0)

	return m
}

// Registry returns the registry that other components register into.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false, // Disable OpenMetrics format to avoid escaping=values
	})
}
