// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the permit
// arbiter.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Arbiter Service's Prometheus instrumentation. The
// metric names registered in NewMetrics follow
// original_source/orchestrator/src/main.rs's Metrics struct, with its
// per-scope 429 and per-status invalid counters folded into labeled vectors,
// so operators familiar with the pre-distillation reference get a matching
// dashboard vocabulary.
type Metrics struct {
	RequestGranted     prometheus.Counter
	RequestDenied      prometheus.Counter
	RequestError       prometheus.Counter
	TokensGrantedTotal prometheus.Counter
	TokensDeniedTotal  prometheus.Counter
	QueueDepth         prometheus.Gauge
	InflightRequests   prometheus.Gauge
	StoreErrorsTotal   prometheus.Counter

	// Observed429 is labeled by x_ratelimit_scope: global|user|shared|unknown.
	Observed429 *prometheus.CounterVec
	// InvalidByStatus is labeled by status_code: 401|403|429.
	InvalidByStatus *prometheus.CounterVec

	RequestWaitMS prometheus.Histogram
	StoreLatencyMS prometheus.Histogram

	EventsDropped prometheus.Counter
}

// NewRegistryAndMetrics builds a fresh Prometheus registry carrying the
// process/Go runtime collectors plus the arbiter's own Metrics, so a single
// registry backs both the store's instrumented client and the admin
// server's /metrics endpoint. Built early in cmd/arbiter/main.go, before the
// Shared Counter Store client is wrapped with NewInstrumentedClient.
func NewRegistryAndMetrics() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg, NewMetrics(reg)
}

// NewMetrics creates and registers the Arbiter Service's Prometheus
// metrics. A nil Registerer uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestGranted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "request_granted",
			Help:      "Total request_token calls that resulted in a grant.",
		}),
		RequestDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "request_denied",
			Help:      "Total request_token calls that resulted in a deny.",
		}),
		RequestError: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "request_error",
			Help:      "Total request_token calls that failed due to a store error.",
		}),
		TokensGrantedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "tokens_granted_total",
			Help:      "Total permits granted.",
		}),
		TokensDeniedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "tokens_denied_total",
			Help:      "Total permits denied.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "queue_depth",
			Help:      "Current number of request_token calls sleeping in the server-side bounded wait.",
		}),
		InflightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight request_token handlers.",
		}),
		StoreErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "redis_errors_total",
			Help:      "Total Shared Counter Store errors encountered across APS and OI.",
		}),
		Observed429: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "observed_429_total",
			Help:      "Observed 429 responses reported by scope.",
		}, []string{"scope"}),
		InvalidByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "invalid_requests_total",
			Help:      "Observations counting toward the invalid-request guardrail, by status code.",
		}, []string{"status_code"}),
		RequestWaitMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "request_wait_ms",
			Help:      "Milliseconds a request_token call waited server-side before responding.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}),
		StoreLatencyMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "redis_latency_ms",
			Help:      "Round-trip milliseconds for a Shared Counter Store script execution.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "decision_events_dropped_total",
			Help:      "Decision events dropped because the emitter's ring buffer was full.",
		}),
	}
}

// IncEventsDropped records a decision event dropped due to a full ring buffer.
func (m *Metrics) IncEventsDropped() {
	m.EventsDropped.Inc()
}

// IncObserved429 records an observed 429 by scope; unrecognized or empty
// scopes are recorded as "unknown".
func (m *Metrics) IncObserved429(scope string) {
	switch scope {
	case "global", "user", "shared":
		m.Observed429.WithLabelValues(scope).Inc()
	default:
		m.Observed429.WithLabelValues("unknown").Inc()
	}
}

// IncInvalid records an observation that counted toward the invalid-request
// guardrail (spec.md §4.3).
func (m *Metrics) IncInvalid(statusCode int) {
	m.InvalidByStatus.WithLabelValues(fmt.Sprint(statusCode)).Inc()
}
