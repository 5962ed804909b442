package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GateMetrics instruments the Client Admission Gate, kept separate from
// the Arbiter Service's observability.Metrics since the gate runs
// embedded in caller processes, not the arbiter binary.
type GateMetrics struct {
	Denials        prometheus.Counter
	Fallbacks      prometheus.Counter
	RetryExhausted prometheus.Counter
	Grants         prometheus.Counter
}

// NewGateMetrics creates and registers the gate's Prometheus metrics. A nil
// Registerer uses prometheus.DefaultRegisterer.
func NewGateMetrics(reg prometheus.Registerer) *GateMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &GateMetrics{
		Denials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter_gate",
			Name:      "denials_total",
			Help:      "Total request_token denials seen by this gate.",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter_gate",
			Name:      "fallbacks_total",
			Help:      "Total calls that fell back to the Local Pacer.",
		}),
		RetryExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter_gate",
			Name:      "retry_exhausted_total",
			Help:      "Total calls that exhausted their deny-retry budget.",
		}),
		Grants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter_gate",
			Name:      "grants_total",
			Help:      "Total calls the arbiter granted directly.",
		}),
	}
}
