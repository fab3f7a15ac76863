// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors. A single instance is
// registered per process.
type Metrics struct {
	Calls           *prometheus.CounterVec
	Denials         *prometheus.CounterVec
	BackendRestarts *prometheus.CounterVec
	VisibleTools    prometheus.Gauge
	CallDuration    prometheus.Histogram
}

// New creates and registers the collectors on the given registry; a nil
// registry uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_calls_total",
			Help: "Gated tool calls by result.",
		}, []string{"result"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_denials_total",
			Help: "Denied calls by error kind.",
		}, []string{"kind"}),
		BackendRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_backend_restarts_total",
			Help: "Supervised backend restarts by server.",
		}, []string{"server"}),
		VisibleTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_visible_tools",
			Help: "Tools visible to the active role.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_call_duration_seconds",
			Help:    "Duration of allowed upstream tool calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Calls, m.Denials, m.BackendRestarts, m.VisibleTools, m.CallDuration)
	return m
}
