// Package metrics holds the Prometheus metrics for the push dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	OutcomesTotal          *prometheus.CounterVec
	GatewayDurationSecs    prometheus.Histogram
	WriteBackFailuresTotal prometheus.Counter
	GuardErrorsTotal       prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the dispatcher metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_dispatcher_outcomes_total",
			Help: "Total number of dispatch invocations by outcome",
		}, []string{"outcome"}),
		GatewayDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_dispatcher_gateway_duration_seconds",
			Help:    "Duration of push gateway send calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		WriteBackFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatcher_writeback_failures_total",
			Help: "Total number of failed status write-backs to the record store",
		}),
		GuardErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatcher_replay_guard_errors_total",
			Help: "Total number of replay guard errors (delivery proceeded)",
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.OutcomesTotal,
		m.GatewayDurationSecs,
		m.WriteBackFailuresTotal,
		m.GuardErrorsTotal,
	)
	return m
}

// RecordOutcome counts one finished dispatch.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordGatewayCall observes the latency of one gateway send.
func (m *Metrics) RecordGatewayCall(d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayDurationSecs.Observe(d.Seconds())
}

// RecordWriteBackFailure counts a status write that did not persist.
func (m *Metrics) RecordWriteBackFailure() {
	if m == nil {
		return
	}
	m.WriteBackFailuresTotal.Inc()
}

// RecordGuardError counts a replay guard failure.
func (m *Metrics) RecordGuardError() {
	if m == nil {
		return
	}
	m.GuardErrorsTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
