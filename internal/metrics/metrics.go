// Package metrics holds the Prometheus collectors of the task pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is a valid no-op.
type Metrics struct {
	transitions   *prometheus.CounterVec
	calls         *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	authorization *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datawallet_task_transitions_total",
			Help: "Task state transitions by target state",
		}, []string{"state"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datawallet_external_calls_total",
			Help: "External calls by boundary and outcome",
		}, []string{"boundary", "outcome"}),
		callLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datawallet_external_call_duration_seconds",
			Help:    "External call latency by boundary",
			Buckets: prometheus.DefBuckets,
		}, []string{"boundary"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datawallet_finalize_queue_depth",
			Help: "Tasks waiting for a finalize worker",
		}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datawallet_circuit_breaker_state",
			Help: "Circuit breaker state by boundary (0 closed, 1 open, 2 half-open)",
		}, []string{"boundary"}),
		authorization: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datawallet_authorization_results_total",
			Help: "Authorization validation results",
		}, []string{"result"}),
	}
}

// Transition counts a move into state.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ObserveCall records one external call.
func (m *Metrics) ObserveCall(boundary string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(boundary, outcome).Inc()
	m.callLatency.WithLabelValues(boundary).Observe(time.Since(started).Seconds())
}

// SetQueueDepth reports the finalize backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetBreakerState reports a breaker position.
func (m *Metrics) SetBreakerState(boundary string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(boundary).Set(float64(state))
}

// AuthorizationResult counts an authorization outcome such as "ok" or "expired".
func (m *Metrics) AuthorizationResult(result string) {
	if m == nil {
		return
	}
	m.authorization.WithLabelValues(result).Inc()
}
