package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the process-local registry of counters/gauges. The relay
// client updates RelayPublishTotal and the release pipeline updates
// ReleaseOutcomeTotal; RelayCircuitState, CommitStateTransitions and
// MonitorState are registered but not updated by any component. No HTTP
// handler is wired here — exposing /metrics is the out-of-scope REST
// surface; an external collaborator scrapes this registry.
type Metrics struct {
	Registry *prometheus.Registry

	RelayPublishTotal *prometheus.CounterVec
	RelayCircuitState *prometheus.GaugeVec
	CommitStateTransitions *prometheus.CounterVec
	MonitorState *prometheus.GaugeVec
	ReleaseOutcomeTotal *prometheus.CounterVec
}

// NewMetrics builds and registers every collector into a fresh registry
// so tests can construct independent instances without colliding on the
// global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RelayPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "echolock_relay_publish_total",
				Help: "Outcomes of fragment publish attempts per relay.",
			}, []string{"relay", "outcome"}),
		RelayCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "echolock_relay_circuit_state",
				Help: "Per-relay circuit breaker state: 0=closed 1=open 2=half_open.",
			}, []string{"relay"}),
		CommitStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "echolock_commit_state_transitions_total",
				Help: "Two-phase coordinator state transitions.",
			}, []string{"from", "to"}),
		MonitorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "echolock_tx_monitor_state",
				Help: "Transaction monitor state per txid: enum ordinal of TxStatus.",
			}, []string{"txid"}),
		ReleaseOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "echolock_release_outcome_total",
				Help: "Release pipeline terminal outcomes.",
			}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.RelayPublishTotal,
		m.RelayCircuitState,
		m.CommitStateTransitions,
		m.MonitorState,
		m.ReleaseOutcomeTotal,
	)
	return m
}
