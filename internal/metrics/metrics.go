// Package metrics exposes Prometheus metrics for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []string{"disconnected", "connecting", "connected", "disconnecting", "error"}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	CurrentState    *prometheus.GaugeVec
	FirewallApplies *prometheus.CounterVec
	TunnelAttempts  prometheus.Counter
	TunnelCloses    *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnd_state_transitions_total",
			Help: "Tunnel state transitions by target state",
		},
		[]string{"state"},
	)

	m.CurrentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnd_state",
			Help: "1 for the current tunnel state, 0 otherwise",
		},
		[]string{"state"},
	)

	m.FirewallApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnd_firewall_policy_applies_total",
			Help: "Firewall policy applications by policy kind and result",
		},
		[]string{"policy", "result"},
	)

	m.TunnelAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnd_tunnel_attempts_total",
			Help: "Tunnel connection attempts started",
		},
	)

	m.TunnelCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnd_tunnel_closes_total",
			Help: "Tunnel attempts that ended, by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(
		m.Transitions,
		m.CurrentState,
		m.FirewallApplies,
		m.TunnelAttempts,
		m.TunnelCloses,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, s := range states {
		m.CurrentState.WithLabelValues(s).Set(0)
	}
	m.CurrentState.WithLabelValues("disconnected").Set(1)

	return m
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CurrentState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveFirewallApply(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FirewallApplies.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveTunnelAttempt() {
	if m == nil {
		return
	}
	m.TunnelAttempts.Inc()
}

// ObserveTunnelClose records how an attempt ended: "retry", "error" or
// "dropped".
func (m *Metrics) ObserveTunnelClose(outcome string) {
	if m == nil {
		return
	}
	m.TunnelCloses.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
