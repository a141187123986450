// Package metrics exposes Prometheus collectors for plugin lifecycle and credential use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clawgate"

// Metrics groups the collectors shared by the plugin manager and auth manager.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	credentialResolutions *prometheus.CounterVec
	credentialFailures    *prometheus.CounterVec
	credentialRefreshes   *prometheus.CounterVec
	gatewayTransitions    *prometheus.CounterVec
	gatewayRestarts       *prometheus.CounterVec
	gatewaysRunning       *prometheus.GaugeVec
}

// New builds the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		credentialResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "resolutions_total",
			Help:      "Credential resolutions by channel and result code.",
		}, []string{"channel", "result"}),
		credentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "reported_failures_total",
			Help:      "Caller-reported credential failures by reason.",
		}, []string{"reason"}),
		credentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refreshes_total",
			Help:      "OAuth refresh attempts by result.",
		}, []string{"result"}),
		gatewayTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by plugin and target state.",
		}, []string{"plugin", "state"}),
		gatewayRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "restarts_total",
			Help:      "Gateway restart attempts by plugin.",
		}, []string{"plugin"}),
		gatewaysRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "running",
			Help:      "Gateways currently running by plugin.",
		}, []string{"plugin"}),
	}

	reg.MustRegister(
		m.credentialResolutions,
		m.credentialFailures,
		m.credentialRefreshes,
		m.gatewayTransitions,
		m.gatewayRestarts,
		m.gatewaysRunning,
	)

	return m
}

func (m *Metrics) CredentialResolved(channel string, result string) {
	if m == nil {
		return
	}
	m.credentialResolutions.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) CredentialFailureReported(reason string) {
	if m == nil {
		return
	}
	m.credentialFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) CredentialRefreshed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.credentialRefreshes.WithLabelValues(result).Inc()
}

// GatewayTransition records a move into state; running tracks the gauge delta.
func (m *Metrics) GatewayTransition(plugin string, from string, to string) {
	if m == nil {
		return
	}
	m.gatewayTransitions.WithLabelValues(plugin, to).Inc()

	const running = "running"
	if to == running && from != running {
		m.gatewaysRunning.WithLabelValues(plugin).Inc()
	}
	if from == running && to != running {
		m.gatewaysRunning.WithLabelValues(plugin).Dec()
	}
}

func (m *Metrics) GatewayRestart(plugin string) {
	if m == nil {
		return
	}
	m.gatewayRestarts.WithLabelValues(plugin).Inc()
}
