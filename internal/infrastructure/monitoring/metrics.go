package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the protocol and orchestration
// layers. The registry is injectable so tests never collide on the global
// default registerer.
type Metrics struct {
	// Command protocol metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PingLatency     prometheus.Histogram
	Reconnects      prometheus.Counter
	ConnectionsOpen prometheus.Gauge

	// Intervention metrics
	InterventionsTotal *prometheus.CounterVec

	// Sandbox metrics
	SandboxesActive   prometheus.Gauge
	ProvisionDuration *prometheus.HistogramVec
	ProvisionFailures *prometheus.CounterVec

	startTime time.Time
}

// New creates a metrics collector registered on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionet_commands_total",
				Help: "Total protocol commands by method and outcome",
			},
			[]string{"method", "status"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marionet_command_duration_seconds",
				Help:    "Command round-trip duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		PingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "marionet_ping_latency_seconds",
				Help:    "Liveness probe round-trip latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marionet_reconnects_total",
				Help: "Total automatic reconnect attempts",
			},
		),
		ConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marionet_connections_open",
				Help: "Currently open protocol connections",
			},
		),
		InterventionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionet_interventions_total",
				Help: "Human interventions by outcome",
			},
			[]string{"status"},
		),
		SandboxesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marionet_sandboxes_active",
				Help: "Currently tracked sandboxes",
			},
		),
		ProvisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marionet_provision_duration_seconds",
				Help:    "Sandbox provisioning duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"provider"},
		),
		ProvisionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionet_provision_failures_total",
				Help: "Sandbox provisioning failures by provider and step",
			},
			[]string{"provider", "step"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CommandsTotal,
			m.CommandDuration,
			m.PingLatency,
			m.Reconnects,
			m.ConnectionsOpen,
			m.InterventionsTotal,
			m.SandboxesActive,
			m.ProvisionDuration,
			m.ProvisionFailures,
		)
	}
	return m
}

// NewNop creates an unregistered collector for components constructed
// without metrics.
func NewNop() *Metrics {
	return New(nil)
}

// ObserveCommand records one command settlement.
func (m *Metrics) ObserveCommand(method, status string, elapsed time.Duration) {
	m.CommandsTotal.WithLabelValues(method, status).Inc()
	m.CommandDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveProvision records one provisioning run.
func (m *Metrics) ObserveProvision(provider string, elapsed time.Duration) {
	m.ProvisionDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Uptime returns time since collector creation.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
