// Package metrics holds the Prometheus collectors for sandflow. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandflow"

// Collector uses its own registry; nothing is registered globally.
type Collector struct {
	Registry *prometheus.Registry

	SessionsProvisioned *prometheus.CounterVec
	SessionsDestroyed   *prometheus.CounterVec

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	ValidatorRejections *prometheus.CounterVec

	TerminalsOpen prometheus.Gauge

	AgentRuns  *prometheus.CounterVec
	AgentSteps prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		SessionsProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "provisioned_total",
			Help:      "Sandbox provisioning attempts by result.",
		}, []string{"result"}),

		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Sessions destroyed by reason.",
		}, []string{"reason"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Commands forwarded to sandboxes by result.",
		}, []string{"result"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "command_duration_seconds",
			Help:      "Command round-trip duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"result"}),

		ValidatorRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "rejections_total",
			Help:      "Rejected commands by rule.",
		}, []string{"rule"}),

		TerminalsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "open",
			Help:      "Number of open terminal sessions.",
		}),

		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent invocations by outcome.",
		}, []string{"outcome"}),

		AgentSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "steps",
			Help:      "Decisions taken per agent invocation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.SessionsProvisioned,
		m.SessionsDestroyed,
		m.CommandsTotal,
		m.CommandDuration,
		m.ValidatorRejections,
		m.TerminalsOpen,
		m.AgentRuns,
		m.AgentSteps,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Collector) SessionProvisioned(result string) {
	if m == nil {
		return
	}
	m.SessionsProvisioned.WithLabelValues(result).Inc()
}

func (m *Collector) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
}

func (m *Collector) CommandExecuted(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(result).Inc()
	m.CommandDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Collector) CommandRejected(rule string) {
	if m == nil {
		return
	}
	m.ValidatorRejections.WithLabelValues(rule).Inc()
}

func (m *Collector) TerminalOpened() {
	if m == nil {
		return
	}
	m.TerminalsOpen.Inc()
}

func (m *Collector) TerminalClosed() {
	if m == nil {
		return
	}
	m.TerminalsOpen.Dec()
}

func (m *Collector) AgentRun(outcome string, steps int) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(outcome).Inc()
	m.AgentSteps.Observe(float64(steps))
}

func (m *Collector) HTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
