package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the governor. Every Record
// method is safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionErrors     *prometheus.CounterVec
	ActiveContainers    prometheus.Gauge
	GateDecisions       *prometheus.CounterVec
	EngineLatency       *prometheus.HistogramVec
	EmergencyTripped    prometheus.Gauge
	ProcessAlerts       *prometheus.CounterVec
	Terminations        *prometheus.CounterVec
	TrackedProcesses    prometheus.Gauge
	MonitorTickDuration prometheus.Histogram
	AuditDropped        prometheus.Counter
	RowsPruned          *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	CodeSizeBytes       prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "executions_total",
				Help:      "Sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "execution_errors_total",
				Help:      "Sandbox execution errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveContainers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Name:      "active_containers",
				Help:      "Containers currently tracked by the lifecycle manager.",
			},
		),

		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "gate_decisions_total",
				Help:      "Pre-flight gate decisions by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),

		EngineLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "engine_operation_duration_seconds",
				Help:      "Duration of container engine API calls.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),

		EmergencyTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Name:      "emergency_stop_tripped",
				Help:      "1 while the emergency stop is active.",
			},
		),

		ProcessAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Subsystem: "hostmon",
				Name:      "alerts_total",
				Help:      "Host process alerts by trigger and severity.",
			},
			[]string{"trigger", "severity"},
		),

		Terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Subsystem: "hostmon",
				Name:      "terminations_total",
				Help:      "Process terminations by method and outcome.",
			},
			[]string{"method", "outcome"},
		),

		TrackedProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Subsystem: "hostmon",
				Name:      "tracked_processes",
				Help:      "Processes seen on the last monitor tick.",
			},
		),

		MonitorTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Subsystem: "hostmon",
				Name:      "tick_duration_seconds",
				Help:      "Time spent scanning the process table per tick.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),

		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "audit_dropped_total",
				Help:      "Audit events dropped because the writer buffer was full or writes failed.",
			},
		),

		RowsPruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "retention_rows_pruned_total",
				Help:      "Rows deleted by retention pruning per table.",
			},
			[]string{"table"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Admin API requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveContainers,
		m.GateDecisions,
		m.EngineLatency,
		m.EmergencyTripped,
		m.ProcessAlerts,
		m.Terminations,
		m.TrackedProcesses,
		m.MonitorTickDuration,
		m.AuditDropped,
		m.RowsPruned,
		m.RequestsInFlight,
		m.CodeSizeBytes,
	)

	return m
}

func (m *Metrics) RecordExecution(language, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordGateDecision(operation string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.GateDecisions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveEngineCall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) SetActiveContainers(n int) {
	if m == nil {
		return
	}
	m.ActiveContainers.Set(float64(n))
}

func (m *Metrics) SetEmergency(tripped bool) {
	if m == nil {
		return
	}
	v := 0.0
	if tripped {
		v = 1
	}
	m.EmergencyTripped.Set(v)
}

func (m *Metrics) RecordAlert(trigger, severity string) {
	if m == nil {
		return
	}
	m.ProcessAlerts.WithLabelValues(trigger, severity).Inc()
}

func (m *Metrics) RecordTermination(method string, success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.Terminations.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration, tracked int) {
	if m == nil {
		return
	}
	m.MonitorTickDuration.Observe(d.Seconds())
	m.TrackedProcesses.Set(float64(tracked))
}

func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func (m *Metrics) RecordPruned(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsPruned.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ObserveCodeSize(n int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(n))
}

func (m *Metrics) TrackRequest() (done func()) {
	if m == nil {
		return func() {}
	}
	m.RequestsInFlight.Inc()
	return m.RequestsInFlight.Dec
}
