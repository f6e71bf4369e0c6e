package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	SecurityEvents     *prometheus.CounterVec
	ValidationRejects  *prometheus.CounterVec
	SlotRejections     prometheus.Counter
	IsolationDegraded  prometheus.Gauge
	RuntimeLatency     *prometheus.HistogramVec
	ImageBuilds        *prometheus.CounterVec
	ImageBuildDuration prometheus.Histogram
	SweeperReclaimed   *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total sandbox execution errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of executions currently holding a container slot.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "security_events_total",
				Help:      "Total security events detected in execution output.",
			},
			[]string{"type"},
		),

		ValidationRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "validation_rejections_total",
				Help:      "Submissions rejected before any container was created, by language and pattern.",
			},
			[]string{"language", "pattern"},
		),

		SlotRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "slot_rejections_total",
				Help:      "Executions rejected because the container cap was reached.",
			},
		),

		IsolationDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "isolation_degraded",
				Help:      "1 when containers run without gVisor although it was preferred.",
			},
		),

		RuntimeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "runtime_operation_duration_seconds",
				Help:      "Duration of container runtime operations.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"backend", "operation"},
		),

		ImageBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "image_builds_total",
				Help:      "Sandbox image builds by image and result.",
			},
			[]string{"image", "result"},
		),

		ImageBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "image_build_duration_seconds",
				Help:      "Duration of sandbox image builds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		SweeperReclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "sweeper_reclaimed_total",
				Help:      "Containers reclaimed by the sweeper, by reason.",
			},
			[]string{"reason"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of admin HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.ValidationRejects,
		m.SlotRejections,
		m.IsolationDegraded,
		m.RuntimeLatency,
		m.ImageBuilds,
		m.ImageBuildDuration,
		m.SweeperReclaimed,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records an execution error by kind.
func (m *Metrics) RecordError(kind string) {
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordRejection records a validation rejection.
func (m *Metrics) RecordRejection(language, pattern string) {
	m.ValidationRejects.WithLabelValues(language, pattern).Inc()
}

// ObserveRuntime records the latency of one runtime operation.
func (m *Metrics) ObserveRuntime(backend, op string, took time.Duration) {
	m.RuntimeLatency.WithLabelValues(backend, op).Observe(took.Seconds())
}

// RecordImageBuild records one image build attempt.
func (m *Metrics) RecordImageBuild(image string, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ImageBuilds.WithLabelValues(image, result).Inc()
	m.ImageBuildDuration.Observe(took.Seconds())
}

// SetDegraded sets the isolation-degraded gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.IsolationDegraded.Set(1)
		return
	}
	m.IsolationDegraded.Set(0)
}

// RecordSweep adds the counts of one sweeper pass.
func (m *Metrics) RecordSweep(zombies, orphans, stuck int) {
	m.SweeperReclaimed.WithLabelValues("zombie").Add(float64(zombies))
	m.SweeperReclaimed.WithLabelValues("orphan").Add(float64(orphans))
	m.SweeperReclaimed.WithLabelValues("stuck").Add(float64(stuck))
}
