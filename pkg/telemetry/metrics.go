package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/pkg/engine"
)

// Metrics provides Prometheus metrics collection for the Loom engine.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   prometheus.Counter

	// Checkpoint and rollback metrics
	checkpointsCreated prometheus.Counter
	rollbacks          *prometheus.CounterVec

	// Intervention metrics
	interventionsRequested prometheus.Counter
	interventionsResolved  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns  prometheus.Gauge
	activeSteps prometheus.Gauge
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a metrics instance with nil collectors (no-op)
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "loom"
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of plan runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of plan runs completed by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of plan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step executions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		stepRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retry attempts",
			},
		),

		checkpointsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_created_total",
				Help:      "Total number of checkpoints created",
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by outcome",
			},
			[]string{"outcome"},
		),

		interventionsRequested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interventions_requested_total",
				Help:      "Total number of intervention requests raised",
			},
		),
		interventionsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interventions_resolved_total",
				Help:      "Total number of intervention requests resolved by choice",
			},
			[]string{"choice"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active plan runs",
			},
		),
		activeSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_steps",
				Help:      "Current number of running steps",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.checkpointsCreated,
		m.rollbacks,
		m.interventionsRequested,
		m.interventionsResolved,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.activeSteps,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Step Metrics

// RecordStepStarted increments the running-step gauge.
func (m *Metrics) RecordStepStarted() {
	if m.activeSteps == nil {
		return
	}
	m.activeSteps.Inc()
}

// RecordStepCompleted records a step reaching a terminal status.
func (m *Metrics) RecordStepCompleted(kind, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
	m.activeSteps.Dec()
}

// RecordStepRetry records a retry attempt.
func (m *Metrics) RecordStepRetry() {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.Inc()
}

// Checkpoint and Rollback Metrics

// RecordCheckpoint records a created checkpoint.
func (m *Metrics) RecordCheckpoint() {
	if m.checkpointsCreated == nil {
		return
	}
	m.checkpointsCreated.Inc()
}

// RecordRollback records a rollback with its outcome (complete, partial).
func (m *Metrics) RecordRollback(outcome string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

// Intervention Metrics

// RecordInterventionRequested records a raised intervention request.
func (m *Metrics) RecordInterventionRequested() {
	if m.interventionsRequested == nil {
		return
	}
	m.interventionsRequested.Inc()
}

// RecordInterventionResolved records a resolved intervention request.
func (m *Metrics) RecordInterventionResolved(choice string) {
	if m.interventionsResolved == nil {
		return
	}
	m.interventionsResolved.WithLabelValues(choice).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// ObserveEvent updates metrics from a progress event. It is intended to
// be attached to an engine event subscription so the scheduler itself
// stays free of metrics plumbing.
func (m *Metrics) ObserveEvent(ev *engine.Event) {
	if m.registry == nil || ev == nil {
		return
	}

	switch ev.Type {
	case engine.EventTypePlanStarted:
		m.RecordRunStarted()
	case engine.EventTypePlanCompleted:
		m.RecordRunCompleted(eventString(ev, "status"), eventDuration(ev))
	case engine.EventTypeStepStarted:
		m.RecordStepStarted()
	case engine.EventTypeStepSucceeded:
		m.RecordStepCompleted(eventString(ev, "kind"), "succeeded", eventDuration(ev))
	case engine.EventTypeStepFailed:
		m.RecordStepCompleted(eventString(ev, "kind"), "failed", eventDuration(ev))
		m.RecordError(eventString(ev, "error_class"), eventString(ev, "error_code"))
	case engine.EventTypeStepSkipped:
		if m.stepsExecuted != nil {
			m.stepsExecuted.WithLabelValues(eventString(ev, "kind"), "skipped").Inc()
		}
	case engine.EventTypeStepRetrying:
		m.RecordStepRetry()
	case engine.EventTypeCheckpointCreated:
		m.RecordCheckpoint()
	case engine.EventTypeInterventionRequested:
		m.RecordInterventionRequested()
	case engine.EventTypeInterventionResolved:
		m.RecordInterventionResolved(eventString(ev, "choice"))
	case engine.EventTypeRollbackCompleted:
		outcome := "complete"
		if v, ok := ev.Data["partial"].(bool); ok && v {
			outcome = "partial"
		}
		m.RecordRollback(outcome)
	}
}

func eventString(ev *engine.Event, key string) string {
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return "unknown"
}

func eventDuration(ev *engine.Event) time.Duration {
	switch v := ev.Data["duration"].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v)
	}
	return 0
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
