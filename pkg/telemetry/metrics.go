package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus collectors for bubble-formation runs. Every
// method is a no-op on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Step metrics
	steps        *prometheus.CounterVec
	stepDuration prometheus.Histogram
	transitions  *prometheus.CounterVec

	// Closure metrics
	closures          *prometheus.CounterVec
	closureIterations *prometheus.HistogramVec

	// Plant state gauges
	phase    *prometheus.GaugeVec
	pressure *prometheus.GaugeVec
	level    *prometheus.GaugeVec

	// Conservation metrics
	massDrift   *prometheus.GaugeVec
	energyDrift *prometheus.GaugeVec

	// Event and error metrics
	events        *prometheus.CounterVec
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of heatup runs started",
			},
			[]string{"scenario"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of heatup runs finished, by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of heatup runs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in progress",
			},
		),

		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Simulation steps by phase and hold reason",
			},
			[]string{"phase", "hold"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall-clock duration of one simulation step",
				Buckets:   buckets,
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_transitions_total",
				Help:      "Phase transitions by source, destination and reason",
			},
			[]string{"from", "to", "reason"},
		),

		closures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "closures_total",
				Help:      "Closure solves by phase, outcome and failure reason",
			},
			[]string{"phase", "outcome", "reason"},
		),
		closureIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "closure_iterations",
				Help:      "Bisection iterations per closure solve",
				Buckets:   []float64{1, 2, 4, 8, 16, 24, 32, 48, 64, 80},
			},
			[]string{"phase"},
		),

		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_index",
				Help:      "Current phase position in the transition order (0=NONE, 6=COMPLETE)",
			},
			[]string{"run_id"},
		),
		pressure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pressure_psia",
				Help:      "Committed vessel pressure",
			},
			[]string{"run_id"},
		),
		level: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "level_percent",
				Help:      "Committed vessel level",
			},
			[]string{"run_id"},
		),

		massDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mass_drift_percent",
				Help:      "Conservation ledger mass drift",
			},
			[]string{"run_id"},
		),
		energyDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "energy_drift_percent",
				Help:      "Conservation ledger energy drift",
			},
			[]string{"run_id"},
		),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Structured events by kind and severity",
			},
			[]string{"kind", "severity"},
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
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.steps,
		m.stepDuration,
		m.transitions,
		m.closures,
		m.closureIterations,
		m.phase,
		m.pressure,
		m.level,
		m.massDrift,
		m.energyDrift,
		m.events,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether the collectors are registered.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(scenario string) {
	if !m.Enabled() {
		return
	}
	m.runsStarted.WithLabelValues(scenario).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Step Metrics

// RecordStep counts one step. hold is empty for a committed step.
func (m *Metrics) RecordStep(phase, hold string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	if hold == "" {
		hold = "none"
	}
	m.steps.WithLabelValues(phase, hold).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

// RecordTransition counts a phase transition.
func (m *Metrics) RecordTransition(from, to, reason string) {
	if !m.Enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to, reason).Inc()
}

// Closure Metrics

// RecordClosure records one closure solve. reason is empty on success.
func (m *Metrics) RecordClosure(phase, outcome, reason string, iterations int) {
	if !m.Enabled() {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.closures.WithLabelValues(phase, outcome, reason).Inc()
	m.closureIterations.WithLabelValues(phase).Observe(float64(iterations))
}

// Plant Metrics

// SetPlantState publishes the committed phase index, pressure and level.
func (m *Metrics) SetPlantState(runID string, phaseIndex int, pressure, level float64) {
	if !m.Enabled() {
		return
	}
	m.phase.WithLabelValues(runID).Set(float64(phaseIndex))
	m.pressure.WithLabelValues(runID).Set(pressure)
	m.level.WithLabelValues(runID).Set(level)
}

// SetDrift publishes the ledger drift percentages.
func (m *Metrics) SetDrift(runID string, massPct, energyPct float64) {
	if !m.Enabled() {
		return
	}
	m.massDrift.WithLabelValues(runID).Set(massPct)
	m.energyDrift.WithLabelValues(runID).Set(energyPct)
}

// ForgetRun drops the per-run gauge series.
func (m *Metrics) ForgetRun(runID string) {
	if !m.Enabled() {
		return
	}
	for _, g := range []*prometheus.GaugeVec{m.phase, m.pressure, m.level, m.massDrift, m.energyDrift} {
		g.DeleteLabelValues(runID)
	}
}

// Event and Error Metrics

// RecordEvent counts a structured event.
func (m *Metrics) RecordEvent(kind, severity string) {
	if !m.Enabled() {
		return
	}
	m.events.WithLabelValues(kind, severity).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.Enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the registry. It is a
// no-op when metrics are disabled or no listen address is set. Listener
// errors are reported to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := m.server
	log := OrNop(logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics listener down.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
