package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry bundle that records nothing.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the event publisher, the tracer and the metrics listener.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.StopMetricsServer(ctx)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// runScope is stored in the context between WithRunContext and EndRunContext.
type runScope struct {
	span  trace.Span
	timer *Timer
}

// runScopeKey is the context key for the run scope.
type runScopeKey struct{}

// WithRunContext opens the telemetry scope of one run: root span, run
// logger, started metric and event.
func WithRunContext(ctx context.Context, runID, scenario string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, scenario)

	logger := FromContext(ctx).WithRunID(runID).WithField("scenario", scenario)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(scenario)
	if err := tel.Events.PublishRunStarted(runID, scenario); err != nil {
		logger.WithError(err).Warn("run started event not published")
	}

	return context.WithValue(spanCtx, runScopeKey{}, &runScope{span: span, timer: NewTimer()})
}

// EndRunContext closes the run scope opened by WithRunContext.
func EndRunContext(ctx context.Context, runID, phase string, simHours float64, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	status := "completed"
	if phase != "COMPLETE" {
		status = "incomplete"
	}
	if err != nil {
		status = "failed"
	}

	scope, _ := ctx.Value(runScopeKey{}).(*runScope)
	if scope == nil {
		scope = &runScope{timer: NewTimer()}
	}
	if scope.span != nil {
		scope.span.SetAttributes(AttrStatus.String(status), AttrPhase.String(phase), AttrSimTime.Float64(simHours))
		if err != nil {
			RecordError(scope.span, err)
		} else {
			RecordSuccess(scope.span)
		}
		scope.span.End()
	}

	duration := scope.timer.Duration()
	tel.Metrics.RecordRunCompleted(status, duration)
	tel.Metrics.ForgetRun(runID)

	var pubErr error
	if err != nil {
		pubErr = tel.Events.PublishRunFailed(runID, err.Error())
	} else {
		pubErr = tel.Events.PublishRunCompleted(runID, phase, simHours, duration)
	}
	if pubErr != nil {
		FromContext(ctx).WithError(pubErr).Warn("run end event not published")
	}
}

// RecordSolve runs fn inside a closure.solve span.
func RecordSolve(ctx context.Context, mass, enthalpy, volume float64, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartSolveSpan(ctx, mass, enthalpy, volume)
	defer span.End()

	err := fn(spanCtx)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
