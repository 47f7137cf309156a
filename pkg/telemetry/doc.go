// Package telemetry provides observability for bubbleform runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and a structured event publisher. The simulation core
// only takes a *Logger; the runner wires the rest.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithRunContext(ctx, runID, "baseline")
//	// ... step the simulation ...
//	telemetry.EndRunContext(ctx, runID, "COMPLETE", simHours, nil)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithPhase("DRAIN").WithStep(1200, 3.3).Info("phase transition")
//
// Log levels: trace, debug, info, warn, error, disabled.
//
// # Tracing
//
// Each run gets a root "run.execute" span. Per-step spans are opt-in through
// TracingConfig.StepSpans. Stand-alone closure solves run under a
// "closure.solve" span via RecordSolve. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Collectors live in a private registry exposed by Metrics.Handler:
//
//   - bubbleform_closures_total{phase,outcome,reason}
//   - bubbleform_closure_iterations{phase}
//   - bubbleform_steps_total{phase,hold}
//   - bubbleform_phase_transitions_total{from,to,reason}
//   - bubbleform_phase_index, _pressure_psia, _level_percent{run_id}
//   - bubbleform_mass_drift_percent, _energy_drift_percent{run_id}
//   - bubbleform_events_total{kind,severity}
//
// # Events
//
// EventPublisher delivers synchronously by default: Publish returns after
// every subscriber has seen the event, in subscription order. The async mode
// queues events to one delivery goroutine and flushes on batch size or
// interval.
package telemetry
