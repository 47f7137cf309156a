package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("application started")

	fmt.Println(tel.Metrics.Enabled())
	// Output: true
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("engine").
		WithRunID("run-1").
		WithPhase("DRAIN").
		Info("phase transition")

	out := buf.String()
	fmt.Println(strings.Contains(out, `"component":"engine"`), strings.Contains(out, `"phase":"DRAIN"`))
	// Output: true true
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	events, _ := telemetry.NewEventPublisher(cfg.Events)
	defer events.Shutdown(context.Background())

	events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeRunStarted, telemetry.EventTypeRunCompleted))

	_ = events.PublishRunStarted("run-1", "baseline")
	_ = events.Publish(telemetry.Event{Type: "closure.failed", Level: telemetry.EventLevelWarning})
	_ = events.PublishRunCompleted("run-1", "COMPLETE", 6.5, time.Second)
	// Output:
	// run.started: Run run-1 started for scenario baseline
	// run.completed: Run run-1 finished in COMPLETE after 6.500 h
}

// Example_metricsCollection demonstrates the closure and plant collectors.
func Example_metricsCollection() {
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "bubbleform", Path: "/metrics"})

	metrics.RecordRunStarted("baseline")
	metrics.RecordClosure("DRAIN", "CONVERGED", "", 14)
	metrics.RecordClosure("DRAIN", "FAILED", "NO_VOLUME_BRACKET", 0)
	metrics.SetPlantState("run-1", 3, 318.2, 61.5)
	metrics.SetDrift("run-1", 0.0001, 0.02)
	metrics.RecordRunCompleted("completed", 2*time.Second)

	families, _ := metrics.Registry().Gather()
	fmt.Println(len(families) > 0)
	// Output: true
}
