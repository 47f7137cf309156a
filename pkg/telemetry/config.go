package telemetry

import (
	"fmt"
	"time"
)

// Config holds the telemetry configuration for a bubbleform process. It is
// the "telemetry" section of the YAML application config.
type Config struct {
	// ServiceName is the name reported on traces and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the build version.
	ServiceVersion string `yaml:"service_version"`

	// Environment is a free-form deployment label (development, production).
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`

	// ResourceAttributes are extra attributes attached to the trace resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, disabled.
	Level string `yaml:"level"`

	// Format is "console" or "json".
	Format string `yaml:"format"`

	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output"`

	// EnableCaller adds file:line to every entry.
	EnableCaller bool `yaml:"enable_caller"`

	// NoColor disables ANSI colours in console format.
	NoColor bool `yaml:"no_color"`

	// TimeFormat is rfc3339, unix, unixms or kitchen (console only).
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures OpenTelemetry tracing of runs, steps and solves.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the parent-based trace id ratio (0-1).
	SamplingRate float64 `yaml:"sampling_rate"`

	Insecure           bool              `yaml:"insecure"`
	Headers            map[string]string `yaml:"headers,omitempty"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`

	// StepSpans emits one span per simulation step. Off by default; a full
	// heatup is several thousand steps.
	StepSpans bool `yaml:"step_spans"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are used for wall-clock duration histograms.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets,omitempty"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize bounds the async queue.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval flushes a partial async batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	MaxBatchSize int `yaml:"max_batch_size"`

	// EnableAsync queues events to a delivery goroutine. When false, Publish
	// delivers to every subscriber before returning.
	EnableAsync bool `yaml:"enable_async"`

	// Retain keeps the most recent N events for Recent. Zero keeps none.
	Retain int `yaml:"retain"`
}

// DefaultConfig returns a configuration suitable for local CLI runs:
// console logging on stderr, tracing and the metrics listener off,
// synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bubbleform",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			Endpoint:           "localhost:4317",
			SamplingRate:       1.0,
			Insecure:           true,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "bubbleform",
			DefaultHistogramBuckets: []float64{
				0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   false,
			Retain:        256,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns a configuration for unattended sweeps.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns a verbose configuration.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "disabled": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.EnableAsync {
		if c.Events.BufferSize <= 0 {
			return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
		}
		if c.Events.MaxBatchSize <= 0 {
			return fmt.Errorf("event batch size must be positive, got: %d", c.Events.MaxBatchSize)
		}
	}

	if c.Events.Retain < 0 {
		return fmt.Errorf("event retain count must not be negative, got: %d", c.Events.Retain)
	}

	return nil
}
