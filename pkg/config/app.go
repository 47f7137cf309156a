package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// AppConfig is the YAML application configuration: where output goes and
// how it is observed. Plant and procedure values live in scenarios.
type AppConfig struct {
	Telemetry telemetry.Config `yaml:"telemetry"`
	Journal   JournalConfig    `yaml:"journal"`
	Redis     RedisConfig      `yaml:"redis"`
	Sweep     SweepConfig      `yaml:"sweep"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// StepEvery journals one in N committed steps. Transitions, holds and
	// failed closures are always journaled.
	StepEvery int `yaml:"step_every"`
}

// RedisConfig configures the Redis event sink.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	MaxLen   int64         `yaml:"max_len"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SweepConfig bounds the sweep worker pool.
type SweepConfig struct {
	Workers int `yaml:"workers"`
}

// DefaultAppConfig returns the configuration written by `bubbleform init`.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Telemetry: *telemetry.DefaultConfig(),
		Journal: JournalConfig{
			Enabled:   true,
			Path:      filepath.Join(".bubbleform", "journal.db"),
			StepEvery: 30,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Key:     "bubbleform:events",
			MaxLen:  10000,
			Timeout: 2 * time.Second,
		},
		Sweep: SweepConfig{Workers: 4},
	}
}

// LoadAppConfig reads a YAML file over the defaults. A missing file yields
// the defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read app config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse app config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the application configuration.
func (c *AppConfig) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}
	if c.Journal.StepEvery < 0 {
		return fmt.Errorf("journal step_every must not be negative")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" || c.Redis.Key == "" {
			return fmt.Errorf("redis addr and key are required when redis is enabled")
		}
		if c.Redis.MaxLen <= 0 {
			return fmt.Errorf("redis max_len must be positive")
		}
	}
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep workers must be at least 1")
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *AppConfig) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
