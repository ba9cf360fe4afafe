// Package benchconfig loads a bench's assembly-time settings — worker
// count, step timeout, optional real-time pacing speed, and per-model
// mailbox capacities — from a YAML file, so a bench's shape can be
// edited without recompiling.
//
// Validation is a fixed, known-shape check over BenchConfig rather than
// a generic reflective required-fields walk; the config surface is small
// enough that spelled-out checks read better than reflection.
package benchconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig is one model's assembly entry.
type ModelConfig struct {
	Name            string `yaml:"name"`
	MailboxCapacity int    `yaml:"mailbox_capacity"`
}

// BenchConfig is the full assembly-time description of a bench.
type BenchConfig struct {
	// Workers overrides the executor's worker count; zero means use
	// executor.DefaultWorkers.
	Workers int `yaml:"workers"`
	// TimeoutMillis is the wall-clock timeout applied to each step;
	// zero means no timeout.
	TimeoutMillis int64 `yaml:"timeout_millis"`
	// ClockSpeed, if nonzero, attaches a real-time pacer running at this
	// multiple of wall time (1.0 == real time).
	ClockSpeed float64 `yaml:"clock_speed,omitempty"`
	// Models lists the models this bench expects SimInit.AddModel calls
	// to register, purely descriptive — benchconfig does not call
	// AddModel itself, since it has no access to each model's Go type.
	Models []ModelConfig `yaml:"models"`
}

// Timeout returns TimeoutMillis as a time.Duration.
func (c BenchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Validate checks the config's internal consistency: every model needs
// a name and a positive mailbox capacity, and model names must be
// unique (SimInit.AddModel has no such check itself, since it only ever
// sees one model at a time).
func (c BenchConfig) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("benchconfig: workers must be non-negative, got %d", c.Workers)
	}
	if c.TimeoutMillis < 0 {
		return fmt.Errorf("benchconfig: timeout_millis must be non-negative, got %d", c.TimeoutMillis)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("benchconfig: model entry missing name")
		}
		if seen[m.Name] {
			return fmt.Errorf("benchconfig: duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		if m.MailboxCapacity <= 0 {
			return fmt.Errorf("benchconfig: model %q mailbox_capacity must be positive, got %d", m.Name, m.MailboxCapacity)
		}
	}
	return nil
}

// Load reads and unmarshals a BenchConfig from a YAML file at path,
// then validates it.
func Load(path string) (BenchConfig, error) {
	var cfg BenchConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("benchconfig: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("benchconfig: failed to unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save marshals cfg to path as YAML, using restrictive permissions
// since a bench config may embed environment-specific tuning that
// shouldn't be world-readable.
func Save(path string, cfg BenchConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("benchconfig: failed to marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("benchconfig: failed to write %s: %w", path, err)
	}
	return nil
}

// MailboxCapacity looks up a model's configured mailbox capacity by
// name, returning fallback if the model is not listed.
func (c BenchConfig) MailboxCapacity(name string, fallback int) int {
	for _, m := range c.Models {
		if m.Name == name {
			return m.MailboxCapacity
		}
	}
	return fallback
}
