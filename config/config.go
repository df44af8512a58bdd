// Package config provides configuration loading and management for unit09.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/unit09/address"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Config represents the complete unit09 configuration
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	NATS     NATSConfig     `yaml:"nats"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Watch    WatchConfig    `yaml:"watch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PipelineConfig configures the worker loop and the job queue
type PipelineConfig struct {
	// PollInterval is the dispatch tick
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxConcurrent is the ceiling on running jobs
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxAttempts is how many failed attempts a retryable job gets
	MaxAttempts int `yaml:"max_attempts"`
	// JobTimeout bounds one handler run (0 = no deadline)
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// StorageConfig selects where entity records and jobs live
type StorageConfig struct {
	// Backend is "memory" or "nats"
	Backend string `yaml:"backend"`
	// Bucket is the JetStream KV bucket name
	Bucket string `yaml:"bucket"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// LedgerConfig seeds the registry configuration on first start
type LedgerConfig struct {
	Active            *bool  `yaml:"active"`
	MaxModulesPerRepo uint32 `yaml:"max_modules_per_repo"`
	// Description and Tags are written to the registry metadata on start
	// when set
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// WatchTarget is a working copy the serve command watches
type WatchTarget struct {
	RepoKey string `yaml:"repo_key"`
	Path    string `yaml:"path"`
}

// WatchConfig configures the change trigger
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	// Include limits which files count as changes (doublestar globs)
	Include []string      `yaml:"include"`
	Targets []WatchTarget `yaml:"targets"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the HTTP listen address (empty = disabled)
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	active := true
	return &Config{
		Pipeline: PipelineConfig{
			PollInterval:  500 * time.Millisecond,
			MaxConcurrent: 4,
			MaxAttempts:   3,
			JobTimeout:    10 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Bucket:  "UNIT09_REGISTRY",
		},
		Ledger: LedgerConfig{
			Active:            &active,
			MaxModulesPerRepo: 256,
		},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// IsActive reports the configured registry active flag (default true).
func (l LedgerConfig) IsActive() bool {
	return l.Active == nil || *l.Active
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.JobTimeout < 0 {
		return fmt.Errorf("pipeline.job_timeout must not be negative")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats backend")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the nats backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendNATS, c.Storage.Backend)
	}
	if c.Ledger.MaxModulesPerRepo == 0 {
		return fmt.Errorf("ledger.max_modules_per_repo must be positive")
	}
	if c.Watch.Enabled {
		if len(c.Watch.Targets) == 0 {
			return fmt.Errorf("watch.targets is required when watching is enabled")
		}
		for i, t := range c.Watch.Targets {
			if err := address.ValidateKey(t.RepoKey); err != nil {
				return fmt.Errorf("watch.targets[%d].repo_key: %w", i, err)
			}
			if t.Path == "" {
				return fmt.Errorf("watch.targets[%d].path is required", i)
			}
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Pipeline
	if other.Pipeline.PollInterval != 0 {
		c.Pipeline.PollInterval = other.Pipeline.PollInterval
	}
	if other.Pipeline.MaxConcurrent != 0 {
		c.Pipeline.MaxConcurrent = other.Pipeline.MaxConcurrent
	}
	if other.Pipeline.MaxAttempts != 0 {
		c.Pipeline.MaxAttempts = other.Pipeline.MaxAttempts
	}
	if other.Pipeline.JobTimeout != 0 {
		c.Pipeline.JobTimeout = other.Pipeline.JobTimeout
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Ledger
	if other.Ledger.Active != nil {
		active := *other.Ledger.Active
		c.Ledger.Active = &active
	}
	if other.Ledger.MaxModulesPerRepo != 0 {
		c.Ledger.MaxModulesPerRepo = other.Ledger.MaxModulesPerRepo
	}
	if other.Ledger.Description != "" {
		c.Ledger.Description = other.Ledger.Description
	}
	if len(other.Ledger.Tags) > 0 {
		c.Ledger.Tags = append([]string(nil), other.Ledger.Tags...)
	}

	// Watch
	if other.Watch.Enabled {
		c.Watch.Enabled = true
	}
	if other.Watch.Debounce != 0 {
		c.Watch.Debounce = other.Watch.Debounce
	}
	if len(other.Watch.Include) > 0 {
		c.Watch.Include = other.Watch.Include
	}
	if len(other.Watch.Targets) > 0 {
		c.Watch.Targets = other.Watch.Targets
	}

	// Metrics
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}
