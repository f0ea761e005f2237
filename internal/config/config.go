// Package config loads the Cadenza service configuration from YAML with
// defaults and environment overrides for secrets. All knobs are simple
// scalars; durations are expressed in the unit their name carries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	APIKey    string          `yaml:"api_key"` // service auth; CADENZA_API_KEY overrides
	LogLevel  string          `yaml:"log_level"`
	Backend   BackendConfig   `yaml:"backend"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Admission AdmissionConfig `yaml:"admission"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// BackendConfig configures the external generation API.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"` // CADENZA_BACKEND_API_KEY overrides
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the backend call timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig selects and configures the artifact blob store.
type StorageConfig struct {
	Kind    string `yaml:"kind"` // "fs" or "s3"
	BaseDir string `yaml:"base_dir"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// SessionConfig configures the session registry and sweeper.
type SessionConfig struct {
	TTLMinutes           int   `yaml:"ttl_minutes"`
	MaxFiles             int   `yaml:"max_files"`
	MaxArtifactBytes     int64 `yaml:"max_artifact_bytes"`
	SweepIntervalMinutes int   `yaml:"sweep_interval_minutes"`
}

// TTL returns the session idle timeout.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SweepInterval returns how often the sweeper runs.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// AdmissionConfig configures per-tenant throttling.
type AdmissionConfig struct {
	MinIntervalSeconds int      `yaml:"min_interval_seconds"`
	BurstLimit         int      `yaml:"burst_limit"`
	BurstWindowMinutes int      `yaml:"burst_window_minutes"`
	HourlyLimit        int      `yaml:"hourly_limit"`
	AllowList          []string `yaml:"allow_list"`
}

// MinInterval returns the minimum gap between requests from one tenant.
func (c AdmissionConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// BurstWindow returns the short throttle window.
func (c AdmissionConfig) BurstWindow() time.Duration {
	return time.Duration(c.BurstWindowMinutes) * time.Minute
}

// OutboundConfig configures the global backend caps.
type OutboundConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// RecoveryTimeout returns the breaker cooldown before a half-open probe.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// PipelineConfig configures the worker pool.
type PipelineConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	BatchSize int `yaml:"batch_size"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Backend: BackendConfig{
			BaseURL:        "https://api.elevenlabs.io",
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			Kind:    "fs",
			BaseDir: "/tmp/cadenza_sessions",
		},
		Sessions: SessionConfig{
			TTLMinutes:           10,
			MaxFiles:             10,
			MaxArtifactBytes:     50 * 1024 * 1024,
			SweepIntervalMinutes: 10,
		},
		Admission: AdmissionConfig{
			MinIntervalSeconds: 5,
			BurstLimit:         3,
			BurstWindowMinutes: 5,
			HourlyLimit:        10,
		},
		Outbound: OutboundConfig{
			PerMinute: 60,
			PerHour:   1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
		},
		Pipeline: PipelineConfig{
			Workers:   3,
			QueueSize: 256,
			BatchSize: 5,
		},
	}
}

// Load reads YAML from path over the defaults. A missing file returns the
// defaults. Environment variables override the API keys so secrets stay out
// of config files.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("CADENZA_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CADENZA_BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Storage.Kind != "fs" && c.Storage.Kind != "s3" {
		return fmt.Errorf("storage kind %q: must be fs or s3", c.Storage.Kind)
	}
	if c.Storage.Kind == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage kind s3 requires a bucket")
	}
	if c.Sessions.MaxArtifactBytes < 0 {
		return fmt.Errorf("max_artifact_bytes must not be negative")
	}
	return nil
}
