// Package config loads the telemetry kernel configuration from a YAML
// file and environment overrides, applies defaults and validates once
// at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"campaign-telemetry/pkg/alerting"
	"campaign-telemetry/pkg/audience"
	"campaign-telemetry/pkg/monitors"
	"campaign-telemetry/pkg/notify"
	"campaign-telemetry/pkg/tracing"

	"gopkg.in/yaml.v2"
)

// AppConfig identifies the running instance.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Config is the full kernel configuration.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`

	Tracing  tracing.TrackerConfig  `yaml:"tracing"`
	Exporter tracing.ExporterConfig `yaml:"exporter"`

	Alerting  alerting.DispatcherConfig `yaml:"alerting"`
	RateLimit monitors.RateLimitConfig  `yaml:"rate_limit"`
	Budgets   []monitors.Budget         `yaml:"budgets"`
	Queue     monitors.QueueConfig      `yaml:"queue"`
	Session   monitors.SessionConfig    `yaml:"session"`
	Audience  audience.ManagerConfig    `yaml:"audience"`
	Notify    notify.NotifierConfig     `yaml:"notify"`

	// Interval of the background session expiry sweep.
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval"`
}

// Load reads the configuration file (optional), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyDefaults fills unset sections with their defaults.
func applyDefaults(config *Config) {
	if config.App.Name == "" {
		config.App.Name = "campaign-telemetry"
	}
	if config.App.Version == "" {
		config.App.Version = "v0.1.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8420
	}

	if config.Metrics.Port == 0 {
		config.Metrics.Port = 8021
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	if config.Tracing == (tracing.TrackerConfig{}) {
		config.Tracing = tracing.DefaultTrackerConfig()
	}
	if config.Alerting.SuppressionWindow == 0 {
		config.Alerting = alerting.DefaultDispatcherConfig()
	}
	if config.RateLimit.AlertThreshold == 0 {
		config.RateLimit = monitors.DefaultRateLimitConfig()
	}
	if config.Queue == (monitors.QueueConfig{}) {
		config.Queue = monitors.DefaultQueueConfig()
	}
	if config.Session == (monitors.SessionConfig{}) {
		config.Session = monitors.DefaultSessionConfig()
	}
	if config.Audience.SyncTimeout == 0 {
		config.Audience = audience.DefaultManagerConfig()
	}
	if config.Notify.Timeout == 0 && config.Notify.BucketCapacity == 0 {
		url := config.Notify.WebhookURL
		config.Notify = notify.DefaultNotifierConfig()
		config.Notify.WebhookURL = url
	}

	if config.SessionSweepInterval == 0 {
		config.SessionSweepInterval = time.Minute
	}
}

// applyEnvironmentOverrides lets deployment environments override the
// most commonly tuned settings.
func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("CAMPTEL_LOG_LEVEL"); v != "" {
		config.App.LogLevel = v
	}
	if v := os.Getenv("CAMPTEL_LOG_FORMAT"); v != "" {
		config.App.LogFormat = v
	}
	if v := os.Getenv("CAMPTEL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("CAMPTEL_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Metrics.Port = port
		}
	}
	if v := os.Getenv("CAMPTEL_WEBHOOK_URL"); v != "" {
		config.Notify.WebhookURL = v
	}
}

// Validate checks the configuration, failing fast on the first problem.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port must be in 1-65535, got %d", c.Metrics.Port)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be in [0, 1], got %.2f", c.Tracing.SampleRate)
	}
	if c.RateLimit.AlertThreshold <= 0 || c.RateLimit.AlertThreshold > 1 {
		return fmt.Errorf("rate limit alert threshold must be in (0, 1], got %.2f", c.RateLimit.AlertThreshold)
	}
	for _, budget := range c.Budgets {
		if err := budget.Validate(); err != nil {
			return err
		}
	}
	if c.Session.MaxConcurrentSessions < 0 || c.Session.MaxSessionsPerUser < 0 {
		return fmt.Errorf("session caps must not be negative")
	}
	return nil
}
