// Package svcconfig loads the service-wide YAML configuration (region
// quotas, autoscaler defaults, retention policy, telemetry endpoint) and
// hot-reloads it on file change, following the teacher's internal/config
// Load/normalize/env-override pipeline and its fsnotify-based Watcher, now
// pointed at the scheduler service's own config file instead of an
// LLM-agent persona file.
package svcconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RegionConfig holds per-region scaling and quota settings (spec.md §4.5).
type RegionConfig struct {
	MaxInstances  int `yaml:"max_instances"`
	QuotaCooldown int `yaml:"quota_cooldown_seconds"`
}

// AutoscalerConfig holds autoscaler settings. internal/autoscaler does not
// read MaxBatchResize or Regions; it uses its own fixed batch cap.
type AutoscalerConfig struct {
	TickIntervalSeconds int            `yaml:"tick_interval_seconds"`
	MaxBatchResize      int            `yaml:"max_batch_resize"`
	Regions             map[string]RegionConfig `yaml:"regions"`
}

// RetentionConfig holds the record retention sweep defaults.
type RetentionConfig struct {
	SweepIntervalHours int `yaml:"sweep_interval_hours"`
	DefaultDays        int `yaml:"default_days"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// Config is the top-level service configuration.
type Config struct {
	DatabasePath string           `yaml:"database_path"`
	ListenAddr   string           `yaml:"listen_addr"`
	Autoscaler   AutoscalerConfig `yaml:"autoscaler"`
	Retention    RetentionConfig  `yaml:"retention"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		DatabasePath: "onefuzz.db",
		ListenAddr:   ":8080",
		Autoscaler: AutoscalerConfig{
			TickIntervalSeconds: 60,
			MaxBatchResize:      500,
		},
		Retention: RetentionConfig{
			SweepIntervalHours: 24,
			DefaultDays:        30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "onefuzz-service",
		},
	}
}

// Load reads and parses path, applying defaults for anything unset and
// then environment-variable overrides (spec.md §5: config precedence is
// file, then environment).
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	normalize(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Autoscaler.TickIntervalSeconds <= 0 {
		cfg.Autoscaler.TickIntervalSeconds = 60
	}
	if cfg.Autoscaler.MaxBatchResize <= 0 {
		cfg.Autoscaler.MaxBatchResize = 500
	}
	if cfg.Retention.SweepIntervalHours <= 0 {
		cfg.Retention.SweepIntervalHours = 24
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "onefuzz-service"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ONEFUZZ_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("ONEFUZZ_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ONEFUZZ_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("ONEFUZZ_MAX_BATCH_RESIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoscaler.MaxBatchResize = n
		}
	}
}

// TickInterval returns the autoscaler tick interval as a time.Duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Autoscaler.TickIntervalSeconds) * time.Second
}

// RetentionSweepInterval returns the retention sweep interval as a
// time.Duration.
func (c Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalHours) * time.Hour
}
