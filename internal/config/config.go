// Package config loads jobfiltr settings from an optional YAML file and
// JOBFILTR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values
type Config struct {
	DBPath   string `yaml:"db_path"   env:"JOBFILTR_DB"`
	Addr     string `yaml:"addr"      env:"JOBFILTR_ADDR"`
	LogFile  string `yaml:"log_file"  env:"JOBFILTR_LOG_FILE"`
	LogLevel string `yaml:"log_level" env:"JOBFILTR_LOG_LEVEL"`

	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CacheConfig tunes the job cache
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"         env:"JOBFILTR_CACHE_TTL"`
	MaxEntries int           `yaml:"max_entries" env:"JOBFILTR_CACHE_MAX_ENTRIES"`
	Debounce   time.Duration `yaml:"debounce"    env:"JOBFILTR_CACHE_DEBOUNCE"`
	MaxDelay   time.Duration `yaml:"max_delay"   env:"JOBFILTR_CACHE_MAX_DELAY"`
}

// BreakerConfig tunes feature auto-disable
type BreakerConfig struct {
	Threshold int `yaml:"threshold" env:"JOBFILTR_BREAKER_THRESHOLD"`
}

// TelemetryConfig controls error reporting. An empty Endpoint keeps
// reports in the local database.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"           env:"JOBFILTR_TELEMETRY_ENABLED"`
	Endpoint         string        `yaml:"endpoint"          env:"JOBFILTR_TELEMETRY_ENDPOINT"`
	Platform         string        `yaml:"platform"          env:"JOBFILTR_TELEMETRY_PLATFORM"`
	UserID           string        `yaml:"user_id"           env:"JOBFILTR_TELEMETRY_USER_ID"`
	UserAgent        string        `yaml:"user_agent"        env:"JOBFILTR_TELEMETRY_USER_AGENT"`
	ExtensionVersion string        `yaml:"extension_version" env:"JOBFILTR_TELEMETRY_EXTENSION_VERSION"`
	MaxConsoleLogs   int           `yaml:"max_console_logs"  env:"JOBFILTR_TELEMETRY_MAX_CONSOLE_LOGS"`
	SnapshotBudget   int           `yaml:"snapshot_budget"   env:"JOBFILTR_TELEMETRY_SNAPSHOT_BUDGET"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"  env:"JOBFILTR_TELEMETRY_DELIVERY_TIMEOUT"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		DBPath:   "jobfiltr.db",
		Addr:     ":8080",
		LogLevel: "INFO",
		Cache: CacheConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 500,
			Debounce:   time.Second,
			MaxDelay:   5 * time.Second,
		},
		Breaker: BreakerConfig{Threshold: 50},
		Telemetry: TelemetryConfig{
			Enabled:          true,
			UserAgent:        "jobfiltr/1.0",
			ExtensionVersion: "2.0.0",
			MaxConsoleLogs:   50,
			SnapshotBudget:   5000,
			DeliveryTimeout:  10 * time.Second,
		},
	}
}

// Load starts from Default, applies the YAML file at path when it exists,
// then environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Level returns the configured log level
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
