package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobfiltr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 50, cfg.Breaker.Threshold)
	assert.Equal(t, time.Second, cfg.Cache.Debounce)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
db_path: /var/lib/jobfiltr.db
log_level: debug
cache:
  ttl: 12h
  max_entries: 100
  debounce: 250ms
breaker:
  threshold: 10
telemetry:
  endpoint: https://collector.example.com
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/jobfiltr.db", cfg.DBPath)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.Debounce)
	assert.Equal(t, 5*time.Second, cfg.Cache.MaxDelay, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Breaker.Threshold)
	assert.Equal(t, "https://collector.example.com", cfg.Telemetry.Endpoint)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 50, cfg.Telemetry.MaxConsoleLogs)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "breaker:\n  threshold: 10\naddr: :9000\n")
	t.Setenv("JOBFILTR_BREAKER_THRESHOLD", "3")
	t.Setenv("JOBFILTR_CACHE_DEBOUNCE", "2s")
	t.Setenv("JOBFILTR_TELEMETRY_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 2*time.Second, cfg.Cache.Debounce)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, ":9000", cfg.Addr)
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "cache: [not, a, map"))
		assert.ErrorContains(t, err, "parse config")
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("JOBFILTR_CACHE_MAX_ENTRIES", "many")
		_, err := Load("")
		assert.ErrorContains(t, err, "parse env")
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestSetupLoggerFansOut(t *testing.T) {
	var stderr, extra bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "jobfiltr.log")

	logger, cleanup := setupLogger(&stderr, logFile, slog.LevelInfo,
		slog.NewTextHandler(&extra, nil))
	logger.Info("flag set", "feature", "enableJobAgeBadges")
	logger.Debug("hidden")
	require.NoError(t, cleanup())

	assert.Contains(t, stderr.String(), "feature=enableJobAgeBadges")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, extra.String(), "flag set")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"feature":"enableJobAgeBadges"`)
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	var stderr bytes.Buffer
	logger, cleanup := setupLogger(&stderr, "", slog.LevelWarn)
	logger.Warn("only stderr")
	assert.NoError(t, cleanup())
	assert.Contains(t, stderr.String(), "only stderr")
}
