package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto_escalate", cfg.StarvationPolicy)
	assert.Equal(t, 24*time.Hour, cfg.approvalTTL())
	assert.Equal(t, 30*time.Second, cfg.schedulerTick())
	assert.Equal(t, "* * * * *", cfg.TimeoutSweepCron)
}

func TestLoadConfigFromSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/tmp/custom.db",
		"log_level": "debug",
		"starvation_policy": "fail",
		"approval_ttl": "1h"
	}`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "fail", cfg.StarvationPolicy)
	assert.Equal(t, time.Hour, cfg.approvalTTL())
	// Untouched keys keep their defaults.
	assert.Equal(t, "*/5 * * * *", cfg.SLASweepCron)
}

func TestLoadConfigMalformedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestEnvOverridesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug"}`), 0o644))

	t.Setenv("SOPFLOW_LOG_LEVEL", "warn")
	t.Setenv("SOPFLOW_APPROVAL_TTL", "6h")
	t.Setenv("SOPFLOW_SWEEP_CONCURRENCY", "8")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 6*time.Hour, cfg.approvalTTL())
	assert.Equal(t, 8, cfg.SweepConcurrency)
}

func TestEnvIgnoresBadConcurrency(t *testing.T) {
	t.Setenv("SOPFLOW_SWEEP_CONCURRENCY", "many")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.SweepConcurrency)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.StarvationPolicy = "give_up"
	assert.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.ApprovalTTL = "soon"
	assert.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.SchedulerTick = "often"
	assert.Error(t, cfg.validate())
}
