package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the engine's runtime settings. Values resolve in three layers:
// built-in defaults, then ~/.sopflow/settings.json, then SOPFLOW_* environment
// variables.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	RolesPath string `json:"roles_path"`
	RulesPath string `json:"rules_path"`

	StarvationPolicy string `json:"starvation_policy"`
	ApprovalTTL      string `json:"approval_ttl"`
	SweepConcurrency int    `json:"sweep_concurrency"`

	TimeoutSweepCron  string `json:"timeout_sweep_cron"`
	SLASweepCron      string `json:"sla_sweep_cron"`
	ApprovalSweepCron string `json:"approval_sweep_cron"`
	SchedulerTick     string `json:"scheduler_tick"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(sopflowDir(), "sopflow.db"),
		LogLevel:          "info",
		StarvationPolicy:  "auto_escalate",
		ApprovalTTL:       "24h",
		SweepConcurrency:  4,
		TimeoutSweepCron:  "* * * * *",
		SLASweepCron:      "*/5 * * * *",
		ApprovalSweepCron: "*/10 * * * *",
		SchedulerTick:     "30s",
	}
}

// sopflowDir returns the per-user state directory, creating it if needed.
func sopflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".sopflow")
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func settingsPath() string {
	return filepath.Join(sopflowDir(), "settings.json")
}

// loadConfig resolves the effective configuration. A missing settings file is
// not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("SOPFLOW_DB_PATH", &cfg.DBPath)
	setString("SOPFLOW_LOG_LEVEL", &cfg.LogLevel)
	setString("SOPFLOW_ROLES_PATH", &cfg.RolesPath)
	setString("SOPFLOW_RULES_PATH", &cfg.RulesPath)
	setString("SOPFLOW_STARVATION_POLICY", &cfg.StarvationPolicy)
	setString("SOPFLOW_APPROVAL_TTL", &cfg.ApprovalTTL)
	setString("SOPFLOW_TIMEOUT_SWEEP_CRON", &cfg.TimeoutSweepCron)
	setString("SOPFLOW_SLA_SWEEP_CRON", &cfg.SLASweepCron)
	setString("SOPFLOW_APPROVAL_SWEEP_CRON", &cfg.ApprovalSweepCron)
	setString("SOPFLOW_SCHEDULER_TICK", &cfg.SchedulerTick)

	if v := os.Getenv("SOPFLOW_SWEEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepConcurrency = n
		}
	}
}

func (c Config) validate() error {
	if c.StarvationPolicy != "auto_escalate" && c.StarvationPolicy != "fail" {
		return fmt.Errorf("starvation_policy must be auto_escalate or fail, got %q", c.StarvationPolicy)
	}
	if _, err := time.ParseDuration(c.ApprovalTTL); err != nil {
		return fmt.Errorf("approval_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.SchedulerTick); err != nil {
		return fmt.Errorf("scheduler_tick: %w", err)
	}
	return nil
}

func (c Config) approvalTTL() time.Duration {
	d, _ := time.ParseDuration(c.ApprovalTTL)
	return d
}

func (c Config) schedulerTick() time.Duration {
	d, _ := time.ParseDuration(c.SchedulerTick)
	return d
}
