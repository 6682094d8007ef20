package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	// Home is the data directory. Derived from STEPFLOW_HOME (default
	// ~/.stepflow), never read from settings.json since settings.json
	// lives inside it.
	Home string `json:"-"`

	WorkflowsDir    string `json:"workflows_dir"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	Transport       string `json:"transport"`
	SSEAddr         string `json:"sse_addr"`
	PanelAddr       string `json:"panel_addr"`
	PoolSize        int    `json:"pool_size"`
	ConditionEngine string `json:"condition_engine"`
	Retention       int    `json:"retention"`
	StepBudget      int    `json:"step_budget"`
	Scheduler       bool   `json:"scheduler"`
	ShellAllow      bool   `json:"shell_allow"`

	// VaultKey stays in memory only: STEPFLOW_VAULT_KEY, never settings.json.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	home := stepflowDir()
	return Config{
		Home:            home,
		WorkflowsDir:    filepath.Join(home, "workflows"),
		DBPath:          filepath.Join(home, "stepflow.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		Transport:       "stdio",
		SSEAddr:         ":4600",
		PoolSize:        10,
		ConditionEngine: "expr",
		Retention:       1000,
		Scheduler:       true,
	}
}

func stepflowDir() string {
	if v := os.Getenv("STEPFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig builds the effective configuration. path overrides the default
// settings.json location; empty means ~/.stepflow/settings.json.
func loadConfig(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if path == "" {
		path = settingsPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEPFLOW_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("STEPFLOW_SSE_ADDR"); v != "" {
		cfg.SSEAddr = v
	}
	if v := os.Getenv("STEPFLOW_PANEL_ADDR"); v != "" {
		cfg.PanelAddr = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_CONDITION_ENGINE"); v != "" {
		cfg.ConditionEngine = v
	}
	if v := os.Getenv("STEPFLOW_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention = n
		}
	}
	if v := os.Getenv("STEPFLOW_STEP_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepBudget = n
		}
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("STEPFLOW_SHELL_ALLOW"); v != "" {
		cfg.ShellAllow = v == "true" || v == "1"
	}
	cfg.VaultKey = os.Getenv("STEPFLOW_VAULT_KEY")

	return cfg
}
