package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all chainflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	ModelEndpoint     string `json:"model_endpoint"`
	ModelTimeout      string `json:"model_timeout"`
	RateLimitCapacity int    `json:"rate_limit_capacity"`
	RateLimitWindow   string `json:"rate_limit_window"`
	MonitorInterval   string `json:"monitor_interval"`
	SchedulerEnabled  bool   `json:"scheduler_enabled"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(chainflowDir(), "chainflow.db"),
		LogLevel:          "info",
		PoolSize:          10,
		ModelTimeout:      "5m",
		RateLimitCapacity: 100,
		RateLimitWindow:   "1m",
		MonitorInterval:   "30s",
		SchedulerEnabled:  true,
	}
}

func chainflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

func settingsPath() string {
	return filepath.Join(chainflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CHAINFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHAINFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAINFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CHAINFLOW_MODEL_ENDPOINT"); v != "" {
		cfg.ModelEndpoint = v
	}
	if v := os.Getenv("CHAINFLOW_MODEL_TIMEOUT"); v != "" {
		cfg.ModelTimeout = v
	}
	if v := os.Getenv("CHAINFLOW_RATE_LIMIT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitCapacity = n
		}
	}
	if v := os.Getenv("CHAINFLOW_RATE_LIMIT_WINDOW"); v != "" {
		cfg.RateLimitWindow = v
	}
	if v := os.Getenv("CHAINFLOW_MONITOR_INTERVAL"); v != "" {
		cfg.MonitorInterval = v
	}
	if v := os.Getenv("CHAINFLOW_SCHEDULER"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back when empty or
// malformed.
func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func logLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
