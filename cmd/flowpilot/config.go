package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowpilot server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string   `json:"listen_addr"`
	DBPath           string   `json:"db_path"`
	LogLevel         string   `json:"log_level"`
	LogFormat        string   `json:"log_format"`
	NodeTimeout      duration `json:"node_timeout"`
	BatchConcurrency int      `json:"batch_concurrency"`
	SchedulerTick    duration `json:"scheduler_interval"`
	RateBurst        int      `json:"rate_burst"`
	RateRefill       float64  `json:"rate_refill"`
	EventQueue       int      `json:"event_queue"`
	ShutdownTimeout  duration `json:"shutdown_timeout"`

	// Provider endpoints. Empty keeps the built-in stand-ins: prompts are
	// rendered as content and messages are logged.
	ContentEndpoint   string `json:"content_endpoint,omitempty"`
	ContentAPIKey     string `json:"content_api_key,omitempty"`
	MessagingEndpoint string `json:"messaging_endpoint,omitempty"`
	MessagingAPIKey   string `json:"messaging_api_key,omitempty"`
}

// duration reads either a Go duration string ("30s") or whole seconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = duration(secs * float64(time.Second))
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4100",
		DBPath:           filepath.Join(flowpilotDir(), "flowpilot.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		NodeTimeout:      duration(30 * time.Second),
		BatchConcurrency: 5,
		SchedulerTick:    duration(60 * time.Second),
		RateBurst:        10,
		RateRefill:       1,
		EventQueue:       1024,
		ShutdownTimeout:  duration(15 * time.Second),
	}
}

// flowpilotDir is FLOWPILOT_HOME, or ~/.flowpilot.
func flowpilotDir() string {
	if v := os.Getenv("FLOWPILOT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowpilot"
	}
	return filepath.Join(home, ".flowpilot")
}

func settingsPath() string {
	return filepath.Join(flowpilotDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWPILOT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWPILOT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	envString("FLOWPILOT_CONTENT_ENDPOINT", &cfg.ContentEndpoint)
	envString("FLOWPILOT_CONTENT_API_KEY", &cfg.ContentAPIKey)
	envString("FLOWPILOT_MESSAGING_ENDPOINT", &cfg.MessagingEndpoint)
	envString("FLOWPILOT_MESSAGING_API_KEY", &cfg.MessagingAPIKey)
	envDuration("FLOWPILOT_NODE_TIMEOUT", &cfg.NodeTimeout)
	envDuration("FLOWPILOT_SCHEDULER_INTERVAL", &cfg.SchedulerTick)
	envDuration("FLOWPILOT_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	envInt("FLOWPILOT_BATCH_CONCURRENCY", &cfg.BatchConcurrency)
	envInt("FLOWPILOT_RATE_BURST", &cfg.RateBurst)
	envInt("FLOWPILOT_EVENT_QUEUE", &cfg.EventQueue)
	if v := os.Getenv("FLOWPILOT_RATE_REFILL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateRefill = f
		}
	}

	return cfg, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = duration(d)
		}
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.NodeTimeout != new.NodeTimeout || old.BatchConcurrency != new.BatchConcurrency {
		d.RestartNeeded = append(d.RestartNeeded, "executor")
	}
	if old.RateBurst != new.RateBurst || old.RateRefill != new.RateRefill {
		d.RestartNeeded = append(d.RestartNeeded, "rate_limit")
	}
	if old.ContentEndpoint != new.ContentEndpoint || old.MessagingEndpoint != new.MessagingEndpoint {
		d.RestartNeeded = append(d.RestartNeeded, "providers")
	}
	if old.SchedulerTick != new.SchedulerTick {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	return d
}
