package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Logging
	LogLevel string `json:"log_level"`

	// Storage
	StorePath string `json:"store_path"`

	// Device label reported to the network when pairing
	DeviceName string `json:"device_name"`

	// Pairing
	PairingCodeTTLSecs int `json:"pairing_code_ttl_secs"`

	Dispatch DispatchConfig `json:"dispatch"`
	Health   HealthConfig   `json:"health"`
	Bot      BotConfig      `json:"bot"`
}

// DispatchConfig controls the scheduled campaign dispatcher.
type DispatchConfig struct {
	IntervalSecs    int `json:"interval_secs"`
	Concurrency     int `json:"concurrency"`
	SendTimeoutSecs int `json:"send_timeout_secs"`
	RatePerSec      int `json:"rate_per_sec"`
}

// HealthConfig controls the connection watchdog.
type HealthConfig struct {
	PollSecs int `json:"poll_secs"`
	// Consecutive disconnected observations before a forced logout.
	DisconnectThreshold int `json:"disconnect_threshold"`
}

// BotConfig controls the auto-reply responder.
type BotConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultStore := filepath.Join(homeDir, ".waflow", "store")

	return &Config{
		LogLevel:           "INFO",
		StorePath:          defaultStore,
		DeviceName:         "Waflow",
		PairingCodeTTLSecs: 60,
		Dispatch: DispatchConfig{
			IntervalSecs:    10,
			Concurrency:     4,
			SendTimeoutSecs: 30,
			RatePerSec:      10,
		},
		Health: HealthConfig{
			PollSecs:            5,
			DisconnectThreshold: 3,
		},
		Bot: BotConfig{
			Enabled:      false,
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant answering on behalf of a business.",
		},
	}
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration from an optional file with environment
// overrides. A present-but-malformed file is an error, never silently
// replaced with defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		var err error
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	}

	if v := os.Getenv("WAFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WAFLOW_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("WAFLOW_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("WAFLOW_DISPATCH_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.IntervalSecs = secs
		}
	}
	if v := os.Getenv("WAFLOW_DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Concurrency = n
		}
	}
	if v := os.Getenv("WAFLOW_HEALTH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.DisconnectThreshold = n
		}
	}
	if v := os.Getenv("WAFLOW_BOT_ENABLED"); v != "" {
		cfg.Bot.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WAFLOW_BOT_API_KEY"); v != "" {
		cfg.Bot.APIKey = v
	}

	return cfg, nil
}

// PairingCodeTTL returns the pairing code lifetime.
func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.PairingCodeTTLSecs) * time.Second
}

// Interval returns the dispatch poll cadence.
func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSecs) * time.Second
}

// SendTimeout returns the per-recipient send timeout.
func (d DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(d.SendTimeoutSecs) * time.Second
}

// PollInterval returns the watchdog poll cadence.
func (h HealthConfig) PollInterval() time.Duration {
	return time.Duration(h.PollSecs) * time.Second
}

// EnsureStorePath creates the store directory if it doesn't exist.
func (c *Config) EnsureStorePath() error {
	return os.MkdirAll(c.StorePath, 0755)
}
