package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"circle/internal/client"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CIRCLE_"

type Config struct {
	DBFile      string        `koanf:"db_file"`
	APIAddr     string        `koanf:"api_addr"`
	AdminAddr   string        `koanf:"admin_addr"`
	BaseURL     string        `koanf:"base_url"`
	AuthSecret  string        `koanf:"auth_secret"`
	TokenExpiry time.Duration `koanf:"token_expiry"`
	LogLevel    string        `koanf:"log_level"`

	ReconnectMaxAttempts int           `koanf:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `koanf:"reconnect_multiplier"`
	InvokeTimeout        time.Duration `koanf:"invoke_timeout"`

	// SendRate is messages per second a single connection may post.
	SendRate  float64 `koanf:"send_rate"`
	SendBurst int     `koanf:"send_burst"`
}

func defaults() map[string]any {
	return map[string]any{
		"db_file":                "circle.db",
		"api_addr":               ":8080",
		"admin_addr":             "localhost:8081",
		"base_url":               "http://localhost:8080",
		"token_expiry":           "12h",
		"log_level":              "info",
		"reconnect_max_attempts": 5,
		"reconnect_base_delay":   "500ms",
		"reconnect_max_delay":    "10s",
		"reconnect_multiplier":   2.0,
		"invoke_timeout":         "10s",
		"send_rate":              2.0,
		"send_burst":             5,
	}
}

// Load reads the configuration from built-in defaults, the optional TOML
// file at path, a .env file in the working directory and CIRCLE_*
// environment variables, later sources winning.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}

	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration. Client commands do not need the
// server secret.
func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("CIRCLE_AUTH_SECRET is required")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry must be greater than 0")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect_max_attempts cannot be negative")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect_base_delay must be greater than 0")
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("reconnect_multiplier must be at least 1")
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("invoke_timeout must be greater than 0")
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return fmt.Errorf("send_rate and send_burst cannot be negative")
	}
	return nil
}

// Backoff is the reconnect policy of client connections.
func (c *Config) Backoff() client.Backoff {
	return client.Backoff{
		MaxAttempts: c.ReconnectMaxAttempts,
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		Multiplier:  c.ReconnectMultiplier,
		Jitter:      true,
	}
}
