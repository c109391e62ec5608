// Package config loads the agencyd configuration: a JSON5 file overlaid
// with AGENCYD_* environment variables. Secrets (API keys, the shared
// gateway secret, the postgres DSN) are env-only and never persisted.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agencyd hub.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Provider  ProviderConfig  `json:"provider"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Env is handed verbatim to every plugin and tool context.
	Env map[string]string `json:"env,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Secret guards every endpoint via the X-SECRET header. Empty disables
	// auth (local development). Env only: AGENCYD_SECRET.
	Secret string `json:"-"`
	// RateLimitRPS caps requests per second per client; 0 disables.
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"`
}

// DatabaseConfig selects the storage backend. A postgres DSN wins over the
// sqlite path; the DSN is env-only (AGENCYD_POSTGRES_DSN).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// DSN returns the effective connection string for store.Open.
func (d DatabaseConfig) DSN() string {
	if d.PostgresDSN != "" {
		return d.PostgresDSN
	}
	return d.SQLitePath
}

// ProviderConfig configures the model provider (OpenAI-compatible API).
type ProviderConfig struct {
	Name    string `json:"name,omitempty"`
	APIKey  string `json:"-"` // env only: AGENCYD_API_KEY
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         18600,
			RateLimitRPS: 50,
		},
		Database: DatabaseConfig{
			SQLitePath: "agencyd.db",
		},
		Provider: ProviderConfig{
			Name:    "openai",
			APIBase: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENCYD_HOST", &c.Server.Host)
	if v := os.Getenv("AGENCYD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	envStr("AGENCYD_SECRET", &c.Server.Secret)
	if v := os.Getenv("AGENCYD_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.RateLimitRPS = rps
		}
	}

	envStr("AGENCYD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENCYD_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("AGENCYD_PROVIDER", &c.Provider.Name)
	envStr("AGENCYD_API_KEY", &c.Provider.APIKey)
	envStr("AGENCYD_API_BASE", &c.Provider.APIBase)
	envStr("AGENCYD_MODEL", &c.Provider.Model)

	if v := os.Getenv("AGENCYD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "1" || v == "true"
	}
	envStr("AGENCYD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENCYD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("AGENCYD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "1" || v == "true"
	}
}

// Fingerprint hashes the non-secret view of the config; the watcher uses it
// to suppress reloads that change nothing.
func (c *Config) Fingerprint() string {
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
