// Package config handles catnap configuration from a YAML file with
// CATNAP_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level catnap configuration.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Poll     PollConfig     `yaml:"poll"`
	Ops      OpsConfig      `yaml:"ops"`
	Logs     LogsConfig     `yaml:"logs"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// UpstreamConfig points at the third-party catalog site.
type UpstreamConfig struct {
	CartURL string `yaml:"cart_url"`
}

// AuthConfig names the trusted reverse-proxy header carrying the user id.
// Empty means unauthenticated access is rejected on user-scoped routes.
type AuthConfig struct {
	UserHeader string `yaml:"user_header"`
}

// PollConfig holds per-user polling defaults.
type PollConfig struct {
	IntervalMinutes int     `yaml:"interval_minutes"`
	JitterPct       float64 `yaml:"jitter_pct"`
}

// OpsConfig controls the task dispatcher and event log.
type OpsConfig struct {
	Workers        int `yaml:"workers"`
	RetentionDays  int `yaml:"retention_days"`
	ReplayWindowS  int `yaml:"replay_window_seconds"`
	ManualCooldown int `yaml:"manual_refresh_cooldown_seconds"`
}

// LogsConfig controls application log retention.
type LogsConfig struct {
	RetentionDays int `yaml:"retention_days"`
	MaxRows       int `yaml:"max_rows"`
}

// TelegramConfig sets the Bot API base URL; overridable so tests can
// point at a local stub.
type TelegramConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
}

// Load reads a YAML configuration file, applies CATNAP_* environment
// overrides, then defaults. An empty path skips the file and uses only
// environment and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.BindAddr, "CATNAP_BIND_ADDR")
	setStr(&c.DBPath, "CATNAP_DB_PATH")
	setStr(&c.Upstream.CartURL, "CATNAP_UPSTREAM_CART_URL")
	setStr(&c.Auth.UserHeader, "CATNAP_AUTH_USER_HEADER")
	setStr(&c.Telegram.APIBaseURL, "CATNAP_TELEGRAM_API_BASE_URL")
	setInt(&c.Poll.IntervalMinutes, "CATNAP_DEFAULT_POLL_INTERVAL_MINUTES")
	setFloat(&c.Poll.JitterPct, "CATNAP_DEFAULT_POLL_JITTER_PCT")
	setInt(&c.Ops.Workers, "CATNAP_OPS_WORKERS")
	setInt(&c.Logs.RetentionDays, "CATNAP_LOG_RETENTION_DAYS")
	setInt(&c.Logs.MaxRows, "CATNAP_LOG_RETENTION_MAX_ROWS")
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:18080"
	}
	if c.DBPath == "" {
		c.DBPath = "catnap.db"
	}
	if c.Upstream.CartURL == "" {
		c.Upstream.CartURL = "https://lazycats.vip/cart"
	}
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Poll.IntervalMinutes < 1 {
		c.Poll.IntervalMinutes = 1
	}
	if c.Poll.JitterPct < 0 || c.Poll.JitterPct > 1 {
		c.Poll.JitterPct = 0.1
	}
	if c.Poll.JitterPct == 0 {
		c.Poll.JitterPct = 0.1
	}
	if c.Ops.Workers <= 0 {
		c.Ops.Workers = 2
	}
	if c.Ops.RetentionDays <= 0 {
		c.Ops.RetentionDays = 7
	}
	if c.Ops.ReplayWindowS <= 0 {
		c.Ops.ReplayWindowS = 900
	}
	if c.Ops.ManualCooldown <= 0 {
		c.Ops.ManualCooldown = 30
	}
	if c.Logs.RetentionDays <= 0 {
		c.Logs.RetentionDays = 7
	}
	if c.Logs.MaxRows <= 0 {
		c.Logs.MaxRows = 10_000
	}
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
