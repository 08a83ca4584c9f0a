package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runner        RunnerConfig        `toml:"runner"`
	Bus           BusConfig           `toml:"bus"`
	Review        ReviewConfig        `toml:"review"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath      string `toml:"database_path"`
	LedgerDir         string `toml:"ledger_dir"`
	MaxRounds         int    `toml:"max_rounds"`
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
	LogLevel          string `toml:"log_level"`
}

// RunnerConfig holds dispatch and callback settings
type RunnerConfig struct {
	Command         string `toml:"command"`
	CallbackBaseURL string `toml:"callback_base_url"`
	CACertPath      string `toml:"ca_cert_path"`
	DispatchTimeout string `toml:"dispatch_timeout"`
	RetryLimit      int    `toml:"retry_limit"`
	PollInterval    string `toml:"poll_interval"`
	Embedded        bool   `toml:"embedded"`
}

// BusConfig holds event bus settings
type BusConfig struct {
	Backend       string `toml:"backend"` // "memory", "nats", "redis"
	Address       string `toml:"address"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ReviewConfig holds pull request review settings
type ReviewConfig struct {
	RepoDir      string `toml:"repo_dir"`
	TargetBranch string `toml:"target_branch"`
	RetryLimit   int    `toml:"retry_limit"`
}

// MaintenanceConfig holds housekeeping settings
type MaintenanceConfig struct {
	PruneCron string `toml:"prune_cron"`
	Retention int    `toml:"retention"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	TLSCertPath string `toml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:      filepath.Join(home, ".run-orch", "orchestrator.db"),
			LedgerDir:         filepath.Join(home, ".run-orch", "ledgers"),
			MaxRounds:         3,
			MaxConcurrentRuns: 3,
			LogLevel:          "info",
		},
		Runner: RunnerConfig{
			Command:         "",
			CallbackBaseURL: "http://127.0.0.1:8080",
			DispatchTimeout: "30m",
			RetryLimit:      3,
			PollInterval:    "2s",
			Embedded:        true,
		},
		Bus: BusConfig{
			Backend:       "memory",
			SubjectPrefix: "orch",
		},
		Review: ReviewConfig{
			TargetBranch: "main",
			RetryLimit:   3,
		},
		Maintenance: MaintenanceConfig{
			PruneCron: "12 0 * * *",
			Retention: 1000,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(cfg)

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LedgerDir = ExpandPath(cfg.General.LedgerDir)
	cfg.Runner.CACertPath = ExpandPath(cfg.Runner.CACertPath)
	cfg.Review.RepoDir = ExpandPath(cfg.Review.RepoDir)
	cfg.Web.TLSCertPath = ExpandPath(cfg.Web.TLSCertPath)
	cfg.Web.TLSKeyPath = ExpandPath(cfg.Web.TLSKeyPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with ORCH_* environment variables.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("ORCH_DATABASE_PATH", &cfg.General.DatabasePath)
	setStr("ORCH_LEDGER_DIR", &cfg.General.LedgerDir)
	setInt("ORCH_MAX_ROUNDS", &cfg.General.MaxRounds)
	setInt("ORCH_MAX_CONCURRENT_RUNS", &cfg.General.MaxConcurrentRuns)
	setStr("ORCH_LOG_LEVEL", &cfg.General.LogLevel)

	setStr("ORCH_RUNNER_COMMAND", &cfg.Runner.Command)
	setStr("ORCH_CALLBACK_BASE_URL", &cfg.Runner.CallbackBaseURL)
	setStr("ORCH_CA_CERT_PATH", &cfg.Runner.CACertPath)
	setStr("ORCH_DISPATCH_TIMEOUT", &cfg.Runner.DispatchTimeout)
	setInt("ORCH_RETRY_LIMIT", &cfg.Runner.RetryLimit)
	setBool("ORCH_RUNNER_EMBEDDED", &cfg.Runner.Embedded)

	setStr("ORCH_BUS_BACKEND", &cfg.Bus.Backend)
	setStr("ORCH_BUS_ADDRESS", &cfg.Bus.Address)

	setStr("ORCH_REVIEW_REPO_DIR", &cfg.Review.RepoDir)
	setStr("ORCH_REVIEW_TARGET_BRANCH", &cfg.Review.TargetBranch)

	setStr("ORCH_PRUNE_CRON", &cfg.Maintenance.PruneCron)
	setInt("ORCH_RETENTION", &cfg.Maintenance.Retention)

	setStr("ORCH_SLACK_WEBHOOK", &cfg.Notifications.SlackWebhook)
	setBool("ORCH_DESKTOP_NOTIFY", &cfg.Notifications.Desktop)

	setStr("ORCH_WEB_HOST", &cfg.Web.Host)
	setInt("ORCH_WEB_PORT", &cfg.Web.Port)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.General.MaxRounds < 1 {
		return fmt.Errorf("general.max_rounds must be at least 1, got %d", c.General.MaxRounds)
	}
	if c.General.MaxConcurrentRuns < 1 {
		return fmt.Errorf("general.max_concurrent_runs must be at least 1, got %d", c.General.MaxConcurrentRuns)
	}
	if c.Runner.RetryLimit < 1 {
		return fmt.Errorf("runner.retry_limit must be at least 1, got %d", c.Runner.RetryLimit)
	}
	if _, err := time.ParseDuration(c.Runner.DispatchTimeout); err != nil {
		return fmt.Errorf("runner.dispatch_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Runner.PollInterval); err != nil {
		return fmt.Errorf("runner.poll_interval: %w", err)
	}
	switch c.Bus.Backend {
	case "", "memory", "nats", "redis":
	default:
		return fmt.Errorf("bus.backend must be memory, nats or redis, got %q", c.Bus.Backend)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	if (c.Web.TLSCertPath == "") != (c.Web.TLSKeyPath == "") {
		return fmt.Errorf("web.tls_cert_path and web.tls_key_path must be set together")
	}
	return nil
}

// DispatchTimeout returns the parsed dispatch timeout. Call Validate first.
func (c *Config) DispatchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Runner.DispatchTimeout)
	return d
}

// PollInterval returns the parsed scheduler poll interval. Call Validate first.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Runner.PollInterval)
	return d
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "run-orch", "config.toml")
}
