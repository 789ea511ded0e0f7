package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/logging"
	"github.com/tillcloud/reconciler/internal/infra/provider"
)

// Environment variables that override the file. Secrets are only read from
// the environment (or a .env file), never from config.toml.
const (
	EnvHome           = "RECONCILER_HOME"
	EnvWebhookSecret  = "RECONCILER_WEBHOOK_SECRET"
	EnvAdminToken     = "RECONCILER_ADMIN_TOKEN"
	EnvProviderAPIKey = "RECONCILER_PROVIDER_API_KEY"
	EnvDatabaseDSN    = "RECONCILER_DATABASE_DSN"
	EnvDatabaseDriver = "RECONCILER_DATABASE_DRIVER"
	EnvAddr           = "RECONCILER_ADDR"
	EnvLogLevel       = "RECONCILER_LOG_LEVEL"
)

// Config is the full daemon configuration, loaded from config.toml.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Database DatabaseConfig  `toml:"database"`
	Webhook  WebhookConfig   `toml:"webhook"`
	Founding FoundingConfig  `toml:"founding"`
	Outbox   OutboxConfig    `toml:"outbox"`
	Provider provider.Config `toml:"provider"`
	Log      logging.Config  `toml:"log"`

	// Secrets, populated from the environment only.
	WebhookSecret string `toml:"-"`
	AdminToken    string `toml:"-"`
}

type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
	Metrics        bool   `toml:"metrics"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite or postgres
	Dir    string `toml:"dir"`    // sqlite data directory; defaults to $RECONCILER_HOME/data
	DSN    string `toml:"-"`
}

type WebhookConfig struct {
	SignatureHeader string `toml:"signature_header"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	Tolerance       string `toml:"tolerance"`
	JournalSize     int    `toml:"journal_size"`
}

type FoundingConfig struct {
	Limit int `toml:"limit"`
}

type OutboxConfig struct {
	Workers       int    `toml:"workers"`
	BatchSize     int    `toml:"batch_size"`
	PollInterval  string `toml:"poll_interval"`
	MaxAttempts   int    `toml:"max_attempts"`
	BaseBackoff   string `toml:"base_backoff"`
	MaxBackoff    string `toml:"max_backoff"`
	EmailInterval string `toml:"email_interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: "30s",
			Metrics:        true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Webhook: WebhookConfig{
			SignatureHeader: "Stripe-Signature",
			MaxBodyBytes:    1 << 20,
			Tolerance:       "5m",
			JournalSize:     1000,
		},
		Founding: FoundingConfig{
			Limit: domain.FoundingMemberLimit,
		},
		Outbox: OutboxConfig{
			Workers:       4,
			BatchSize:     32,
			PollInterval:  "2s",
			MaxAttempts:   8,
			BaseBackoff:   "5s",
			MaxBackoff:    "10m",
			EmailInterval: "10s",
		},
		Provider: provider.DefaultConfig(),
		Log:      logging.DefaultConfig(),
	}
}

// Home returns the reconciler home directory: $RECONCILER_HOME or
// ~/.reconciler.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reconciler"
	}
	return filepath.Join(home, ".reconciler")
}

// LoadConfig reads path (or $RECONCILER_HOME/config.toml when empty) over
// the defaults, loads .env files, and applies environment overrides. A
// missing config file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	home := Home()

	// .env in the working directory, then the home directory; neither
	// overrides variables already set.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(home, ".env"))

	if path == "" {
		path = filepath.Join(home, "config.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(&cfg)
	if cfg.Database.Dir == "" {
		cfg.Database.Dir = filepath.Join(home, "data")
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.WebhookSecret = strings.TrimSpace(os.Getenv(EnvWebhookSecret))
	cfg.AdminToken = strings.TrimSpace(os.Getenv(EnvAdminToken))
	cfg.Provider.APIKey = strings.TrimSpace(os.Getenv(EnvProviderAPIKey))
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvDatabaseDriver); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		host, port, ok := strings.Cut(v, ":")
		if ok {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = n
			}
			if host != "" {
				cfg.Server.Host = host
			}
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.driver postgres requires %s", EnvDatabaseDSN)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Founding.Limit < 0 {
		return fmt.Errorf("founding.limit %d is negative", c.Founding.Limit)
	}
	for name, v := range map[string]string{
		"server.request_timeout": c.Server.RequestTimeout,
		"webhook.tolerance":      c.Webhook.Tolerance,
		"outbox.poll_interval":   c.Outbox.PollInterval,
		"outbox.base_backoff":    c.Outbox.BaseBackoff,
		"outbox.max_backoff":     c.Outbox.MaxBackoff,
		"outbox.email_interval":  c.Outbox.EmailInterval,
	} {
		if _, err := parseDuration(v, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// parseDuration parses a config duration; empty means def.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// mustDuration is parseDuration for values Validate already accepted.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := parseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
