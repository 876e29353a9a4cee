package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/providers/imap"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

// Config holds the service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Frontend FrontendConfig `mapstructure:"frontend"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Gmail    GmailConfig    `mapstructure:"gmail"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit is requests per second per client IP on /api, 0 disables it
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type FrontendConfig struct {
	// URL is a comma-separated list of dashboard origins
	URL string `mapstructure:"url"`
}

// Origins splits the configured dashboard origins
func (f FrontendConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(f.URL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type WebhookConfig struct {
	ClientState    string `mapstructure:"client_state"`
	BaseURL        string `mapstructure:"base_url"`
	ValidateTokens bool   `mapstructure:"validate_tokens"`
	AppID          string `mapstructure:"app_id"`
	JWKSURL        string `mapstructure:"jwks_url"`
}

type DatabaseConfig struct {
	// URL is a postgres:// connection string or a SQLite file path
	URL string `mapstructure:"url"`
}

// IsPostgres reports whether URL points at PostgreSQL
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SyncConfig struct {
	// Schedule is a cron expression for the fallback poll, empty disables it
	Schedule    string `mapstructure:"schedule"`
	Concurrency int    `mapstructure:"concurrency"`
}

type RealtimeConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type GraphConfig struct {
	TenantID     string  `mapstructure:"tenant_id"`
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	Folder       string  `mapstructure:"folder"`
}

// Enabled reports whether app-only Graph credentials are configured
func (g GraphConfig) Enabled() bool {
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != ""
}

type GmailConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type IMAPConfig struct {
	Accounts []imap.Account `mapstructure:"accounts"`
}

type ArchiveConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// SetDefaults registers every key so AutomaticEnv can resolve it
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("frontend.url", "http://localhost:5173")
	v.SetDefault("webhook.client_state", "")
	v.SetDefault("webhook.base_url", "")
	v.SetDefault("webhook.validate_tokens", false)
	v.SetDefault("webhook.app_id", "")
	v.SetDefault("webhook.jwks_url", "https://login.microsoftonline.com/common/discovery/v2.0/keys")
	v.SetDefault("database.url", "mailsync.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sync.schedule", "")
	v.SetDefault("sync.concurrency", mailsync.DefaultConcurrency)
	v.SetDefault("realtime.buffer", 64)
	v.SetDefault("graph.tenant_id", "")
	v.SetDefault("graph.client_id", "")
	v.SetDefault("graph.client_secret", "")
	v.SetDefault("graph.rate_limit", 4.0)
	v.SetDefault("graph.folder", "inbox")
	v.SetDefault("gmail.credentials_file", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
}

// Load reads the configuration out of v and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", models.ErrValidation)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required", models.ErrValidation)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", models.ErrValidation, c.Log.Format)
	}
	if c.Sync.Schedule != "" {
		if err := mailsync.ValidateSchedule(c.Sync.Schedule); err != nil {
			return fmt.Errorf("%w: sync.schedule: %v", models.ErrValidation, err)
		}
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("%w: sync.concurrency must be at least 1", models.ErrValidation)
	}
	if c.Webhook.ValidateTokens && c.Webhook.AppID == "" {
		return fmt.Errorf("%w: webhook.app_id is required when webhook.validate_tokens is set", models.ErrValidation)
	}
	for i, a := range c.IMAP.Accounts {
		if a.Address == "" || a.Host == "" {
			return fmt.Errorf("%w: imap.accounts[%d] needs address and host", models.ErrValidation, i)
		}
	}
	return nil
}
