// Package config loads server configuration from flags, FORGE_* environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FORGE_DATABASE_DSN.
const EnvPrefix = "FORGE"

type Config struct {
	HTTPAddr       string
	BaseURL        string
	Secret         string
	InternalSecret string

	Database DatabaseConfig
	Entra    EntraConfig
	Log      LogConfig
	NATS     NATSConfig

	SessionTTL        time.Duration
	SuperadminDomains []string

	AuthzMode string
	// AuthzUnsafeAllowDisabled must be set before AuthzMode may be "disabled".
	AuthzUnsafeAllowDisabled bool

	MetricsEnabled   bool
	SchedulerEnabled bool
	SyncInterval     time.Duration
	LoginRateLimit   float64
	LoginBurst       int
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type EntraConfig struct {
	ClientID     string
	ClientSecret string
}

type LogConfig struct {
	Format string
	Level  string
}

type NATSConfig struct {
	URL     string
	Subject string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "forge.db")
	v.SetDefault("session.ttl", 30*24*time.Hour)
	v.SetDefault("superadmin_domains", []string{})
	v.SetDefault("authz.mode", "enforce")
	v.SetDefault("authz.unsafe_allow_disabled", false)
	v.SetDefault("log.format", "console")
	v.SetDefault("log.level", "info")
	v.SetDefault("nats.subject", "forge.deploys")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("sync.interval", 6*time.Hour)
	v.SetDefault("login.rate", 0.2)
	v.SetDefault("login.burst", 5)
	return v
}

// LoadDotEnv loads variables from the given files (default ".env") into the
// process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration out of v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:       v.GetString("http.addr"),
		BaseURL:        strings.TrimRight(v.GetString("base_url"), "/"),
		Secret:         v.GetString("secret"),
		InternalSecret: v.GetString("internal_secret"),
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Entra: EntraConfig{
			ClientID:     v.GetString("entra.client_id"),
			ClientSecret: v.GetString("entra.client_secret"),
		},
		Log: LogConfig{
			Format: v.GetString("log.format"),
			Level:  v.GetString("log.level"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		SessionTTL:               v.GetDuration("session.ttl"),
		SuperadminDomains:        splitList(v.GetStringSlice("superadmin_domains")),
		AuthzMode:                v.GetString("authz.mode"),
		AuthzUnsafeAllowDisabled: v.GetBool("authz.unsafe_allow_disabled"),
		MetricsEnabled:           v.GetBool("metrics.enabled"),
		SchedulerEnabled:         v.GetBool("scheduler.enabled"),
		SyncInterval:             v.GetDuration("sync.interval"),
		LoginRateLimit:           v.GetFloat64("login.rate"),
		LoginBurst:               v.GetInt("login.burst"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no safe default.
func (c *Config) Validate() error {
	if len(c.Secret) < 32 {
		return errors.New("config: secret must be at least 32 characters (FORGE_SECRET)")
	}
	if c.InternalSecret == "" {
		return errors.New("config: internal secret is required (FORGE_INTERNAL_SECRET)")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("config: invalid base url %q: %w", c.BaseURL, err)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: session ttl must be positive")
	}
	if strings.EqualFold(strings.TrimSpace(c.AuthzMode), "disabled") && !c.AuthzUnsafeAllowDisabled {
		return errors.New("config: authz mode disabled requires FORGE_AUTHZ_UNSAFE_ALLOW_DISABLED=1")
	}
	return nil
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// IsLocal reports whether the server is running on a developer machine.
func (c *Config) IsLocal() bool {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// splitList accepts both repeated values and a single comma separated value,
// since environment variables can only carry the latter.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
