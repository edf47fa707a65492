// Package config loads jwkscached's configuration from a YAML file plus
// JWKSCACHED_* environment overrides via viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hack-ink/jwks-cache/internal/jwkscache"
)

// Config is the top-level configuration for jwkscached.
type Config struct {
	Server        ServerConfig           `mapstructure:"server"`
	Log           LogConfig              `mapstructure:"log"`
	Metrics       MetricsConfig          `mapstructure:"metrics"`
	Persistence   PersistenceConfig      `mapstructure:"persistence"`
	Defaults      DefaultsConfig         `mapstructure:"defaults"`
	Registrations []RegistrationConfig   `mapstructure:"registrations"`
}

// ServerConfig holds the admin/resolve HTTP server's listen configuration.
type ServerConfig struct {
	Addr                    string        `mapstructure:"addr"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// LogConfig holds structured logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the metrics section of the configuration. The serve
// command does not read it: /metrics is always exposed, at that fixed path.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PersistenceConfig selects and configures the persistence backend.
type PersistenceConfig struct {
	Backend string      `mapstructure:"backend"` // "redis" or "none"
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings for persistence.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Namespace string        `mapstructure:"namespace"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultsConfig mirrors jwkscache.Defaults for YAML/env binding.
type DefaultsConfig struct {
	RequireHTTPS     bool          `mapstructure:"require_https"`
	AllowedDomains   []string      `mapstructure:"allowed_domains"`
	MinTTL           time.Duration `mapstructure:"min_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	RefreshEarly     time.Duration `mapstructure:"refresh_early"`
	StaleWhileError  time.Duration `mapstructure:"stale_while_error"`
	PrefetchJitter   time.Duration `mapstructure:"prefetch_jitter"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	MaxRedirects     int           `mapstructure:"max_redirects"`
	MaxRetries       int           `mapstructure:"max_retries"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	Deadline         time.Duration `mapstructure:"deadline"`
	JitterStrategy   string        `mapstructure:"jitter_strategy"`
}

// ToDefaults converts the YAML-bound defaults into jwkscache.Defaults.
func (d DefaultsConfig) ToDefaults() jwkscache.Defaults {
	return jwkscache.Defaults{
		RequireHTTPS:     d.RequireHTTPS,
		AllowedDomains:   d.AllowedDomains,
		MinTTL:           d.MinTTL,
		MaxTTL:           d.MaxTTL,
		RefreshEarly:     d.RefreshEarly,
		StaleWhileError:  d.StaleWhileError,
		PrefetchJitter:   d.PrefetchJitter,
		MaxResponseBytes: d.MaxResponseBytes,
		MaxRedirects:     d.MaxRedirects,
		MaxRetries:       d.MaxRetries,
		AttemptTimeout:   d.AttemptTimeout,
		InitialBackoff:   d.InitialBackoff,
		MaxBackoff:       d.MaxBackoff,
		Deadline:         d.Deadline,
		JitterStrategy:   jwkscache.JitterStrategy(d.JitterStrategy),
	}
}

// RegistrationConfig mirrors jwkscache.Registration for YAML/env binding.
type RegistrationConfig struct {
	TenantID         string        `mapstructure:"tenant_id"`
	ProviderID       string        `mapstructure:"provider_id"`
	Namespace        string        `mapstructure:"namespace"`
	JWKSURL          string        `mapstructure:"jwks_url"`
	RequireHTTPS     bool          `mapstructure:"require_https"`
	AllowedDomains   []string      `mapstructure:"allowed_domains"`
	MinTTL           time.Duration `mapstructure:"min_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	RefreshEarly     time.Duration `mapstructure:"refresh_early"`
	StaleWhileError  time.Duration `mapstructure:"stale_while_error"`
	PrefetchJitter   time.Duration `mapstructure:"prefetch_jitter"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	MaxRedirects     int           `mapstructure:"max_redirects"`
	MaxRetries       int           `mapstructure:"max_retries"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	Deadline         time.Duration `mapstructure:"deadline"`
	JitterStrategy   string        `mapstructure:"jitter_strategy"`
}

// ToRegistration converts the YAML-bound registration into jwkscache.Registration.
func (r RegistrationConfig) ToRegistration() jwkscache.Registration {
	return jwkscache.Registration{
		TenantID:         r.TenantID,
		ProviderID:       r.ProviderID,
		Namespace:        r.Namespace,
		JWKSURL:          r.JWKSURL,
		RequireHTTPS:     r.RequireHTTPS,
		AllowedDomains:   r.AllowedDomains,
		MinTTL:           r.MinTTL,
		MaxTTL:           r.MaxTTL,
		RefreshEarly:     r.RefreshEarly,
		StaleWhileError:  r.StaleWhileError,
		PrefetchJitter:   r.PrefetchJitter,
		MaxResponseBytes: r.MaxResponseBytes,
		MaxRedirects:     r.MaxRedirects,
		MaxRetries:       r.MaxRetries,
		AttemptTimeout:   r.AttemptTimeout,
		InitialBackoff:   r.InitialBackoff,
		MaxBackoff:       r.MaxBackoff,
		Deadline:         r.Deadline,
		JitterStrategy:   jwkscache.JitterStrategy(r.JitterStrategy),
	}
}

// Load reads configPath (if non-empty) into viper, applies JWKSCACHED_*
// environment overrides, and unmarshals the result. A missing config file is
// not an error: defaults and environment variables still apply.
func Load(configPath string) (*Config, error) {
	setDefaults()

	v := viper.New()
	v.SetEnvPrefix("JWKSCACHED")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	applyViperDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {}

func applyViperDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("persistence.backend", "none")
	v.SetDefault("persistence.redis.addr", "localhost:6379")
	v.SetDefault("persistence.redis.db", 0)
	v.SetDefault("persistence.redis.namespace", "jwks")
	v.SetDefault("persistence.redis.dial_timeout", "5s")

	v.SetDefault("defaults.min_ttl", "30s")
	v.SetDefault("defaults.max_ttl", "24h")
	v.SetDefault("defaults.refresh_early", "60s")
	v.SetDefault("defaults.stale_while_error", "2m")
	v.SetDefault("defaults.prefetch_jitter", "10s")
	v.SetDefault("defaults.max_response_bytes", 1<<20)
	v.SetDefault("defaults.max_redirects", 3)
	v.SetDefault("defaults.max_retries", 4)
	v.SetDefault("defaults.attempt_timeout", "5s")
	v.SetDefault("defaults.initial_backoff", "200ms")
	v.SetDefault("defaults.max_backoff", "30s")
	v.SetDefault("defaults.deadline", "20s")
	v.SetDefault("defaults.jitter_strategy", "full")
}

// Validate applies the handful of checks that make sense before any
// registration-level validation runs (which jwkscache.Registration.Validate
// handles per-entry once the server constructs the registry).
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Persistence.Backend {
	case "redis", "none", "":
	default:
		return fmt.Errorf("persistence.backend must be \"redis\" or \"none\", got %q", c.Persistence.Backend)
	}
	seen := make(map[string]bool, len(c.Registrations))
	for _, r := range c.Registrations {
		key := r.TenantID + "/" + r.ProviderID
		if seen[key] {
			return fmt.Errorf("duplicate registration for tenant=%q provider=%q", r.TenantID, r.ProviderID)
		}
		seen[key] = true
	}
	return nil
}
