package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-ink/jwks-cache/internal/jwkscache"
)

const sampleConfigYAML = `
server:
  addr: ":9090"
  read_timeout: 5s

log:
  level: debug
  format: text

persistence:
  backend: redis
  redis:
    addr: "redis.internal:6379"

defaults:
  min_ttl: 45s
  max_retries: 7
  jitter_strategy: decorrelated

registrations:
  - tenant_id: acme
    provider_id: okta
    jwks_url: "https://acme.okta.com/oauth2/v1/keys"
    require_https: true
    min_ttl: 30s
    max_ttl: 1h
    refresh_early: 1m
    max_response_bytes: 1048576
    max_redirects: 3
    max_retries: 4
    attempt_timeout: 5s
    initial_backoff: 200ms
    max_backoff: 30s
    deadline: 20s
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Persistence.Backend)
	assert.Equal(t, 30*time.Second, cfg.Defaults.MinTTL)
	assert.Equal(t, "full", cfg.Defaults.JitterStrategy)
	assert.Empty(t, cfg.Registrations)
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
}

func TestLoadMalformedConfigFileReturnsError(t *testing.T) {
	path := writeTempConfig(t, "server: [this is not a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadParsesFileOverridingDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleConfigYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "redis", cfg.Persistence.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Persistence.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Defaults.MinTTL)
	assert.Equal(t, 7, cfg.Defaults.MaxRetries)
	assert.Equal(t, "decorrelated", cfg.Defaults.JitterStrategy)

	require.Len(t, cfg.Registrations, 1)
	assert.Equal(t, "acme", cfg.Registrations[0].TenantID)
	assert.Equal(t, "okta", cfg.Registrations[0].ProviderID)
	assert.True(t, cfg.Registrations[0].RequireHTTPS)
}

func TestLoadEnvironmentOverridesConfigFile(t *testing.T) {
	path := writeTempConfig(t, sampleConfigYAML)
	t.Setenv("JWKSCACHED_SERVER_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestDefaultsConfigToDefaultsConverts(t *testing.T) {
	d := DefaultsConfig{
		RequireHTTPS:     true,
		AllowedDomains:   []string{"okta.com"},
		MinTTL:           30 * time.Second,
		MaxTTL:           time.Hour,
		MaxResponseBytes: 2048,
		MaxRetries:       3,
		JitterStrategy:   "full",
	}
	converted := d.ToDefaults()
	assert.Equal(t, jwkscache.Defaults{
		RequireHTTPS:     true,
		AllowedDomains:   []string{"okta.com"},
		MinTTL:           30 * time.Second,
		MaxTTL:           time.Hour,
		MaxResponseBytes: 2048,
		MaxRetries:       3,
		JitterStrategy:   jwkscache.JitterFull,
	}, converted)
}

func TestRegistrationConfigToRegistrationConverts(t *testing.T) {
	r := RegistrationConfig{
		TenantID:       "acme",
		ProviderID:     "okta",
		JWKSURL:        "https://acme.okta.com/keys",
		RequireHTTPS:   true,
		MinTTL:         30 * time.Second,
		JitterStrategy: "none",
	}
	converted := r.ToRegistration()
	assert.Equal(t, "acme", converted.TenantID)
	assert.Equal(t, "okta", converted.ProviderID)
	assert.Equal(t, "https://acme.okta.com/keys", converted.JWKSURL)
	assert.True(t, converted.RequireHTTPS)
	assert.Equal(t, jwkscache.JitterNone, converted.JitterStrategy)
}

func TestConfigValidateRejectsEmptyAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Addr: ""}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsUnknownPersistenceBackend(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Addr: ":8443"}, Persistence: PersistenceConfig{Backend: "memcached"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateAcceptsEmptyPersistenceBackendAsNone(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Addr: ":8443"}, Persistence: PersistenceConfig{Backend: ""}}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsDuplicateRegistrations(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8443"},
		Registrations: []RegistrationConfig{
			{TenantID: "acme", ProviderID: "okta"},
			{TenantID: "acme", ProviderID: "okta"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateAllowsDistinctRegistrations(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8443"},
		Registrations: []RegistrationConfig{
			{TenantID: "acme", ProviderID: "okta"},
			{TenantID: "acme", ProviderID: "auth0"},
		},
	}
	require.NoError(t, cfg.Validate())
}
