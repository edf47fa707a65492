package jwkscache

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// JitterStrategy selects how RetryExecutor.NextBackoff randomizes the
// computed backoff.
type JitterStrategy string

const (
	JitterNone          JitterStrategy = "none"
	JitterFull          JitterStrategy = "full"
	JitterDecorrelated  JitterStrategy = "decorrelated"
)

var (
	tenantIDPattern   = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	providerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Registration is the immutable-after-registration configuration record
// identifying one origin keyset.
type Registration struct {
	TenantID   string `mapstructure:"tenant_id" validate:"required,max=64"`
	ProviderID string `mapstructure:"provider_id" validate:"required,max=64"`

	// Namespace scopes the persistence blob key; it plays no part in identity
	// or lookup.
	Namespace string `mapstructure:"namespace"`

	JWKSURL string `mapstructure:"jwks_url" validate:"required,url"`

	RequireHTTPS   bool     `mapstructure:"require_https"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	PinnedSPKI     [][32]byte

	MinTTL           time.Duration `mapstructure:"min_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	RefreshEarly     time.Duration `mapstructure:"refresh_early"`
	StaleWhileError  time.Duration `mapstructure:"stale_while_error"`
	PrefetchJitter   time.Duration `mapstructure:"prefetch_jitter"`

	MaxResponseBytes int64 `mapstructure:"max_response_bytes"`
	MaxRedirects     int   `mapstructure:"max_redirects"`

	MaxRetries      int            `mapstructure:"max_retries"`
	AttemptTimeout  time.Duration  `mapstructure:"attempt_timeout"`
	InitialBackoff  time.Duration  `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration  `mapstructure:"max_backoff"`
	Deadline        time.Duration  `mapstructure:"deadline"`
	JitterStrategy  JitterStrategy `mapstructure:"jitter_strategy"`
}

// Key returns the registry's lookup key for this registration.
func (r Registration) Key() ProviderKey {
	return ProviderKey{Tenant: r.TenantID, Provider: r.ProviderID}
}

// ProviderKey is the registry's map key.
type ProviderKey struct {
	Tenant   string
	Provider string
}

func (k ProviderKey) String() string { return k.Tenant + "/" + k.Provider }

var structValidator = validator.New()

// Validate enforces every fatal-at-registration rule for this provider. It
// combines go-playground/validator/v10 struct-tag checks (string shape,
// required fields, URL syntax) with hand-written cross-field checks the tag
// language cannot express (TTL ordering, retry-policy invariants).
func (r Registration) Validate(registryRequireHTTPS bool, allowlist []string) error {
	if err := structValidator.Struct(r); err != nil {
		return errValidation("registration", err.Error())
	}

	if !tenantIDPattern.MatchString(r.TenantID) {
		return errValidation("tenant_id", "must match [A-Za-z0-9-]{1,64}")
	}
	if !providerIDPattern.MatchString(r.ProviderID) {
		return errValidation("provider_id", "must match [A-Za-z0-9_-]{1,64}, underscores allowed")
	}

	u, err := url.Parse(r.JWKSURL)
	if err != nil || u.Host == "" {
		return errValidation("jwks_url", "must be an absolute URL with a host")
	}

	effectiveRequireHTTPS := r.RequireHTTPS || registryRequireHTTPS
	if effectiveRequireHTTPS && !strings.EqualFold(u.Scheme, "https") {
		return errValidation("jwks_url", "scheme must be https when require_https is set")
	}
	if registryRequireHTTPS && !r.RequireHTTPS {
		return errValidation("require_https", "registry requires https; registration must too")
	}

	host := canonicalHost(u.Hostname())
	domains := r.AllowedDomains
	if len(domains) == 0 {
		domains = allowlist
	}
	if len(domains) > 0 && !hostAllowed(host, domains) {
		return errSecurity(fmt.Sprintf("host %q is not in the allowed domain list", host))
	}

	if r.MinTTL < 30*time.Second {
		return errValidation("min_ttl", "must be >= 30s")
	}
	if r.MaxTTL < r.MinTTL {
		return errValidation("max_ttl", "must be >= min_ttl")
	}
	if r.RefreshEarly < time.Second {
		return errValidation("refresh_early", "must be >= 1s")
	}
	if r.RefreshEarly >= r.MaxTTL {
		return errValidation("refresh_early", "must be < max_ttl")
	}
	if r.MaxResponseBytes <= 0 {
		return errValidation("max_response_bytes", "must be > 0")
	}
	if r.MaxRedirects > 10 {
		return errValidation("max_redirects", "must be <= 10")
	}
	if r.AttemptTimeout < 100*time.Millisecond {
		return errValidation("attempt_timeout", "must be >= 100ms")
	}
	if r.InitialBackoff <= 0 {
		return errValidation("initial_backoff", "must be > 0")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return errValidation("max_backoff", "must be >= initial_backoff")
	}
	if r.Deadline < r.AttemptTimeout {
		return errValidation("deadline", "must be >= attempt_timeout")
	}
	switch r.JitterStrategy {
	case JitterNone, JitterFull, JitterDecorrelated, "":
	default:
		return errValidation("jitter_strategy", "must be one of none, full, decorrelated")
	}

	return nil
}

// WithDefaults fills sentinel-zero fields from a set of registry-wide
// defaults: a registration that leaves a field at its zero value inherits
// the registry's default for it.
func (r Registration) WithDefaults(d Defaults) Registration {
	if r.Namespace == "" {
		r.Namespace = "jwks"
	}
	if len(r.AllowedDomains) == 0 {
		r.AllowedDomains = d.AllowedDomains
	}
	if r.MinTTL == 0 {
		r.MinTTL = d.MinTTL
	}
	if r.MaxTTL == 0 {
		r.MaxTTL = d.MaxTTL
	}
	if r.RefreshEarly == 0 {
		r.RefreshEarly = d.RefreshEarly
	}
	if r.StaleWhileError == 0 {
		r.StaleWhileError = d.StaleWhileError
	}
	if r.PrefetchJitter == 0 {
		r.PrefetchJitter = d.PrefetchJitter
	}
	if r.MaxResponseBytes == 0 {
		r.MaxResponseBytes = d.MaxResponseBytes
	}
	if r.MaxRedirects == 0 {
		r.MaxRedirects = d.MaxRedirects
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = d.MaxRetries
	}
	if r.AttemptTimeout == 0 {
		r.AttemptTimeout = d.AttemptTimeout
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = d.InitialBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = d.MaxBackoff
	}
	if r.Deadline == 0 {
		r.Deadline = d.Deadline
	}
	if r.JitterStrategy == "" {
		r.JitterStrategy = d.JitterStrategy
	}
	return r
}

// Defaults holds registry-wide fallback values applied by Registration.WithDefaults.
type Defaults struct {
	RequireHTTPS     bool
	AllowedDomains   []string
	MinTTL           time.Duration
	MaxTTL           time.Duration
	RefreshEarly     time.Duration
	StaleWhileError  time.Duration
	PrefetchJitter   time.Duration
	MaxResponseBytes int64
	MaxRedirects     int
	MaxRetries       int
	AttemptTimeout   time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Deadline         time.Duration
	JitterStrategy   JitterStrategy
}

func canonicalHost(host string) string {
	host = strings.ToLower(host)
	return strings.TrimSuffix(host, ".")
}

func hostAllowed(host string, domains []string) bool {
	for _, d := range domains {
		d = canonicalHost(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
