package jwkscache

import (
	"net/http"
	"time"

	"github.com/lestrrat-go/httpcc"
)

// cachePolicy is the HTTP-cache-semantics handle derived from the last
// (request, response) exchange. Directive parsing is delegated to
// lestrrat-go/httpcc; the freshness and staleness policy built on top of it
// (TTL clamping, revalidation decisions) is specific to this cache and
// modeled on the well-known gregjones/httpcache algorithm (see DESIGN.md).
type cachePolicy struct {
	storable    bool
	maxAge      time.Duration
	hasMaxAge   bool
	noCache     bool
	fetchedAt   time.Time
	responseDate time.Time
}

// baselineRequest builds a GET request with Accept: application/json, ready
// for an optional conditional validator to be attached.
func baselineRequest(method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, errURL(err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// derivePolicy evaluates a completed exchange under HTTP cache semantics. If
// the response isn't storable, ttl is clamped to min_ttl; otherwise the
// policy-derived TTL is clamped into [min_ttl, max_ttl].
func derivePolicy(resp *http.Response, now time.Time, reg Registration) (*cachePolicy, time.Duration) {
	p := &cachePolicy{fetchedAt: now, responseDate: now}

	cc := resp.Header.Get("Cache-Control")
	if cc != "" {
		if dir, err := httpcc.ParseResponse(cc); err == nil {
			if dir.NoStore() {
				p.storable = false
				return p, reg.MinTTL
			}
			p.noCache = dir.NoCache()
			if ma, ok := dir.MaxAge(); ok {
				p.hasMaxAge = true
				p.maxAge = time.Duration(ma) * time.Second
				p.storable = true
			}
		}
	}

	if !p.hasMaxAge {
		if exp := resp.Header.Get("Expires"); exp != "" {
			if t, err := http.ParseTime(exp); err == nil {
				p.maxAge = time.Until(t)
				p.hasMaxAge = true
				p.storable = true
			}
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotModified {
		p.storable = false
	}

	if !p.storable {
		return p, reg.MinTTL
	}
	if p.noCache {
		return p, reg.MinTTL
	}

	ttl := p.maxAge
	if !p.hasMaxAge {
		ttl = reg.MinTTL
	}
	return p, clampTTL(ttl, reg.MinTTL, reg.MaxTTL)
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// isFresh reports whether the cached policy still considers its
// representation fresh at now, without needing to consult the origin at all.
// For payloads built by the manager it agrees with CachePayload.ExpiresAt.
// The refresh pipeline calls it to skip the upstream request when an
// unforced run finds the cached representation still fresh.
func (p *cachePolicy) isFresh(now time.Time) bool {
	if p == nil {
		return false
	}
	return now.Before(p.fetchedAt.Add(p.maxAge))
}

// revalidationOutcome is the result of applying the revalidation rule to a
// new (request, response) pair against a previously cached policy.
type revalidationOutcome struct {
	NotModified bool
}

// revalidate determines whether a 304 response means the prior
// representation is still current (NotModified) or whether a 200 body
// replaces it (Modified, the default outside of a 304).
func revalidate(resp *http.Response) revalidationOutcome {
	return revalidationOutcome{NotModified: resp.StatusCode == http.StatusNotModified}
}
