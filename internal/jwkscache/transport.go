package jwkscache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"
)

// Transport is the HTTP upstream collaborator: it issues requests, surfaces
// status/headers/body, and enforces the per-attempt timeout, redirect limit,
// and security checks (HTTPS downgrade, host allowlist, SPKI pinning) that
// are treated as fatal, non-retryable failures.
type Transport struct {
	client *http.Client
}

// NewTransport builds a Transport whose underlying http.Client enforces
// reg.MaxRedirects and, when reg.PinnedSPKI is non-empty, verifies the
// presented certificate chain's SPKI fingerprints via VerifyPeerCertificate.
func NewTransport(reg Registration) *Transport {
	tlsConfig := &tls.Config{}
	if len(reg.PinnedSPKI) > 0 {
		pins := reg.PinnedSPKI
		tlsConfig.InsecureSkipVerify = false
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
				for _, pin := range pins {
					if sum == pin {
						return nil
					}
				}
			}
			return errSecurity("no presented certificate matched a pinned SPKI")
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > reg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", reg.MaxRedirects)
			}
			if reg.RequireHTTPS && req.URL.Scheme != "https" {
				return errSecurity("redirect would downgrade from https")
			}
			host := canonicalHost(req.URL.Hostname())
			if len(reg.AllowedDomains) > 0 && !hostAllowed(host, reg.AllowedDomains) {
				return errSecurity(fmt.Sprintf("redirect host %q is outside the allowed domain list", host))
			}
			return nil
		},
	}
	return &Transport{client: client}
}

// Do issues req with a per-attempt timeout derived from the retry budget.
// The context passed in already carries the caller's cancellation; Do layers
// the attempt timeout on top of it so a slow attempt cannot outlive its
// budget even if the caller's own context has a longer deadline.
func (t *Transport) Do(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		if sec := asSecurityError(err); sec != nil {
			return nil, sec
		}
		return nil, errHTTP(err)
	}
	return resp, nil
}

// asSecurityError unwraps a *url.Error produced by CheckRedirect's security
// rejections back into our own *Error so the refresh pipeline can classify it
// as fatal rather than retryable.
func asSecurityError(err error) error {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if se, ok := e.(*Error); ok && se.Kind == KindSecurity {
			return se
		}
		u, ok := e.(unwrapper)
		if !ok {
			return nil
		}
		e = u.Unwrap()
	}
	return nil
}
