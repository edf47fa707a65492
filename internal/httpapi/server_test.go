package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-ink/jwks-cache/internal/jwkscache"
)

const sampleJWKS = `{"keys":[{"kty":"RSA","n":"0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw","e":"AQAB","alg":"RS256","kid":"2011-04-29"}]}`

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter() (*mux.Router, *jwkscache.Registry) {
	registry := jwkscache.NewRegistry(jwkscache.Defaults{}, false, nil, jwkscache.NoopPersistence{}, nil)
	api := NewAPI(registry, silentLogger(), nil)
	return NewRouter(api), registry
}

func upstream(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(sampleJWKS))
		}
	}))
}

func wellFormedRegistration(jwksURL string, maxRetries int) jwkscache.Registration {
	return jwkscache.Registration{
		MinTTL:           30 * time.Second,
		MaxTTL:           time.Hour,
		RefreshEarly:     time.Minute,
		MaxResponseBytes: 1 << 20,
		MaxRedirects:     3,
		MaxRetries:       maxRetries,
		AttemptTimeout:   200 * time.Millisecond,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		Deadline:         500 * time.Millisecond,
		JitterStrategy:   jwkscache.JitterNone,
		JWKSURL:          jwksURL,
	}
}

func registerProvider(t *testing.T, registry *jwkscache.Registry, tenant, provider, jwksURL string, maxRetries int) {
	t.Helper()
	reg := wellFormedRegistration(jwksURL, maxRetries)
	reg.TenantID = tenant
	reg.ProviderID = provider
	require.NoError(t, registry.Register(context.Background(), reg))
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestResolveReturnsJWKSAndETag(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 2)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/jwks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"v1"`, w.Header().Get("ETag"))
	assert.JSONEq(t, sampleJWKS, w.Body.String())
}

func TestResolveUnknownProviderReturns404(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/ghost/providers/nothing/jwks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveUpstreamFailureReturns502(t *testing.T) {
	server := upstream(http.StatusInternalServerError)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/jwks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTriggerRefreshBlocksThenRunsAsync(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 2)

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/providers/okta/refresh", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "forcing a refresh on a never-populated entry must block and return 200")

	req2 := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/providers/okta/refresh", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusAccepted, w2.Code, "a provider that already has something cached must refresh asynchronously")
}

func TestTriggerRefreshUnknownProviderReturns404(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/ghost/providers/nothing/refresh", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProviderStatusReturnsProjection(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 2)

	resolveReq := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/jwks", nil)
	router.ServeHTTP(httptest.NewRecorder(), resolveReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var dto providerStatusDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	assert.Equal(t, "acme", dto.Tenant)
	assert.Equal(t, "okta", dto.Provider)
	assert.Equal(t, "Ready", dto.State)
	assert.Equal(t, 1, dto.KeyCount)
}

func TestAllStatusesListsEveryRegisteredProvider(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 2)
	registerProvider(t, registry, "acme", "auth0", server.URL, 2)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var dtos []providerStatusDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dtos))
	assert.Len(t, dtos, 2)
}

func TestRegisterCreatesProviderAndResolveSucceeds(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, _ := newTestRouter()

	body := fmt.Sprintf(`{
		"jwks_url": %q,
		"min_ttl": %d,
		"max_ttl": %d,
		"refresh_early": %d,
		"max_response_bytes": 1048576,
		"max_redirects": 3,
		"max_retries": 2,
		"attempt_timeout": %d,
		"initial_backoff": %d,
		"max_backoff": %d,
		"deadline": %d,
		"jitter_strategy": "none"
	}`, server.URL, 30*time.Second, time.Hour, time.Minute, 200*time.Millisecond, 10*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/providers/okta", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	resolveReq := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/jwks", nil)
	resolveW := httptest.NewRecorder()
	router.ServeHTTP(resolveW, resolveReq)
	assert.Equal(t, http.StatusOK, resolveW.Code)
}

func TestRegisterInvalidJSONBodyReturns400(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/providers/okta", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterFailingValidationReturns400(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/providers/okta", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnregisterRemovesProvider(t *testing.T) {
	server := upstream(http.StatusOK)
	defer server.Close()

	router, registry := newTestRouter()
	registerProvider(t, registry, "acme", "okta", server.URL, 2)

	req := httptest.NewRequest(http.MethodDelete, "/v1/tenants/acme/providers/okta", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	resolveReq := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/providers/okta/jwks", nil)
	resolveW := httptest.NewRecorder()
	router.ServeHTTP(resolveW, resolveReq)
	assert.Equal(t, http.StatusNotFound, resolveW.Code)
}

func TestUnregisterUnknownProviderReturns404(t *testing.T) {
	router, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodDelete, "/v1/tenants/ghost/providers/nothing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
