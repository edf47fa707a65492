// Package httpapi exposes the admin/resolve surface described by the
// service's external interface: per-tenant JWKS resolution, forced refresh,
// status projections, and dynamic registration, all under /v1.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hack-ink/jwks-cache/internal/jwkscache"
	"github.com/hack-ink/jwks-cache/pkg/logger"
)

// API wires the registry into a mux.Router.
type API struct {
	registry *jwkscache.Registry
	log      *slog.Logger
	registerer prometheus.Registerer
}

// NewAPI constructs an API handle. registerer is used to expose /metrics;
// pass prometheus.DefaultRegisterer unless a dedicated registry is in play.
func NewAPI(registry *jwkscache.Registry, log *slog.Logger, registerer prometheus.Registerer) *API {
	return &API{registry: registry, log: log, registerer: registerer}
}

// NewRouter builds the complete mux.Router, including the logging middleware
// and the non-versioned operational endpoints.
func NewRouter(api *API) *mux.Router {
	router := mux.NewRouter()
	router.Use(logger.LoggingMiddleware(api.log))

	router.HandleFunc("/healthz", api.healthz).Methods(http.MethodGet)
	if api.registerer != nil {
		gatherer := prometheus.DefaultGatherer
		if g, ok := api.registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	api.RegisterRoutes(v1)
	return router
}

// RegisterRoutes installs the /v1 JWKS admin/resolve routes onto router.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/status", a.allStatuses).Methods(http.MethodGet)

	tenants := router.PathPrefix("/tenants/{tenant}/providers/{provider}").Subrouter()
	tenants.HandleFunc("/jwks", a.resolve).Methods(http.MethodGet)
	tenants.HandleFunc("/refresh", a.triggerRefresh).Methods(http.MethodPost)
	tenants.HandleFunc("/status", a.providerStatus).Methods(http.MethodGet)
	tenants.HandleFunc("", a.register).Methods(http.MethodPost)
	tenants.HandleFunc("", a.unregister).Methods(http.MethodDelete)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logger.WithField(r.Context(), "tenant", vars["tenant"])
	logger.WithField(r.Context(), "provider", vars["provider"])
	ks, etag, err := a.registry.Resolve(r.Context(), vars["tenant"], vars["provider"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ks.Raw())
}

func (a *API) triggerRefresh(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logger.WithField(r.Context(), "tenant", vars["tenant"])
	logger.WithField(r.Context(), "provider", vars["provider"])
	blocked, err := a.registry.TriggerRefresh(r.Context(), vars["tenant"], vars["provider"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if blocked {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) providerStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logger.WithField(r.Context(), "tenant", vars["tenant"])
	logger.WithField(r.Context(), "provider", vars["provider"])
	status, err := a.registry.ProviderStatus(vars["tenant"], vars["provider"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, statusResponse(status))
}

func (a *API) allStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := a.registry.AllStatuses()
	out := make([]providerStatusDTO, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, statusResponse(s))
	}
	a.writeJSON(w, http.StatusOK, out)
}

// registrationRequest is the JSON body accepted by POST .../providers/{provider}.
type registrationRequest struct {
	Namespace        string        `json:"namespace"`
	JWKSURL          string        `json:"jwks_url"`
	RequireHTTPS     bool          `json:"require_https"`
	AllowedDomains   []string      `json:"allowed_domains"`
	MinTTL           time.Duration `json:"min_ttl"`
	MaxTTL           time.Duration `json:"max_ttl"`
	RefreshEarly     time.Duration `json:"refresh_early"`
	StaleWhileError  time.Duration `json:"stale_while_error"`
	PrefetchJitter   time.Duration `json:"prefetch_jitter"`
	MaxResponseBytes int64         `json:"max_response_bytes"`
	MaxRedirects     int           `json:"max_redirects"`
	MaxRetries       int           `json:"max_retries"`
	AttemptTimeout   time.Duration `json:"attempt_timeout"`
	InitialBackoff   time.Duration `json:"initial_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff"`
	Deadline         time.Duration `json:"deadline"`
	JitterStrategy   string        `json:"jitter_strategy"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logger.WithField(r.Context(), "tenant", vars["tenant"])
	logger.WithField(r.Context(), "provider", vars["provider"])

	var body registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	reg := jwkscache.Registration{
		TenantID:         vars["tenant"],
		ProviderID:       vars["provider"],
		Namespace:        body.Namespace,
		JWKSURL:          body.JWKSURL,
		RequireHTTPS:     body.RequireHTTPS,
		AllowedDomains:   body.AllowedDomains,
		MinTTL:           body.MinTTL,
		MaxTTL:           body.MaxTTL,
		RefreshEarly:     body.RefreshEarly,
		StaleWhileError:  body.StaleWhileError,
		PrefetchJitter:   body.PrefetchJitter,
		MaxResponseBytes: body.MaxResponseBytes,
		MaxRedirects:     body.MaxRedirects,
		MaxRetries:       body.MaxRetries,
		AttemptTimeout:   body.AttemptTimeout,
		InitialBackoff:   body.InitialBackoff,
		MaxBackoff:       body.MaxBackoff,
		Deadline:         body.Deadline,
		JitterStrategy:   jwkscache.JitterStrategy(body.JitterStrategy),
	}

	if err := a.registry.Register(r.Context(), reg); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) unregister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logger.WithField(r.Context(), "tenant", vars["tenant"])
	logger.WithField(r.Context(), "provider", vars["provider"])
	key := jwkscache.ProviderKey{Tenant: vars["tenant"], Provider: vars["provider"]}
	if err := a.registry.Unregister(key); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type providerStatusDTO struct {
	Tenant     string    `json:"tenant"`
	Provider   string    `json:"provider"`
	State      string    `json:"state"`
	KeyCount   int       `json:"key_count"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	ErrorCount int       `json:"error_count"`
	HitRate    float64   `json:"hit_rate"`
	StaleRatio float64   `json:"stale_ratio"`
}

func statusResponse(s jwkscache.ProviderStatus) providerStatusDTO {
	return providerStatusDTO{
		Tenant:     s.Tenant,
		Provider:   s.Provider,
		State:      s.State,
		KeyCount:   s.KeyCount,
		ExpiresAt:  s.ExpiresAt,
		ErrorCount: s.ErrorCount,
		HitRate:    s.HitRate,
		StaleRatio: s.StaleRatio,
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the cache's error taxonomy onto HTTP status codes: a
// registration lookup miss is 404, a validation or security rejection is
// client-caused (400/403), anything else is treated as an upstream failure
// with no stale fallback available (502).
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context(), a.log)

	switch {
	case jwkscache.IsNotRegistered(err):
		log.Warn("not registered", "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
	case jwkscache.IsValidation(err):
		log.Warn("validation error", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	case jwkscache.IsSecurity(err):
		log.Warn("security rejection", "error", err)
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		log.Error("upstream fetch failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
