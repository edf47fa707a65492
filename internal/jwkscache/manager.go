package jwkscache

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshMode distinguishes the two paths a refresh pipeline run can take:
// populating an empty entry for the first time, or revalidating/replacing an
// already-cached one. The mode determines which entry transitions apply; a
// failure may fall back to a stale payload only in modeRefresh, and only when
// the run was not forced.
type refreshMode int

const (
	modeInitial refreshMode = iota
	modeRefresh
)

// refreshResult is what a single refresh pipeline run hands back to its
// (possibly several, coalesced) callers.
type refreshResult struct {
	keyset *Keyset
	etag   string
	stale  bool
}

// CacheManager owns the state machine, single-flighted refresh pipeline, and
// telemetry for exactly one (tenant, provider) origin. A Registry holds one
// CacheManager per registered provider.
type CacheManager struct {
	reg       Registration
	transport *Transport
	global    *Telemetry
	local     *entryTelemetry
	clock     clockCorrespondence

	mu    sync.RWMutex
	entry *entry

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCacheManager constructs a manager in the Empty state. global may be the
// shared process-wide Telemetry or nil, in which case metrics are only kept
// locally (used by tests that don't want a Prometheus registry in play).
func NewCacheManager(reg Registration, transport *Transport, global *Telemetry) *CacheManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheManager{
		reg:       reg,
		transport: transport,
		global:    global,
		local:     &entryTelemetry{},
		clock:     newClockCorrespondence(),
		entry:     newEntry(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close cancels any in-flight background refresh and waits for it to return.
// A blocking Resolve/TriggerRefresh call already in the retry loop is allowed
// to finish its current attempt; Close does not abort it, only prevents new
// background work from being spawned.
func (m *CacheManager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *CacheManager) readSnapshot() cacheState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry.snapshot()
}

// Resolve returns the current keyset for this provider, fetching, revalidating,
// or falling back to a stale copy as the cache's state and the origin's
// responses require. It blocks for as long as an upstream fetch is actually
// needed and returns promptly whenever a fresh payload is already cached.
func (m *CacheManager) Resolve(ctx context.Context) (*Keyset, string, error) {
	m.local.recordRequest()
	if m.global != nil {
		m.global.RequestsTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Inc()
	}

	now := time.Now()
	snap := m.readSnapshot()

	switch snap.Kind {
	case StateEmpty, StateLoading:
		res, err := m.runPipeline(ctx, modeInitial, false)
		if err != nil {
			return nil, "", err
		}
		m.recordMiss()
		return res.keyset, res.etag, nil

	default: // StateReady, StateRefreshing
		p := snap.Payload
		if now.Before(p.ExpiresAt) {
			m.recordHit()
			if snap.Kind == StateReady && !now.Before(p.NextRefreshAt) {
				m.maybeSpawnBackground(now)
			}
			return p.Keyset, p.ETag, nil
		}

		res, err := m.runPipeline(ctx, modeRefresh, false)
		if err != nil {
			return nil, "", err
		}
		if res.stale {
			m.recordStale()
		} else {
			m.recordMiss()
		}
		return res.keyset, res.etag, nil
	}
}

// TriggerRefresh forces a revalidation of the current provider regardless of
// next_refresh_at, matching the admin-facing "refresh now" operation. An Empty
// entry has nothing to serve, so the call runs the initial fetch itself and
// blocks on it. A Loading entry already has an initial fetch in flight with
// nothing further this call could usefully force, so it no-ops, and so does a
// Refreshing entry, whose refresh is already in flight. A Ready entry keeps
// serving what it has: the refresh is promoted and spawned in the background,
// and the call returns immediately without blocking.
func (m *CacheManager) TriggerRefresh(ctx context.Context) (blocked bool, err error) {
	now := time.Now()
	snap := m.readSnapshot()
	switch snap.Kind {
	case StateEmpty:
		_, err := m.runPipeline(ctx, modeInitial, true)
		return true, err
	case StateLoading:
		// An initial fetch is already in flight; there is nothing this call
		// could usefully force, so it no-ops rather than joining it.
		return false, nil
	}

	m.mu.Lock()
	promoted := m.entry.beginRefresh(now, true)
	m.mu.Unlock()
	if !promoted {
		return false, nil
	}

	select {
	case <-m.ctx.Done():
		return false, nil
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := m.runPipeline(m.ctx, modeRefresh, true)
		if err != nil {
			return
		}
		if res.stale {
			m.recordStale()
		}
	}()
	return false, nil
}

// maybeSpawnBackground attempts to promote Ready -> Refreshing under the
// write guard; if it succeeds (no one else got there first), it spawns a
// detached goroutine to run the refresh pipeline, which will recognize the
// entry is already Refreshing and skip the promotion step itself.
func (m *CacheManager) maybeSpawnBackground(now time.Time) {
	m.mu.Lock()
	promoted := m.entry.beginRefresh(now, false)
	m.mu.Unlock()
	if !promoted {
		return
	}

	select {
	case <-m.ctx.Done():
		return
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := m.runPipeline(m.ctx, modeRefresh, false)
		if err != nil {
			return
		}
		if res.stale {
			m.recordStale()
		}
	}()
}

// runPipeline is the single-flighted entry point: concurrent callers for the
// same provider coalesce onto one in-flight run and share its result.
func (m *CacheManager) runPipeline(ctx context.Context, mode refreshMode, force bool) (refreshResult, error) {
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx, mode, force)
	})
	if err != nil {
		return refreshResult{}, err
	}
	return v.(refreshResult), nil
}

// doRefresh performs exactly one (possibly multi-attempt) refresh: it claims
// the entry's Loading/Refreshing state, issues the upstream request with
// retries bounded by a RetryExecutor, and commits success, stale fallback, or
// failure back into the entry.
func (m *CacheManager) doRefresh(ctx context.Context, mode refreshMode, force bool) (refreshResult, error) {
	start := time.Now()

	m.mu.Lock()
	switch m.entry.state.Kind {
	case StateEmpty:
		m.entry.beginLoad()
	case StateReady:
		m.entry.beginRefresh(time.Now(), true)
	case StateLoading, StateRefreshing:
		// already claimed by the caller that triggered this run
	}
	var prior *CachePayload
	if m.entry.state.Payload != nil {
		prior = m.entry.state.Payload.clone()
	}
	m.mu.Unlock()

	if prior != nil && !force && prior.Policy.isFresh(time.Now()) {
		m.commitSuccess(mode, prior)
		return refreshResult{keyset: prior.Keyset, etag: prior.ETag}, nil
	}

	keyset, etag, lastModified, ttl, notModified, runErr := m.fetchWithRetry(ctx, prior)

	now := time.Now()
	if m.global != nil {
		m.global.RefreshDuration.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Observe(now.Sub(start).Seconds())
	}

	if runErr != nil {
		m.local.recordRefresh(false)
		if m.global != nil {
			m.global.RefreshErrorsTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Inc()
			m.global.RefreshTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID, "error").Inc()
		}

		backoff := m.reg.InitialBackoff

		m.mu.Lock()
		if mode == modeInitial {
			m.entry.invalidate()
		} else {
			m.entry.refreshFailure(now, backoff)
		}
		m.mu.Unlock()

		if mode == modeRefresh && !force && prior != nil && prior.StaleServable(now) {
			return refreshResult{keyset: prior.Keyset, etag: prior.ETag, stale: true}, nil
		}
		return refreshResult{}, runErr
	}

	m.local.recordRefresh(true)
	if m.global != nil {
		m.global.RefreshTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID, "success").Inc()
	}

	if notModified && prior != nil {
		p := m.buildPayload(now, prior.Keyset, etag, lastModified, ttl)
		m.commitSuccess(mode, p)
		return refreshResult{keyset: p.Keyset, etag: p.ETag}, nil
	}

	payload := m.buildPayload(now, keyset, etag, lastModified, ttl)
	m.commitSuccess(mode, payload)
	return refreshResult{keyset: keyset, etag: etag}, nil
}

func (m *CacheManager) commitSuccess(mode refreshMode, p *CachePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == modeInitial {
		m.entry.loadSuccess(p)
	} else {
		m.entry.refreshSuccess(p)
	}
}

// fetchWithRetry drives the per-attempt timeout budget and jittered backoff
// loop, issuing a single conditional-or-plain GET per attempt and classifying
// the outcome into retryable vs. fatal per the failure taxonomy.
func (m *CacheManager) fetchWithRetry(ctx context.Context, prior *CachePayload) (keyset *Keyset, etag, lastModified string, ttl time.Duration, notModified bool, err error) {
	executor := NewRetryExecutor(m.reg, time.Now())

	for {
		budget := executor.AttemptBudget(time.Now())
		if !budget.Granted {
			if err == nil {
				err = errRetriesExhausted
			}
			return nil, "", "", 0, false, err
		}

		req, buildErr := baselineRequest(http.MethodGet, m.reg.JWKSURL)
		if buildErr != nil {
			return nil, "", "", 0, false, buildErr
		}
		if prior != nil && prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}

		resp, reqErr := m.transport.Do(ctx, req, budget.Timeout)
		if reqErr != nil {
			if IsSecurity(reqErr) {
				return nil, "", "", 0, false, reqErr
			}
			err = reqErr
			delay, ok := executor.NextBackoff(time.Now())
			if !ok {
				return nil, "", "", 0, false, err
			}
			sleep(ctx, delay)
			continue
		}

		result, classifyErr := m.classifyResponse(ctx, resp, prior)
		if classifyErr != nil {
			if isFatalFetchError(classifyErr) {
				return nil, "", "", 0, false, classifyErr
			}
			err = classifyErr
			delay, ok := executor.NextBackoff(time.Now())
			if !ok {
				return nil, "", "", 0, false, err
			}
			sleep(ctx, delay)
			continue
		}

		return result.keyset, result.etag, result.lastModified, result.ttl, result.notModified, nil
	}
}

// fetchResult is the decoded outcome of one successfully-classified attempt.
type fetchResult struct {
	keyset       *Keyset
	etag         string
	lastModified string
	ttl          time.Duration
	notModified  bool
}

// classifyResponse reads the body (bounded), parses it when present, and
// derives the cache policy, translating an HTTP status into either a usable
// result or a classified error (retryable 5xx/429 vs. fatal other statuses).
func (m *CacheManager) classifyResponse(ctx context.Context, resp *http.Response, prior *CachePayload) (fetchResult, error) {
	defer resp.Body.Close()

	policy, ttl := derivePolicy(resp, time.Now(), m.reg)

	if revalidate(resp).NotModified {
		if prior == nil {
			return fetchResult{}, errHTTPStatus(resp.StatusCode, m.reg.JWKSURL, "304 with no prior cached payload")
		}
		return fetchResult{
			keyset:       prior.Keyset,
			etag:         prior.ETag,
			lastModified: prior.LastModified,
			ttl:          ttl,
			notModified:  true,
		}, nil
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := readLimited(resp.Body, 4096)
		return fetchResult{}, errHTTPStatus(resp.StatusCode, m.reg.JWKSURL, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := readLimited(resp.Body, 4096)
		return fetchResult{}, errHTTPStatus(resp.StatusCode, m.reg.JWKSURL, string(body))
	}

	body, err := readLimited(resp.Body, m.reg.MaxResponseBytes)
	if err != nil {
		return fetchResult{}, err
	}

	ks, err := parseKeyset(ctx, body)
	if err != nil {
		return fetchResult{}, err
	}

	_ = policy // retained on the payload via buildPayload's derivePolicy call
	return fetchResult{
		keyset:       ks,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		ttl:          ttl,
	}, nil
}

// isFatalFetchError reports whether err should stop the retry loop outright
// rather than being retried: JWKS parse failures, oversized bodies, security
// rejections, and non-5xx/429 HTTP statuses are all fatal.
func isFatalFetchError(err error) bool {
	if IsValidation(err) || IsSecurity(err) {
		return true
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindJWKS:
		return true
	case KindHTTPStatus:
		return e.HTTPStatus < 500 && e.HTTPStatus != http.StatusTooManyRequests
	default:
		return false
	}
}

// buildPayload computes expires_at, next_refresh_at (with jitter), and
// stale_deadline for a freshly-fetched keyset.
func (m *CacheManager) buildPayload(now time.Time, ks *Keyset, etag, lastModified string, ttl time.Duration) *CachePayload {
	expiresAt := now.Add(ttl)
	refreshAt := expiresAt.Add(-m.reg.RefreshEarly)
	if refreshAt.Before(now) {
		refreshAt = now
	}

	if m.reg.PrefetchJitter > 0 {
		j := time.Duration(rand.Int64N(int64(m.reg.PrefetchJitter) + 1))
		candidate := refreshAt.Add(-j)
		if !candidate.Before(now.Add(j)) {
			refreshAt = candidate
		}
	}

	var staleDeadline time.Time
	if m.reg.StaleWhileError > 0 {
		staleDeadline = expiresAt.Add(m.reg.StaleWhileError)
	}

	return &CachePayload{
		Keyset:        ks,
		Policy:        &cachePolicy{fetchedAt: now, maxAge: ttl, storable: true},
		ETag:          etag,
		LastModified:  lastModified,
		LastRefreshAt: now.UTC(),
		ExpiresAt:     expiresAt,
		NextRefreshAt: refreshAt,
		StaleDeadline: staleDeadline,
	}
}

func (m *CacheManager) recordHit() {
	m.local.recordHit()
	if m.global != nil {
		m.global.HitsTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Inc()
	}
}

func (m *CacheManager) recordStale() {
	m.local.recordStale()
	if m.global != nil {
		m.global.StaleTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Inc()
	}
}

func (m *CacheManager) recordMiss() {
	m.local.recordMiss()
	if m.global != nil {
		m.global.MissesTotal.WithLabelValues(m.reg.TenantID, m.reg.ProviderID).Inc()
	}
}

// Snapshot returns a persistable Snapshot of the current payload, or ok=false
// when there is nothing cached yet worth persisting.
func (m *CacheManager) Snapshot() (Snapshot, bool) {
	snap := m.readSnapshot()
	if snap.Payload == nil {
		return Snapshot{}, false
	}
	p := snap.Payload
	return Snapshot{
		TenantID:     m.reg.TenantID,
		ProviderID:   m.reg.ProviderID,
		JWKSJSON:     p.Keyset.Raw(),
		ETag:         p.ETag,
		LastModified: p.LastModified,
		ExpiresAt:    m.clock.toWallClock(p.ExpiresAt),
		PersistedAt:  time.Now().UTC(),
	}, true
}

// RestoreSnapshot seeds an Empty entry directly into Ready from a previously
// persisted Snapshot, skipping the origin fetch entirely. It is a no-op if
// the entry is no longer Empty (another path already populated it) or the
// snapshot has already expired.
func (m *CacheManager) RestoreSnapshot(now time.Time, snap Snapshot) error {
	if err := snap.Validate(m.reg); err != nil {
		return err
	}
	if !now.Before(snap.ExpiresAt) {
		return nil
	}
	ks, err := parseKeyset(context.Background(), snap.JWKSJSON)
	if err != nil {
		return err
	}

	ttl := snap.ExpiresAt.Sub(snap.PersistedAt)
	payload := m.buildPayload(now, ks, snap.ETag, snap.LastModified, ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry.state.Kind != StateEmpty {
		return nil
	}
	m.entry.beginLoad()
	m.entry.loadSuccess(payload)
	return nil
}

// ProviderStatus is the read-only projection surfaced by the registry's
// status endpoints.
type ProviderStatus struct {
	Tenant      string
	Provider    string
	State       string
	KeyCount    int
	ExpiresAt   time.Time
	ErrorCount  int
	HitRate     float64
	StaleRatio  float64
	Samples     []metricSample
}

// Status projects the current state into a ProviderStatus snapshot.
func (m *CacheManager) Status() ProviderStatus {
	snap := m.readSnapshot()
	hitRate, staleRatio := m.local.snapshot()
	status := ProviderStatus{
		Tenant:     m.reg.TenantID,
		Provider:   m.reg.ProviderID,
		State:      snap.Kind.String(),
		HitRate:    hitRate,
		StaleRatio: staleRatio,
		Samples:    m.local.samples(m.reg.TenantID, m.reg.ProviderID),
	}
	if snap.Payload != nil {
		status.KeyCount = snap.Payload.Keyset.Len()
		status.ExpiresAt = m.clock.toWallClock(snap.Payload.ExpiresAt)
		status.ErrorCount = snap.Payload.ErrorCount
	}
	return status
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
