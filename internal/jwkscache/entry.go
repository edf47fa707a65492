package jwkscache

import "time"

// entry holds the state machine for one (tenant, provider) pair. It is a
// small, in-memory object with no internal locking; callers serialize access
// via an exterior read/write guard (the cache manager's sync.RWMutex).
// Invalid transitions are no-ops and report false.
type entry struct {
	state cacheState
}

func newEntry() *entry {
	return &entry{state: emptyState()}
}

// snapshot returns the current state with a cheap clone of the payload
// reference, safe to read after releasing the guard.
func (e *entry) snapshot() cacheState {
	return cacheState{Kind: e.state.Kind, Payload: e.state.Payload.clone()}
}

// beginLoad transitions Empty -> Loading.
func (e *entry) beginLoad() bool {
	if e.state.Kind != StateEmpty {
		return false
	}
	e.state = cacheState{Kind: StateLoading}
	return true
}

// loadSuccess transitions Loading -> Ready(p).
func (e *entry) loadSuccess(p *CachePayload) {
	if e.state.Kind != StateLoading {
		return
	}
	e.state = cacheState{Kind: StateReady, Payload: p}
}

// beginRefresh transitions Ready(p) -> Refreshing(p) when now >=
// p.NextRefreshAt, unless force is set (an admin-triggered refresh ignores
// next_refresh_at).
func (e *entry) beginRefresh(now time.Time, force bool) bool {
	if e.state.Kind != StateReady {
		return false
	}
	p := e.state.Payload
	if !force && now.Before(p.NextRefreshAt) {
		return false
	}
	e.state = cacheState{Kind: StateRefreshing, Payload: p}
	return true
}

// refreshSuccess transitions Refreshing(p) -> Ready(p') with counters reset.
func (e *entry) refreshSuccess(p *CachePayload) {
	if e.state.Kind != StateRefreshing {
		return
	}
	p.ErrorCount = 0
	e.state = cacheState{Kind: StateReady, Payload: p}
}

// refreshFailure transitions Refreshing(p) -> Ready(p-with-bumped-error) when
// stale serving is still permitted, else -> Empty.
func (e *entry) refreshFailure(now time.Time, backoff time.Duration) {
	if e.state.Kind != StateRefreshing {
		return
	}
	p := e.state.Payload
	if p.StaleServable(now) {
		p.ErrorCount++
		p.RetryBackoff = backoff
		p.NextRefreshAt = now.Add(backoff)
		e.state = cacheState{Kind: StateReady, Payload: p}
		return
	}
	e.state = emptyState()
}

// invalidate transitions any state -> Empty (used for Loading-stage failures
// and explicit admin invalidation).
func (e *entry) invalidate() {
	e.state = emptyState()
}
