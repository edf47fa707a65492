package jwkscache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry is the process-wide recorder for the cache's counters and
// histogram, labeled by (tenant, provider). It is installed once and shared
// across all managers; every field is a Prometheus vector, which is already
// safe for concurrent use without an additional lock.
//
// Grounded on go-app/pkg/metrics/retry.go's sync.Once-guarded singleton and
// promauto registration pattern.
type Telemetry struct {
	RequestsTotal     *prometheus.CounterVec
	HitsTotal         *prometheus.CounterVec
	StaleTotal        *prometheus.CounterVec
	MissesTotal       *prometheus.CounterVec
	RefreshTotal      *prometheus.CounterVec // labels: tenant, provider, status
	RefreshErrorsTotal *prometheus.CounterVec
	RefreshDuration   *prometheus.HistogramVec
}

var (
	telemetryOnce     sync.Once
	telemetryInstance *Telemetry
)

// InstallTelemetry registers the cache's metrics against reg. Calling it more
// than once is a no-op and returns the originally-installed instance.
func InstallTelemetry(reg prometheus.Registerer) *Telemetry {
	telemetryOnce.Do(func() {
		factory := promauto.With(reg)
		telemetryInstance = &Telemetry{
			RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "requests_total",
				Help:      "Total resolve() calls by tenant and provider.",
			}, []string{"tenant", "provider"}),
			HitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "hits_total",
				Help:      "Total resolve() calls served from a fresh cached payload.",
			}, []string{"tenant", "provider"}),
			StaleTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "stale_total",
				Help:      "Total resolve() calls served stale after a failed refresh.",
			}, []string{"tenant", "provider"}),
			MissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "misses_total",
				Help:      "Total resolve() calls that required a blocking upstream fetch.",
			}, []string{"tenant", "provider"}),
			RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "refresh_total",
				Help:      "Total refresh pipeline runs by outcome.",
			}, []string{"tenant", "provider", "status"}),
			RefreshErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jwks_cache",
				Name:      "refresh_errors_total",
				Help:      "Total refresh pipeline runs that ended in an error.",
			}, []string{"tenant", "provider"}),
			RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jwks_cache",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of refresh pipeline runs, successful or not.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"tenant", "provider"}),
		}
	})
	return telemetryInstance
}

// entryTelemetry is a per-entry accumulator: cheap, allocation-light counters
// consulted when projecting provider status (hit rate, stale-serve ratio)
// without scraping Prometheus.
type entryTelemetry struct {
	mu                 sync.Mutex
	requests           uint64
	hits               uint64
	stale              uint64
	misses             uint64
	refreshSuccesses   uint64
	refreshErrors      uint64
}

func (t *entryTelemetry) recordRequest() {
	t.mu.Lock()
	t.requests++
	t.mu.Unlock()
}

func (t *entryTelemetry) recordHit()   { t.bump(&t.hits) }
func (t *entryTelemetry) recordStale() { t.bump(&t.stale) }
func (t *entryTelemetry) recordMiss()  { t.bump(&t.misses) }

func (t *entryTelemetry) recordRefresh(success bool) {
	t.mu.Lock()
	if success {
		t.refreshSuccesses++
	} else {
		t.refreshErrors++
	}
	t.mu.Unlock()
}

func (t *entryTelemetry) bump(field *uint64) {
	t.mu.Lock()
	*field++
	t.mu.Unlock()
}

// snapshot returns the ratios used in a provider status projection.
func (t *entryTelemetry) snapshot() (hitRate, staleRatio float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requests == 0 {
		return 0, 0
	}
	hitRate = float64(t.hits) / float64(t.requests)
	staleRatio = float64(t.stale) / float64(t.requests)
	return hitRate, staleRatio
}

// metricSample is one named, labeled telemetry reading, used by the
// all-providers/single-provider status projection.
type metricSample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

func (t *entryTelemetry) samples(tenant, provider string) []metricSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	labels := map[string]string{"tenant": tenant, "provider": provider}
	return []metricSample{
		{Name: "requests_total", Labels: labels, Value: float64(t.requests)},
		{Name: "hits_total", Labels: labels, Value: float64(t.hits)},
		{Name: "stale_total", Labels: labels, Value: float64(t.stale)},
		{Name: "misses_total", Labels: labels, Value: float64(t.misses)},
		{Name: "refresh_success_total", Labels: labels, Value: float64(t.refreshSuccesses)},
		{Name: "refresh_error_total", Labels: labels, Value: float64(t.refreshErrors)},
	}
}

// clockCorrespondence captures (monotonic_t0, wallclock_t0) once, when its
// CacheManager is constructed, so status projections can convert an entry's
// monotonic deadlines back to wall-clock time.
type clockCorrespondence struct {
	monoT0 time.Time
	wallT0 time.Time
}

func newClockCorrespondence() clockCorrespondence {
	now := time.Now()
	return clockCorrespondence{monoT0: now, wallT0: now}
}

// toWallClock converts a monotonic-backed time.Time (as produced by
// time.Now() elsewhere in this package) to the wall-clock instant it
// corresponds to. Because Go's time.Time already carries both a wall and a
// monotonic reading when obtained from time.Now(), subtracting two such
// values is already clock-jump-immune; this helper exists so the conversion
// is explicit and centralized rather than repeated at every call site.
func (c clockCorrespondence) toWallClock(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return c.wallT0.Add(t.Sub(c.monoT0))
}
