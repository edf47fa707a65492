package jwkscache

import (
	"math/rand/v2"
	"time"
)

// retryBudget is the result of RetryExecutor.AttemptBudget.
type retryBudget struct {
	Granted bool
	Timeout time.Duration
}

// RetryExecutor implements per-attempt timeout budgeting and jittered
// exponential backoff. It is constructed fresh for
// each refresh-pipeline run and snapshots the wall-clock deadline at
// construction time; it is not safe for concurrent use (the refresh pipeline
// that owns it is itself single-flighted).
//
// This is hand-rolled rather than built on a generic backoff library: the
// teacher's own resilience.WithRetry (go-app/internal/core/resilience/retry.go)
// is likewise a hand-rolled loop over math/rand, despite cenkalti/backoff/v4
// being present in the module graph — neither it nor sethvargo/go-retry
// expose the attempt_budget()/Granted-or-Exhausted abstraction this spec
// requires, where each attempt's timeout is bounded by both a fixed
// per-attempt ceiling and the remaining slice of an overall wall-clock
// deadline. See DESIGN.md.
type RetryExecutor struct {
	policy      Registration
	deadline    time.Time
	retriesUsed int
}

// NewRetryExecutor snapshots now+policy.Deadline as the wall-clock deadline
// for this run.
func NewRetryExecutor(policy Registration, now time.Time) *RetryExecutor {
	return &RetryExecutor{
		policy:   policy,
		deadline: now.Add(policy.Deadline),
	}
}

// AttemptBudget computes the timeout for the next attempt: the lesser of the
// remaining wall-clock budget and policy.AttemptTimeout. Either being zero (or
// negative) yields Exhausted.
func (r *RetryExecutor) AttemptBudget(now time.Time) retryBudget {
	remaining := r.deadline.Sub(now)
	if remaining <= 0 {
		return retryBudget{}
	}
	timeout := r.policy.AttemptTimeout
	if remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		return retryBudget{}
	}
	return retryBudget{Granted: true, Timeout: timeout}
}

// CanRetry reports whether another attempt is permitted by the retry count
// alone (independent of the wall-clock deadline, which AttemptBudget governs).
func (r *RetryExecutor) CanRetry() bool {
	return r.retriesUsed < r.policy.MaxRetries
}

// NextBackoff advances the retry counter and returns the delay to sleep
// before the next attempt, clamped to the remaining wall-clock budget. ok is
// false when retries are exhausted.
func (r *RetryExecutor) NextBackoff(now time.Time) (delay time.Duration, ok bool) {
	if !r.CanRetry() {
		return 0, false
	}
	attempt := r.retriesUsed
	r.retriesUsed++

	delay = r.computeBackoff(attempt)

	if remaining := r.deadline.Sub(now); remaining > 0 && delay > remaining {
		delay = remaining
	} else if remaining <= 0 {
		delay = 0
	}
	return delay, true
}

// computeBackoff implements base = initial * 2^min(a,32) clamped to
// [initial, max], then jittered per strategy.
func (r *RetryExecutor) computeBackoff(attempt int) time.Duration {
	exp := attempt
	if exp > 32 {
		exp = 32
	}
	base := r.policy.InitialBackoff * (1 << uint(exp))
	if base < r.policy.InitialBackoff {
		base = r.policy.InitialBackoff
	}
	if base > r.policy.MaxBackoff {
		base = r.policy.MaxBackoff
	}

	var delay time.Duration
	switch r.policy.JitterStrategy {
	case JitterFull:
		lo := float64(r.policy.InitialBackoff)
		if v := 0.8 * float64(base); v > lo {
			lo = v
		}
		hi := float64(r.policy.MaxBackoff)
		if v := float64(base); v < hi {
			hi = v
		}
		if hi < lo {
			hi = lo
		}
		delay = time.Duration(lo + rand.Float64()*(hi-lo))
	case JitterDecorrelated:
		prev := base
		if attempt == 0 {
			prev = r.policy.InitialBackoff
		}
		hi := 3 * prev
		if hi > r.policy.MaxBackoff {
			hi = r.policy.MaxBackoff
		}
		lo := r.policy.InitialBackoff
		if hi < lo {
			hi = lo
		}
		delay = time.Duration(float64(lo) + rand.Float64()*float64(hi-lo))
	default: // JitterNone and unset
		delay = base
	}

	return delay
}
