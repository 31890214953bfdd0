// Package ratelimit implements the global and per-subgraph token-bucket
// rate limiters (spec.md §5 "the retry budget and rate limiter are
// lock-free"): no sync.Mutex on the hot path, a compare-and-swap loop over
// go.uber.org/atomic values instead.
package ratelimit

import (
	"time"

	"go.uber.org/atomic"
)

// Bucket is a single token bucket: Limit tokens refill every Duration,
// consulted with a lock-free CAS loop. Distinct Buckets back spec.md's
// global limiter and each subgraph's `rate_limit.{limit, duration}`.
type Bucket struct {
	limit    int64
	interval time.Duration

	tokens     atomic.Int64
	lastRefill atomic.Int64 // unix nanos
	now        func() time.Time
}

func NewBucket(limit int, interval time.Duration) *Bucket {
	b := &Bucket{limit: int64(limit), interval: interval, now: time.Now}
	b.tokens.Store(int64(limit))
	b.lastRefill.Store(b.now().UnixNano())
	return b
}

// Allow attempts to consume one token, refilling first if a full interval
// has elapsed since the last refill. Safe for concurrent use; never blocks.
func (b *Bucket) Allow() bool {
	b.maybeRefill()
	for {
		cur := b.tokens.Load()
		if cur <= 0 {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (b *Bucket) maybeRefill() {
	now := b.now().UnixNano()
	for {
		last := b.lastRefill.Load()
		if time.Duration(now-last) < b.interval {
			return
		}
		if b.lastRefill.CompareAndSwap(last, now) {
			b.tokens.Store(b.limit)
			return
		}
	}
}

// RetryBudget caps how much of the request stream may be retried, per
// spec.md's `retry.{min_per_second, ttl, retry_percent, retry_mutations}`:
// a token bucket of "retry credits" replenished at MinPerSecond, spent one
// per retry attempt and RetryPercent-weighted per successful request.
type RetryBudget struct {
	minPerSecond   float64
	retryPercent   float64
	retryMutations bool

	credits atomic.Int64 // fixed-point, x1000
	now     func() time.Time
	last    atomic.Int64
}

func NewRetryBudget(minPerSecond, retryPercent float64, retryMutations bool) *RetryBudget {
	rb := &RetryBudget{minPerSecond: minPerSecond, retryPercent: retryPercent, retryMutations: retryMutations, now: time.Now}
	rb.last.Store(rb.now().UnixNano())
	rb.credits.Store(int64(minPerSecond * 1000))
	return rb
}

// Deposit records a successful request (first attempt or retry), earning
// RetryPercent of a credit toward future retries.
func (rb *RetryBudget) Deposit() {
	rb.refill()
	for {
		cur := rb.credits.Load()
		next := cur + int64(rb.retryPercent*1000)
		if rb.credits.CompareAndSwap(cur, next) {
			return
		}
	}
}

// TryRetry reports whether a retry may be attempted for the given
// operation kind, spending one credit if so. Mutations are excluded unless
// RetryMutations is set (spec.md §4.F "the retry budget... retry_mutations").
func (rb *RetryBudget) TryRetry(isMutation bool) bool {
	if isMutation && !rb.retryMutations {
		return false
	}
	rb.refill()
	for {
		cur := rb.credits.Load()
		if cur < 1000 {
			return false
		}
		if rb.credits.CompareAndSwap(cur, cur-1000) {
			return true
		}
	}
}

func (rb *RetryBudget) refill() {
	now := rb.now().UnixNano()
	for {
		last := rb.last.Load()
		elapsed := time.Duration(now - last)
		if elapsed < time.Second {
			return
		}
		if rb.last.CompareAndSwap(last, now) {
			earned := int64(rb.minPerSecond * elapsed.Seconds() * 1000)
			for {
				cur := rb.credits.Load()
				if rb.credits.CompareAndSwap(cur, cur+earned) {
					return
				}
			}
		}
	}
}
