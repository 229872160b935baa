package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is the adaptive bucket for a single key.
//
// Tokens refill continuously at capacity per second and never exceed
// capacity. A grant additionally requires that fewer than floor(capacity)
// grants were made inside the rolling window, so capacity is a hard
// per-window bound rather than an average.
type TokenBucket struct {
	mu sync.Mutex

	key    string
	limits KeyLimits

	capacity   float64
	tokens     float64
	lastRefill time.Time

	consecutive  int
	total        int64
	lastThrottle time.Time
	lastAdjust   time.Time // last decrease or recovery step
	backoffUntil time.Time

	grants []time.Time // grant times inside the window, oldest first
}

func newTokenBucket(key string, limits KeyLimits, now time.Time) *TokenBucket {
	return &TokenBucket{
		key:        key,
		limits:     limits,
		capacity:   limits.Base,
		tokens:     limits.Base, // start full
		lastRefill: now,
		lastAdjust: now,
	}
}

// refill adds tokens for the time elapsed since the last refill.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.capacity)
	b.lastRefill = now
}

// prune drops grants that left the window.
func (b *TokenBucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.grants) && !b.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(b.grants, b.grants[i:])
		b.grants = b.grants[:n]
	}
}

// windowLimit is the number of grants allowed per window.
func (b *TokenBucket) windowLimit() int {
	n := int(math.Floor(b.capacity))
	if n < 1 {
		return 1
	}
	return n
}

// take grants one token, or returns how long to wait before retrying.
// Nothing is consumed when the wait is non-zero.
func (b *TokenBucket) take(now time.Time, window time.Duration) time.Duration {
	b.refill(now)
	b.prune(now, window)

	var wait time.Duration
	if now.Before(b.backoffUntil) {
		wait = b.backoffUntil.Sub(now)
	}
	if b.tokens < 1 {
		wait = maxDuration(wait, seconds((1-b.tokens)/b.capacity))
	}
	if limit := b.windowLimit(); len(b.grants) >= limit {
		oldest := b.grants[len(b.grants)-limit]
		wait = maxDuration(wait, oldest.Add(window).Sub(now))
	}
	if wait > 0 {
		return wait
	}

	b.tokens--
	b.grants = append(b.grants, now)
	return 0
}

// throttle applies a multiplicative decrease. Decreases round down to a whole
// number of requests per second and stop at floor.
func (b *TokenBucket) throttle(now time.Time, factor, floor float64, backoff time.Duration) (old, next float64) {
	old = b.capacity
	next = math.Floor(b.capacity * factor)
	if next < floor {
		next = floor
	}
	b.capacity = next
	if b.tokens > next {
		b.tokens = next
	}

	b.consecutive++
	b.total++
	b.lastThrottle = now
	b.lastAdjust = now

	if backoff > 0 {
		if until := now.Add(backoff); until.After(b.backoffUntil) {
			b.backoffUntil = until
		}
	}
	return old, next
}

func (b *TokenBucket) success() {
	b.consecutive = 0
}

// maybeRecover applies at most one additive step once a whole window has passed
// without a throttle or another step. Increases are not rounded.
func (b *TokenBucket) maybeRecover(now time.Time, window time.Duration, step float64) (old, next float64, ok bool) {
	if b.capacity >= b.limits.Ceiling || step <= 0 {
		return b.capacity, b.capacity, false
	}
	if now.Sub(b.lastAdjust) < window {
		return b.capacity, b.capacity, false
	}
	old = b.capacity
	next = math.Min(b.limits.Ceiling, b.capacity*(1+step))
	b.capacity = next
	b.lastAdjust = now
	return old, next, true
}

func (b *TokenBucket) state(now time.Time, window time.Duration) BucketState {
	b.refill(now)
	b.prune(now, window)
	return BucketState{
		Key:                  b.key,
		Capacity:             b.capacity,
		Base:                 b.limits.Base,
		Ceiling:              b.limits.Ceiling,
		Tokens:               b.tokens,
		ConsecutiveThrottles: b.consecutive,
		TotalThrottles:       b.total,
		LastThrottle:         b.lastThrottle,
		BackoffUntil:         b.backoffUntil,
		RecentGrants:         len(b.grants),
	}
}

// seconds converts s to a Duration, rounding up so a positive wait never
// becomes zero.
func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	d := time.Duration(math.Ceil(s * float64(time.Second)))
	if d < 1 {
		d = 1
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
