package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/botkit/logging"
)

// AdaptiveLimiter owns one TokenBucket per key. Buckets are created lazily
// on first use. The registry lock is only held to find or insert a bucket;
// all accounting happens under the bucket's own lock, so keys never contend.
type AdaptiveLimiter struct {
	cfg     Config
	logger  *logging.Logger
	nowFunc func() time.Time // for testing

	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	obsMu     sync.RWMutex
	observers []OnCapacityChange
}

// Option configures an AdaptiveLimiter.
type Option func(*AdaptiveLimiter)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *AdaptiveLimiter) {
		a.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *AdaptiveLimiter) {
		a.nowFunc = now
	}
}

// NewAdaptiveLimiter creates a limiter. Zero config fields take defaults.
func NewAdaptiveLimiter(cfg Config, opts ...Option) (*AdaptiveLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &AdaptiveLimiter{
		cfg:     cfg.withDefaults(),
		logger:  logging.Nop(),
		nowFunc: time.Now,
		buckets: make(map[string]*TokenBucket),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// bucket returns the bucket for key, creating it if needed.
func (a *AdaptiveLimiter) bucket(key string) *TokenBucket {
	a.mu.RLock()
	b, ok := a.buckets[key]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(key, a.cfg.limitsFor(key), a.nowFunc())
	a.buckets[key] = b
	return b
}

func (a *AdaptiveLimiter) lookup(key string) (*TokenBucket, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.buckets[key]
	return b, ok
}

// Acquire takes a token for key. It never blocks: a zero result means the
// call may proceed now, otherwise the caller should wait the returned
// duration and try again. A pending recovery step is applied first.
func (a *AdaptiveLimiter) Acquire(key string) time.Duration {
	b := a.bucket(key)
	now := a.nowFunc()

	b.mu.Lock()
	old, next, recovered := b.maybeRecover(now, a.cfg.RecoveryWindow, a.cfg.RecoveryStep)
	wait := b.take(now, a.cfg.Window)
	b.mu.Unlock()

	if recovered {
		a.logger.CapacityRecovered(key, old, next)
		a.notify(CapacityUpdate{
			Key:         key,
			OldCapacity: old,
			NewCapacity: next,
			Reason:      ReasonRecovered,
			Timestamp:   now,
		})
	}
	return wait
}

// Wait blocks until Acquire grants a token for key or ctx ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context, key string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := a.Acquire(key)
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportOutcome records the result of a call made under key.
// A throttled outcome halves capacity; a successful one clears the
// consecutive throttle counter.
func (a *AdaptiveLimiter) ReportOutcome(key string, throttled bool) {
	if throttled {
		a.ReportThrottle(key, 0)
		return
	}
	b := a.bucket(key)
	b.mu.Lock()
	b.success()
	b.mu.Unlock()
}

// ReportThrottle records a throttled call. A positive retryAfter, capped at
// the configured maximum, also blocks grants for key until it elapses.
func (a *AdaptiveLimiter) ReportThrottle(key string, retryAfter time.Duration) {
	if retryAfter > a.cfg.MaxBackoff {
		retryAfter = a.cfg.MaxBackoff
	}
	b := a.bucket(key)
	now := a.nowFunc()

	b.mu.Lock()
	old, next := b.throttle(now, a.cfg.DecreaseFactor, a.cfg.MinCapacity, retryAfter)
	consecutive := b.consecutive
	b.mu.Unlock()

	a.logger.Throttled(key, next, consecutive)
	if old != next {
		a.notify(CapacityUpdate{
			Key:         key,
			OldCapacity: old,
			NewCapacity: next,
			Reason:      ReasonThrottled,
			Timestamp:   now,
		})
	}
}

// State returns the current view of key's bucket.
func (a *AdaptiveLimiter) State(key string) (BucketState, bool) {
	b, ok := a.lookup(key)
	if !ok {
		return BucketState{}, false
	}
	now := a.nowFunc()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(now, a.cfg.Window), true
}

// States returns every bucket's state, sorted by key.
func (a *AdaptiveLimiter) States() []BucketState {
	a.mu.RLock()
	buckets := make([]*TokenBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		buckets = append(buckets, b)
	}
	a.mu.RUnlock()

	now := a.nowFunc()
	out := make([]BucketState, 0, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		out = append(out, b.state(now, a.cfg.Window))
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ThrottleCounts returns the consecutive throttle count of every key.
func (a *AdaptiveLimiter) ThrottleCounts() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int, len(a.buckets))
	for key, b := range a.buckets {
		b.mu.Lock()
		out[key] = b.consecutive
		b.mu.Unlock()
	}
	return out
}

// Forget drops key's bucket. The next Acquire starts from base capacity.
func (a *AdaptiveLimiter) Forget(key string) {
	a.mu.Lock()
	delete(a.buckets, key)
	a.mu.Unlock()
}

// OnCapacityChange registers an observer for capacity changes.
func (a *AdaptiveLimiter) OnCapacityChange(cb OnCapacityChange) {
	a.obsMu.Lock()
	a.observers = append(a.observers, cb)
	a.obsMu.Unlock()
}

func (a *AdaptiveLimiter) notify(update CapacityUpdate) {
	a.obsMu.RLock()
	observers := a.observers
	a.obsMu.RUnlock()
	for _, cb := range observers {
		cb(update)
	}
}
