package ratelimit

import (
	"context"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// CallFunc performs one outbound call. Executors report an upstream
// rejection by returning an error built with Throttled.
type CallFunc func(ctx context.Context) error

// Throttled builds the error an executor returns when the upstream rejected
// the call. retryAfter is the upstream's hint, or zero when it sent none.
func Throttled(retryAfter time.Duration, cause error) error {
	opts := []bkerrors.Option{bkerrors.WithMetadata("retry_after", retryAfter.String())}
	if cause != nil {
		opts = append(opts, bkerrors.WithCause(cause))
	}
	return bkerrors.RateLimited("upstream throttled", opts...)
}

// IsThrottled reports whether err signals an upstream rejection.
func IsThrottled(err error) bool {
	return bkerrors.Is(err, bkerrors.ErrCodeRateLimit)
}

// RetryAfter extracts the Retry-After hint carried by a Throttled error.
func RetryAfter(err error) time.Duration {
	md := bkerrors.GetMetadata(err)
	if md == nil {
		return 0
	}
	d, perr := time.ParseDuration(md["retry_after"])
	if perr != nil {
		return 0
	}
	return d
}

// Call waits for a token for key, runs fn and reports the outcome.
// Errors other than a throttle are returned untouched and not reported.
func (a *AdaptiveLimiter) Call(ctx context.Context, key string, fn CallFunc) error {
	if err := a.Wait(ctx, key); err != nil {
		return bkerrors.Wrap(err, "waiting for rate limit", bkerrors.WithMetadata("key", key))
	}
	err := fn(ctx)
	switch {
	case err == nil:
		a.ReportOutcome(key, false)
	case IsThrottled(err):
		a.ReportThrottle(key, RetryAfter(err))
	}
	return err
}

// Wrap returns fn gated by the limiter under key.
func Wrap(a *AdaptiveLimiter, key string, fn CallFunc) CallFunc {
	return func(ctx context.Context) error {
		return a.Call(ctx, key, fn)
	}
}
