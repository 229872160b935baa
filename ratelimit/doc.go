// Package ratelimit gates outbound calls per key with an adaptive token
// bucket.
//
// Each key (typically one bot credential) gets its own bucket, created on
// first use. Capacity follows AIMD: every throttle reported by the upstream
// halves it, with a floor of one request per second, and every throttle-free
// recovery window grows it by a fixed step up to the key's ceiling.
//
// # Acquiring
//
// Acquire never blocks. It returns zero when the call may proceed, or the
// time to wait before trying again:
//
//	if d := limiter.Acquire(key); d > 0 {
//	    time.Sleep(d)
//	}
//
// Wait and Call do the suspension for you and honour context cancellation:
//
//	err := limiter.Call(ctx, key, func(ctx context.Context) error {
//	    resp, err := client.Do(req.WithContext(ctx))
//	    if err != nil {
//	        return err
//	    }
//	    if resp.StatusCode == http.StatusTooManyRequests {
//	        return ratelimit.Throttled(retryAfter(resp), nil)
//	    }
//	    return nil
//	})
//
// # Reporting
//
// Call reports outcomes itself. Code that acquires directly reports with
// ReportOutcome, or ReportThrottle when the upstream sent a Retry-After hint.
//
// # Observing
//
// States and ThrottleCounts expose per-key counters for health monitoring.
// OnCapacityChange observers see every decrease and recovery step;
// NewCapacityPublisher forwards them to a message bus.
package ratelimit
