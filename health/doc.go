// Package health classifies the health of a botkit process.
//
// A Monitor polls the task registry, the rate limiter's throttle counters
// and a few process gauges, and turns them into an immutable Snapshot with
// one of three statuses:
//
//   - critical: a running task's heartbeat is stale, memory is above the
//     hard limit, or a key has been throttled too many times in a row
//   - degraded: too many tasks failed recently, or memory is above the
//     soft limit
//   - healthy: neither of the above
//
// Resource gauges are best effort. A gauge the host cannot provide is
// reported as unknown and takes no part in classification.
//
// # Usage
//
//	sampler, _ := health.NewProcessSampler()
//	mon, err := health.NewMonitor(health.DefaultConfig(), registry,
//	    health.WithThrottleSource(limiter),
//	    health.WithSampler(sampler),
//	)
//	mon.Start(ctx)
//	defer mon.Stop()
//
//	router.Mount("/health", health.Handler(mon))
//
// CallTracker wraps outbound calls to record their durations and flag
// slow ones; its statistics appear in every snapshot.
package health
