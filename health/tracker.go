package health

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/ratelimit"
)

type callStat struct {
	calls, failures, slow int64
	total, max            time.Duration
	lastError             string
}

// CallTracker records duration and outcome of wrapped calls by name.
type CallTracker struct {
	slow    time.Duration
	logger  *logging.Logger
	nowFunc func() time.Time // for testing

	mu    sync.Mutex
	stats map[string]*callStat
}

// NewCallTracker creates a tracker that flags calls slower than slow.
func NewCallTracker(slow time.Duration, logger *logging.Logger) *CallTracker {
	if slow <= 0 {
		slow = DefaultConfig().SlowCallThreshold
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CallTracker{
		slow:    slow,
		logger:  logger,
		nowFunc: time.Now,
		stats:   make(map[string]*callStat),
	}
}

// Wrap returns fn instrumented under name.
func (t *CallTracker) Wrap(name string, fn ratelimit.CallFunc) ratelimit.CallFunc {
	return func(ctx context.Context) error {
		start := t.nowFunc()
		err := fn(ctx)
		t.Observe(name, t.nowFunc().Sub(start), err)
		return err
	}
}

// Observe records one call.
func (t *CallTracker) Observe(name string, d time.Duration, err error) {
	t.mu.Lock()
	st, ok := t.stats[name]
	if !ok {
		st = &callStat{}
		t.stats[name] = st
	}
	st.calls++
	st.total += d
	if d > st.max {
		st.max = d
	}
	if err != nil {
		st.failures++
		st.lastError = err.Error()
	}
	slow := d > t.slow
	if slow {
		st.slow++
	}
	t.mu.Unlock()

	if slow {
		t.logger.Warn("slow_call", map[string]interface{}{
			"call":     name,
			"duration": d.String(),
		})
	}
}

// Stats returns a copy of the aggregated statistics.
func (t *CallTracker) Stats() map[string]CallStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]CallStats, len(t.stats))
	for name, st := range t.stats {
		cs := CallStats{
			Calls:     st.calls,
			Failures:  st.failures,
			Slow:      st.slow,
			Max:       st.max,
			LastError: st.lastError,
		}
		if st.calls > 0 {
			cs.Mean = st.total / time.Duration(st.calls)
		}
		out[name] = cs
	}
	return out
}
