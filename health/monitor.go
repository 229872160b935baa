package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/tasks"
)

// TaskSource is the registry view the monitor needs.
type TaskSource interface {
	Snapshot() []tasks.Task
	PurgeTerminal(olderThan time.Duration) int
}

// ThrottleSource exposes consecutive throttle counts per key.
type ThrottleSource interface {
	ThrottleCounts() map[string]int
}

// Monitor periodically classifies the health of the process.
type Monitor struct {
	cfg       Config
	tasks     TaskSource
	throttles ThrottleSource
	sampler   ResourceSampler
	calls     *CallTracker
	logger    *logging.Logger
	nowFunc   func() time.Time // for testing

	pollMu   sync.Mutex
	reported map[string]bool // stalled tasks already logged
	status   Status          // last logged status

	mu        sync.RWMutex
	latest    Snapshot
	hasLatest bool
	observers []func(Snapshot)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThrottleSource adds rate limiter counters to snapshots.
func WithThrottleSource(src ThrottleSource) Option {
	return func(m *Monitor) {
		m.throttles = src
	}
}

// WithSampler sets the resource sampler. Without one, memory and open file
// gauges are unknown.
func WithSampler(s ResourceSampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithCallTracker adds call statistics to snapshots.
func WithCallTracker(t *CallTracker) Option {
	return func(m *Monitor) {
		m.calls = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.nowFunc = now
	}
}

// NewMonitor creates a monitor over src. Zero config fields take defaults.
func NewMonitor(cfg Config, src TaskSource, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:      cfg.withDefaults(),
		tasks:    src,
		logger:   logging.Nop(),
		nowFunc:  time.Now,
		reported: make(map[string]bool),
		status:   StatusHealthy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnSnapshot registers a callback invoked after every poll.
func (m *Monitor) OnSnapshot(cb func(Snapshot)) {
	m.mu.Lock()
	m.observers = append(m.observers, cb)
	m.mu.Unlock()
}

// Start begins polling at the configured interval. The first poll runs
// immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	m.Poll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Stop ends periodic polling.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}

// Snapshot returns the latest snapshot, or false if none was taken yet.
func (m *Monitor) Snapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Poll takes a snapshot now, publishes it and returns it. Sampling failures
// degrade individual fields; Poll itself never fails.
func (m *Monitor) Poll(ctx context.Context) Snapshot {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	now := m.nowFunc()
	snap := Snapshot{TakenAt: now}

	var all []tasks.Task
	m.guard("task_snapshot", func() { all = m.tasks.Snapshot() })

	stalledNow := make(map[string]bool)
	for _, t := range all {
		switch t.Status {
		case tasks.StatusPending:
			snap.Tasks.Pending++
		case tasks.StatusRunning:
			snap.Tasks.Running++
			if age := t.HeartbeatAge(now); age > m.cfg.StalenessThreshold {
				snap.Stalled = append(snap.Stalled, StalledTask{
					TaskID:       t.ID,
					Key:          t.Key,
					HeartbeatAge: age,
				})
				stalledNow[t.ID] = true
				if !m.reported[t.ID] {
					m.logger.TaskStalled(t.ID, t.Key, age)
				}
			}
		case tasks.StatusCompleted:
			snap.Tasks.Completed++
		case tasks.StatusFailed:
			snap.Tasks.Failed++
			if now.Sub(t.FinishedAt) <= m.cfg.FailureWindow {
				snap.FailedTasks++
			}
		}
	}
	m.reported = stalledNow

	if m.throttles != nil {
		var counts map[string]int
		m.guard("throttle_counts", func() { counts = m.throttles.ThrottleCounts() })
		for key, n := range counts {
			if n == 0 {
				continue
			}
			if snap.BlockingCallsByKey == nil {
				snap.BlockingCallsByKey = make(map[string]int)
			}
			snap.BlockingCallsByKey[key] = n
		}
	}

	snap.Resources = sampleResources(ctx, m.sampler)
	if m.calls != nil {
		snap.Calls = m.calls.Stats()
	}

	snap.Status, snap.Reasons = classify(snap, m.cfg)
	if snap.Status != m.status {
		m.logger.Health(snap.Status.String(), snap.Reasons)
		m.status = snap.Status
	}

	m.guard("purge_tasks", func() {
		if n := m.tasks.PurgeTerminal(m.cfg.Retention); n > 0 {
			m.logger.Debug("purged_tasks", map[string]interface{}{"count": n})
		}
	})

	m.mu.Lock()
	m.latest = snap
	m.hasLatest = true
	observers := m.observers
	m.mu.Unlock()

	for _, cb := range observers {
		m.guard("snapshot_observer", func() { cb(snap) })
	}
	return snap
}

// guard runs fn and logs a panic instead of letting it escape the poll.
func (m *Monitor) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor_panic", map[string]interface{}{
				"in":    what,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn()
}
