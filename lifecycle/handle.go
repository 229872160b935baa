package lifecycle

import (
	"context"
	"time"

	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/tasks"
)

// Handle is what a run loop sees of the manager. It is bound to a single
// run; after that run is stopped or abandoned its methods only affect the
// task registry entry of the old run.
type Handle struct {
	m      *Manager
	id     string
	spec   Spec
	run    *run
	logger *logging.Logger
}

func newHandle(m *Manager, id string, spec Spec, r *run) *Handle {
	return &Handle{
		m:      m,
		id:     id,
		spec:   spec,
		run:    r,
		logger: m.logger.WithComponent("worker:" + id),
	}
}

// ID returns the worker ID.
func (h *Handle) ID() string { return h.id }

// Spec returns a copy of the worker spec.
func (h *Handle) Spec() Spec { return h.spec.clone() }

// TaskID returns the registry task ID of this run.
func (h *Handle) TaskID() string { return h.run.taskID }

// Logger returns a logger tagged with the worker ID.
func (h *Handle) Logger() *logging.Logger { return h.logger }

// Ready confirms the first successful iteration, moving the worker from
// starting to running. Later calls are no-ops and return false.
func (h *Handle) Ready() bool {
	h.m.tasks.Heartbeat(h.run.taskID)
	return h.m.markReady(h.id, h.run)
}

// Heartbeat records liveness for this run's task.
func (h *Handle) Heartbeat() bool {
	return h.m.tasks.Heartbeat(h.run.taskID)
}

// Pulse heartbeats on a ticker until ctx is done or the pulse is stopped.
// Use it around iterations that block longer than the staleness threshold.
func (h *Handle) Pulse(ctx context.Context, interval time.Duration) *tasks.Pulse {
	return tasks.StartPulse(ctx, h.m.tasks, h.run.taskID, interval)
}

// Call runs fn gated by the worker's rate limit key and records a heartbeat
// once it returns. While the call is queued behind the limiter the task
// keeps heartbeating; fn itself runs without a pulse, so a hung call still
// shows up as stalled.
func (h *Handle) Call(ctx context.Context, fn ratelimit.CallFunc) error {
	p := h.Pulse(ctx, h.m.cfg.PulseInterval)
	err := h.m.gate.Call(ctx, h.spec.Key, func(ctx context.Context) error {
		p.Stop()
		return fn(ctx)
	})
	p.Stop()
	h.Heartbeat()
	return err
}

// Wait sleeps for d or until ctx is done, heartbeating meanwhile.
func (h *Handle) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	p := h.Pulse(ctx, h.m.cfg.PulseInterval)
	defer p.Stop()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fail moves the worker to error with message and cancels this run. It is
// ignored once the run is no longer current.
func (h *Handle) Fail(message string) {
	h.m.mu.Lock()
	w, ok := h.m.workers[h.id]
	if !ok {
		h.m.mu.Unlock()
		return
	}
	events, err := h.m.fail(w, h.run, message)
	h.m.mu.Unlock()
	if err != nil {
		h.logger.Warn("fail_ignored", map[string]interface{}{"error": err.Error()})
		return
	}
	h.m.publish(events...)
}
