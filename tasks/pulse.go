package tasks

import (
	"context"
	"sync"
	"time"
)

// DefaultPulseInterval keeps a task comfortably inside a one minute
// staleness threshold.
const DefaultPulseInterval = 15 * time.Second

// Heartbeater records heartbeats. *Registry implements it.
type Heartbeater interface {
	Heartbeat(id string) bool
}

// Pulse sends heartbeats for one task on a ticker. Run loops whose
// iterations may block for long stretches use it instead of calling
// Heartbeat inline.
type Pulse struct {
	hb       Heartbeater
	id       string
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartPulse begins heartbeating id. The first beat is sent immediately.
// The pulse ends when ctx is done, Stop is called, or the task is unknown
// or finished.
func StartPulse(ctx context.Context, hb Heartbeater, id string, interval time.Duration) *Pulse {
	if interval <= 0 {
		interval = DefaultPulseInterval
	}
	p := &Pulse{
		hb:       hb,
		id:       id,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Pulse) run(ctx context.Context) {
	defer close(p.doneCh)

	if !p.hb.Heartbeat(p.id) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.hb.Heartbeat(p.id) {
				return
			}
		}
	}
}

// Stop ends the pulse and waits for its goroutine. Safe to call repeatedly.
func (p *Pulse) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Done is closed once the pulse goroutine has exited.
func (p *Pulse) Done() <-chan struct{} {
	return p.doneCh
}
