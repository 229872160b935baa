package tasks

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/logging"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	live  map[string]map[string]struct{} // key -> ids of non-terminal tasks
}

func (s *shard) retire(t *Task) {
	ids := s.live[t.Key]
	delete(ids, t.ID)
	if len(ids) == 0 {
		delete(s.live, t.Key)
	}
}

// Registry tracks background tasks. Tasks are partitioned by key, so
// registration and updates for different keys rarely share a lock, and the
// exclusivity check for a key is atomic within its shard.
type Registry struct {
	shards [shardCount]*shard
	index  sync.Map // task id -> key

	idGen   func() string
	nowFunc func() time.Time // for testing
	logger  *logging.Logger
	unknown rate.Sometimes
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		r.idGen = gen
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

// WithLogger sets the logger used for updates to unknown tasks.
func WithLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		idGen:   uuid.NewString,
		nowFunc: time.Now,
		logger:  logging.Nop(),
		unknown: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			tasks: make(map[string]*Task),
			live:  make(map[string]map[string]struct{}),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[xxhash.Sum64String(key)%shardCount]
}

func (r *Registry) shardForID(id string) (*shard, bool) {
	key, ok := r.index.Load(id)
	if !ok {
		return nil, false
	}
	return r.shardFor(key.(string)), true
}

// Register records a new pending task for key.
func (r *Registry) Register(key string) (string, error) {
	return r.register(key, false)
}

// RegisterExclusive records a new pending task for key, failing with
// ErrDuplicateRegistration if key already has a non-terminal task.
func (r *Registry) RegisterExclusive(key string) (string, error) {
	return r.register(key, true)
}

func (r *Registry) register(key string, exclusive bool) (string, error) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if exclusive {
		for holder := range s.live[key] {
			return "", bkerrors.DuplicateRegistration(key, holder)
		}
	}

	now := r.nowFunc()
	t := &Task{
		ID:            r.idGen(),
		Key:           key,
		Status:        StatusPending,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	s.tasks[t.ID] = t
	if s.live[key] == nil {
		s.live[key] = make(map[string]struct{})
	}
	s.live[key][t.ID] = struct{}{}
	r.index.Store(t.ID, key)
	return t.ID, nil
}

// update applies fn to the task under its shard lock. It reports whether
// the task exists.
func (r *Registry) update(id, op string, fn func(t *Task, now time.Time)) bool {
	if s, ok := r.shardForID(id); ok {
		s.mu.Lock()
		t, found := s.tasks[id]
		if found {
			fn(t, r.nowFunc())
			if t.Status.IsTerminal() {
				s.retire(t)
			}
		}
		s.mu.Unlock()
		if found {
			return true
		}
	}
	r.unknown.Do(func() {
		r.logger.Warn("unknown_task", map[string]interface{}{
			"task": id,
			"op":   op,
		})
	})
	return false
}

// MarkRunning moves a pending task to running. It counts as a heartbeat.
// Terminal tasks are left alone.
func (r *Registry) MarkRunning(id string) bool {
	return r.update(id, "mark_running", func(t *Task, now time.Time) {
		if t.Status.IsTerminal() {
			return
		}
		t.Status = StatusRunning
		t.LastHeartbeat = now
	})
}

// Heartbeat records that the task is still making progress. It reports
// false for unknown and terminal tasks.
func (r *Registry) Heartbeat(id string) bool {
	live := false
	found := r.update(id, "heartbeat", func(t *Task, now time.Time) {
		if t.Status.IsTerminal() {
			return
		}
		live = true
		t.LastHeartbeat = now
	})
	return found && live
}

// MarkCompleted records a clean exit. It is a no-op on terminal tasks.
func (r *Registry) MarkCompleted(id string) bool {
	return r.update(id, "mark_completed", func(t *Task, now time.Time) {
		if t.Status.IsTerminal() {
			return
		}
		t.Status = StatusCompleted
		t.FinishedAt = now
	})
}

// MarkFailed records a failed exit with its reason. It is a no-op on
// terminal tasks, so the first recorded reason wins.
func (r *Registry) MarkFailed(id string, cause error) bool {
	return r.update(id, "mark_failed", func(t *Task, now time.Time) {
		if t.Status.IsTerminal() {
			return
		}
		t.Status = StatusFailed
		t.FinishedAt = now
		if cause != nil {
			t.LastError = cause.Error()
		} else {
			t.LastError = "unknown failure"
		}
	})
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	s, ok := r.shardForID(id)
	if !ok {
		return Task{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Active returns the most recently started non-terminal task for key.
func (r *Registry) Active(key string) (Task, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Task
	for id := range s.live[key] {
		t := s.tasks[id]
		if best == nil || t.StartedAt.After(best.StartedAt) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return *best, true
}

// Snapshot returns copies of every task, oldest first.
func (r *Registry) Snapshot() []Task {
	var out []Task
	for _, s := range r.shards {
		s.mu.RLock()
		for _, t := range s.tasks {
			out = append(out, *t)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.tasks)
		s.mu.RUnlock()
	}
	return n
}

// PurgeTerminal drops terminal tasks that finished at least olderThan ago
// and returns how many were removed.
func (r *Registry) PurgeTerminal(olderThan time.Duration) int {
	now := r.nowFunc()
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, t := range s.tasks {
			if t.Status.IsTerminal() && now.Sub(t.FinishedAt) >= olderThan {
				delete(s.tasks, id)
				r.index.Delete(id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Remove drops a terminal task immediately.
func (r *Registry) Remove(id string) error {
	s, ok := r.shardForID(id)
	if !ok {
		return bkerrors.NotFound("task "+id+" not found", bkerrors.WithTaskID(id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return bkerrors.NotFound("task "+id+" not found", bkerrors.WithTaskID(id))
	}
	if !t.Status.IsTerminal() {
		return bkerrors.New(bkerrors.ErrCodePrecondition,
			"task "+id+" is still "+t.Status.String(), bkerrors.WithTaskID(id))
	}
	delete(s.tasks, id)
	r.index.Delete(id)
	return nil
}
