package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/store"
)

// worker is the manager's mutable record. All fields are guarded by
// Manager.mu.
type worker struct {
	id        string
	spec      Spec
	state     State
	validated bool
	taskID    string
	errMsg    string
	createdAt time.Time
	updatedAt time.Time
	version   uint64

	changed chan struct{} // closed and replaced on every transition
	run     *run          // current run, nil when no goroutine is owned
}

// run is one execution of a worker's run loop. A goroutine whose run is no
// longer the worker's current run has been abandoned and its exit is
// ignored.
type run struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) view() Worker {
	return Worker{
		ID:        w.id,
		Spec:      w.spec.clone(),
		State:     w.state,
		TaskID:    w.taskID,
		Error:     w.errMsg,
		Validated: w.validated,
		CreatedAt: w.createdAt,
		UpdatedAt: w.updatedAt,
	}
}

func (w *worker) record() store.Record {
	spec := w.spec.clone()
	return store.Record{
		ID:        w.id,
		Name:      spec.Name,
		Key:       spec.Key,
		Owner:     spec.Owner,
		Params:    spec.Params,
		State:     w.state.String(),
		Validated: w.validated,
		LastError: w.errMsg,
		CreatedAt: w.createdAt,
		UpdatedAt: w.updatedAt,
	}
}

// event is a committed transition waiting to be published.
type event struct {
	tr      Transition
	rec     store.Record
	version uint64
}

// Manager drives workers through their lifecycle.
type Manager struct {
	cfg       Config
	tasks     TaskTracker
	gate      CallGate
	runner    Runner
	validator Validator
	store     store.Store
	logger    *logging.Logger
	idGen     func() string
	nowFunc   func() time.Time // for testing

	mu        sync.Mutex
	workers   map[string]*worker
	observers []func(Transition)

	persistMu sync.Mutex
	persisted map[string]uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithValidator sets the spec validator. Without one, only the built-in
// checks run.
func WithValidator(v Validator) Option {
	return func(m *Manager) {
		m.validator = v
	}
}

// WithStore persists every transition to s.
func WithStore(s store.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithIDGenerator sets a custom worker ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// NewManager creates a manager. Run loops are registered with tasks and
// their outbound calls pass through gate.
func NewManager(cfg Config, tasks TaskTracker, gate CallGate, runner Runner, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tasks == nil || gate == nil || runner == nil {
		return nil, bkerrors.Wrap(ErrInvalidConfig, "task tracker, call gate and runner are required")
	}
	m := &Manager{
		cfg:       cfg,
		tasks:     tasks,
		gate:      gate,
		runner:    runner,
		logger:    logging.Nop(),
		idGen:     uuid.NewString,
		nowFunc:   time.Now,
		workers:   make(map[string]*worker),
		persisted: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnTransition registers a callback for every state change. Callbacks run
// outside the manager's lock and may be called concurrently.
func (m *Manager) OnTransition(cb func(Transition)) {
	m.mu.Lock()
	m.observers = append(m.observers, cb)
	m.mu.Unlock()
}

// transition moves w to state to along a step of the state table. An
// illegal step is a bug in the manager and panics. Caller holds m.mu.
func (m *Manager) transition(w *worker, to State, reason string) event {
	if !CanTransition(w.state, to) {
		panic(fmt.Sprintf("lifecycle: illegal transition %s -> %s for worker %s", w.state, to, w.id))
	}
	return m.move(w, to, reason)
}

// move commits a state change without consulting the state table. Only
// error reporting uses it directly. Caller holds m.mu.
func (m *Manager) move(w *worker, to State, reason string) event {
	now := m.nowFunc()
	from := w.state
	w.state = to
	w.updatedAt = now
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	return event{
		tr:      Transition{WorkerID: w.id, From: from, To: to, At: now, Reason: reason},
		rec:     w.record(),
		version: w.version,
	}
}

// publish logs, notifies and persists committed transitions. Must be called
// without m.mu held.
func (m *Manager) publish(events ...event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	observers := make([]func(Transition), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, ev := range events {
		m.logger.Transition(ev.tr.WorkerID, ev.tr.From.String(), ev.tr.To.String())
		for _, cb := range observers {
			cb(ev.tr)
		}
		m.persist(ev)
	}
}

func (m *Manager) persist(ev event) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if m.persisted[ev.rec.ID] >= ev.version {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, ev.rec); err != nil {
		m.logger.Warn("persist_failed", map[string]interface{}{
			"worker": ev.rec.ID,
			"state":  ev.rec.State,
			"error":  err.Error(),
		})
		return
	}
	m.persisted[ev.rec.ID] = ev.version
}

func (m *Manager) lookup(id string) (*worker, error) {
	w, ok := m.workers[id]
	if !ok {
		return nil, bkerrors.NotFound("worker not found", bkerrors.WithWorkerID(id))
	}
	return w, nil
}

// Create registers a worker and validates its spec. The worker id is
// returned even when validation fails, so the caller can acknowledge and
// remove the failed worker.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	now := m.nowFunc()
	w := &worker{
		id:        m.idGen(),
		spec:      spec.clone(),
		state:     StateNone,
		createdAt: now,
		updatedAt: now,
		changed:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.workers[w.id]; exists {
		m.mu.Unlock()
		return "", bkerrors.Internal("worker id collision", bkerrors.WithWorkerID(w.id))
	}
	m.workers[w.id] = w
	ev := m.transition(w, StateCreating, "create")
	m.mu.Unlock()
	m.publish(ev)

	verr := m.validate(ctx, w.spec.clone())

	m.mu.Lock()
	if w.state != StateCreating {
		state := w.state
		m.mu.Unlock()
		return w.id, bkerrors.InvalidTransition(w.id, "finish creating", state.String())
	}
	if verr != nil {
		w.errMsg = verr.Error()
		ev = m.transition(w, StateError, "validation failed")
	} else {
		w.validated = true
		ev = m.transition(w, StateCreated, "validated")
	}
	m.mu.Unlock()
	m.publish(ev)

	if verr != nil {
		return w.id, bkerrors.WrapWithCode(verr, bkerrors.ErrCodeInvalidInput, "invalid worker spec",
			bkerrors.WithWorkerID(w.id))
	}
	return w.id, nil
}

func (m *Manager) validate(ctx context.Context, spec Spec) (err error) {
	if spec.Key == "" {
		return bkerrors.InvalidInput("spec key is required")
	}
	if m.validator == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = bkerrors.RecoverPanic(r)
		}
	}()
	return m.validator.Validate(ctx, spec)
}

// Start launches the worker's run loop. It is allowed from created, and
// from none when the worker was validated earlier (stopped or
// acknowledged). The worker stays in starting until the loop calls
// Handle.Ready.
func (m *Manager) Start(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return bkerrors.Wrap(err, "start worker", bkerrors.WithWorkerID(id))
	}

	m.mu.Lock()
	w, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !(w.state == StateCreated || (w.state == StateNone && w.validated)) {
		state := w.state
		m.mu.Unlock()
		return bkerrors.InvalidTransition(id, "start", state.String())
	}

	events := []event{m.transition(w, StateStarting, "start")}
	taskID, rerr := m.tasks.RegisterExclusive(id)
	if rerr != nil {
		w.errMsg = rerr.Error()
		events = append(events, m.transition(w, StateError, "duplicate task"))
		m.mu.Unlock()
		m.publish(events...)
		return bkerrors.Wrap(rerr, "register worker task", bkerrors.WithWorkerID(id))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{taskID: taskID, cancel: cancel, done: make(chan struct{})}
	w.run = r
	w.taskID = taskID
	w.errMsg = ""
	h := newHandle(m, w.id, w.spec.clone(), r)
	m.mu.Unlock()
	m.publish(events...)

	go m.execute(runCtx, h)
	return nil
}

func (m *Manager) execute(ctx context.Context, h *Handle) {
	defer close(h.run.done)
	defer h.run.cancel()

	m.tasks.MarkRunning(h.run.taskID)
	err := m.invoke(ctx, h)
	m.finish(h.id, h.run, err)
}

func (m *Manager) invoke(ctx context.Context, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := bkerrors.RecoverPanic(r)
			h.logger.Error("run_panic", map[string]interface{}{"error": perr.Error()})
			err = perr
		}
	}()
	return m.runner.Run(ctx, h)
}

// finish settles a run whose goroutine returned.
func (m *Manager) finish(id string, r *run, runErr error) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok || w.run != r {
		m.mu.Unlock()
		return
	}
	w.run = nil

	var events []event
	switch w.state {
	case StateStopping:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			m.tasks.MarkFailed(r.taskID, runErr)
			m.logger.Warn("run_error_on_stop", map[string]interface{}{
				"worker": id,
				"error":  runErr.Error(),
			})
		} else {
			m.tasks.MarkCompleted(r.taskID)
		}
		events = append(events, m.transition(w, StateNone, "stopped"))
	case StateStarting, StateRunning:
		if runErr != nil {
			m.tasks.MarkFailed(r.taskID, runErr)
			w.errMsg = runErr.Error()
			events = append(events, m.transition(w, StateError, "run failed"))
		} else {
			m.tasks.MarkCompleted(r.taskID)
			events = append(events,
				m.transition(w, StateStopping, "run returned"),
				m.transition(w, StateNone, "stopped"))
		}
	}
	m.mu.Unlock()
	m.publish(events...)
}

// markReady confirms the first successful iteration of run r.
func (m *Manager) markReady(id string, r *run) bool {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok || w.run != r || w.state != StateStarting {
		m.mu.Unlock()
		return false
	}
	ev := m.transition(w, StateRunning, "ready")
	m.mu.Unlock()
	m.publish(ev)
	return true
}

// Stop cancels the worker's run loop and waits up to the stop grace period
// for it to exit. A loop that outlives the grace period is abandoned: the
// worker moves to error, its task is marked failed and a STOP_TIMEOUT
// error is returned. The goroutine itself is never killed. If ctx ends
// first, Stop returns its error and the grace period runs out in the
// background.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	w, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if w.state != StateStarting && w.state != StateRunning {
		state := w.state
		m.mu.Unlock()
		return bkerrors.InvalidTransition(id, "stop", state.String())
	}
	r := w.run
	ev := m.transition(w, StateStopping, "stop")
	m.mu.Unlock()
	m.publish(ev)

	r.cancel()

	timer := time.NewTimer(m.cfg.StopGrace)

	select {
	case <-r.done:
		timer.Stop()
		return m.settledStop(id)
	case <-timer.C:
		return m.abandon(w, r)
	case <-ctx.Done():
		go func() {
			defer timer.Stop()
			select {
			case <-r.done:
			case <-timer.C:
				_ = m.abandon(w, r)
			}
		}()
		return bkerrors.Wrap(ctx.Err(), "waiting for worker to stop", bkerrors.WithWorkerID(id))
	}
}

// abandon gives up on run r after the stop grace period: the worker moves
// to error and its task is marked failed.
func (m *Manager) abandon(w *worker, r *run) error {
	m.mu.Lock()
	if w.run != r {
		m.mu.Unlock()
		return m.settledStop(w.id)
	}
	w.run = nil
	terr := bkerrors.StopTimeout(w.id, m.cfg.StopGrace, bkerrors.WithTaskID(r.taskID))
	m.tasks.MarkFailed(r.taskID, terr)
	w.errMsg = terr.Error()
	ev := m.transition(w, StateError, "stop timeout")
	m.mu.Unlock()
	m.publish(ev)

	m.logger.Error("stop_timeout", map[string]interface{}{
		"worker": w.id,
		"task":   r.taskID,
		"grace":  m.cfg.StopGrace.String(),
	})
	return terr
}

// settledStop reports how a stop ended once the run was settled.
func (m *Manager) settledStop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok || w.state == StateNone {
		return nil
	}
	if w.state == StateError {
		return bkerrors.Internal("worker failed while stopping: "+w.errMsg, bkerrors.WithWorkerID(id))
	}
	return nil
}

// ReportError moves the worker to error from any state but none, marks its
// task failed and cancels its run loop.
func (m *Manager) ReportError(id, message string) error {
	m.mu.Lock()
	w, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	ev, err := m.fail(w, nil, message)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.publish(ev...)
	return nil
}

// fail moves w to error. When only is set, the failure is applied only if
// it is still w's current run. Caller holds m.mu.
func (m *Manager) fail(w *worker, only *run, message string) ([]event, error) {
	if only != nil && w.run != only {
		return nil, nil
	}
	switch w.state {
	case StateNone:
		return nil, bkerrors.InvalidTransition(w.id, "report error", w.state.String())
	case StateError:
		return nil, nil
	}
	w.errMsg = message
	if r := w.run; r != nil {
		w.run = nil
		r.cancel()
		m.tasks.MarkFailed(r.taskID, bkerrors.Internal(message, bkerrors.WithWorkerID(w.id)))
	}
	return []event{m.move(w, StateError, "reported error")}, nil
}

// Acknowledge clears an error, returning the worker to none.
func (m *Manager) Acknowledge(id string) error {
	m.mu.Lock()
	w, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if w.state != StateError {
		state := w.state
		m.mu.Unlock()
		return bkerrors.InvalidTransition(id, "acknowledge", state.String())
	}
	w.errMsg = ""
	ev := m.transition(w, StateNone, "acknowledged")
	m.mu.Unlock()
	m.publish(ev)
	return nil
}

// Remove forgets a worker in none or created and deletes its record.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	w, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if w.state != StateNone && w.state != StateCreated {
		state := w.state
		m.mu.Unlock()
		return bkerrors.InvalidTransition(id, "remove", state.String())
	}
	delete(m.workers, id)
	close(w.changed)
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	delete(m.persisted, id)
	if err := m.store.Delete(ctx, id); err != nil {
		return bkerrors.Wrap(err, "delete worker record", bkerrors.WithWorkerID(id))
	}
	return nil
}

// Get returns a view of one worker.
func (m *Manager) Get(id string) (Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.view(), true
}

// List returns views of all workers, oldest first.
func (m *Manager) List() []Worker {
	m.mu.Lock()
	out := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.view())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AwaitState blocks until the worker reaches one of states or ctx is done.
func (m *Manager) AwaitState(ctx context.Context, id string, states ...State) (Worker, error) {
	for {
		m.mu.Lock()
		w, err := m.lookup(id)
		if err != nil {
			m.mu.Unlock()
			return Worker{}, err
		}
		for _, s := range states {
			if w.state == s {
				v := w.view()
				m.mu.Unlock()
				return v, nil
			}
		}
		ch := w.changed
		v := w.view()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return v, bkerrors.Wrap(ctx.Err(), "awaiting worker state", bkerrors.WithWorkerID(id))
		case <-ch:
		}
	}
}

// StopAll stops every starting or running worker concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	var ids []string
	for id, w := range m.workers {
		if w.state == StateStarting || w.state == StateRunning {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil && !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return bkerrors.Join(errs...)
}

// Restore loads persisted workers that the manager does not know yet.
// Workers that were starting, running or stopping when their record was
// written come back in none, still validated; their IDs are returned so
// the caller can start them again. A worker interrupted during validation
// comes back in error. Restored workers emit no transitions.
func (m *Manager) Restore(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, bkerrors.Wrap(err, "list worker records")
	}

	var (
		resumable []string
		events    []event
	)
	m.mu.Lock()
	for _, rec := range recs {
		if _, exists := m.workers[rec.ID]; exists {
			continue
		}
		w := &worker{
			id:        rec.ID,
			spec:      Spec{Name: rec.Name, Key: rec.Key, Owner: rec.Owner, Params: rec.Params}.clone(),
			state:     ParseState(rec.State),
			validated: rec.Validated,
			errMsg:    rec.LastError,
			createdAt: rec.CreatedAt,
			updatedAt: rec.UpdatedAt,
			version:   1,
			changed:   make(chan struct{}),
		}
		switch w.state {
		case StateStarting, StateRunning, StateStopping:
			w.state = StateNone
			w.errMsg = ""
			if w.validated {
				resumable = append(resumable, w.id)
			}
		case StateCreating:
			w.state = StateError
			w.errMsg = "validation interrupted by restart"
		}
		m.workers[w.id] = w
		events = append(events, event{rec: w.record(), version: w.version})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.persist(ev)
	}
	m.logger.Info("workers_restored", map[string]interface{}{
		"count":     len(events),
		"resumable": len(resumable),
	})

	sort.Strings(resumable)
	return resumable, nil
}
