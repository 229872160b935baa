package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/store"
	"github.com/vinayprograms/botkit/tasks"
)

// recordingGate passes calls straight through and remembers their keys.
type recordingGate struct {
	mu   sync.Mutex
	keys []string
}

func (g *recordingGate) Call(ctx context.Context, key string, fn ratelimit.CallFunc) error {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.mu.Unlock()
	return fn(ctx)
}

// readyRunner confirms readiness and blocks until cancelled.
func readyRunner() RunFunc {
	return func(ctx context.Context, h *Handle) error {
		h.Ready()
		<-ctx.Done()
		return ctx.Err()
	}
}

type harness struct {
	m     *Manager
	reg   *tasks.Registry
	gate  *recordingGate
	mu    sync.Mutex
	trans []Transition
}

func (h *harness) transitions() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Transition, len(h.trans))
	copy(out, h.trans)
	return out
}

func newHarness(t *testing.T, runner Runner, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{reg: tasks.NewRegistry(), gate: &recordingGate{}}
	var n atomic.Int64
	opts = append([]Option{
		WithIDGenerator(func() string { return fmt.Sprintf("w%d", n.Add(1)) }),
	}, opts...)
	m, err := NewManager(cfg, h.reg, h.gate, runner, opts...)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	m.OnTransition(func(tr Transition) {
		h.mu.Lock()
		h.trans = append(h.trans, tr)
		h.mu.Unlock()
	})
	h.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.StopAll(ctx)
	})
	return h
}

func await(t *testing.T, m *Manager, id string, states ...State) Worker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := m.AwaitState(ctx, id, states...)
	if err != nil {
		t.Fatalf("AwaitState(%s, %v) error: %v (state %s)", id, states, err, w.State)
	}
	return w
}

func taskStatus(t *testing.T, reg *tasks.Registry, id string) tasks.Status {
	t.Helper()
	task, ok := reg.Get(id)
	if !ok {
		t.Fatalf("task %s not in registry", id)
	}
	return task.Status
}

// --- State table ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNone, StateCreating, true},
		{StateCreating, StateCreated, true},
		{StateCreated, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateNone, true},
		{StateRunning, StateError, true},
		{StateError, StateNone, true},
		{StateCreated, StateRunning, false},
		{StateNone, StateRunning, false},
		{StateRunning, StateStarting, false},
		{StateError, StateStarting, false},
		{StateStopping, StateRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_IllegalStepPanics(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	w := &worker{id: "w-x", state: StateCreated, changed: make(chan struct{})}

	defer func() {
		if recover() == nil {
			t.Error("created -> running did not panic")
		}
	}()
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.transition(w, StateRunning, "skip")
}

func TestTransitions_FollowStateTable(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)
	h.m.ReportError(id, "credential expired")
	h.m.Acknowledge(id)
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)
	h.m.Stop(ctx, id)

	for _, tr := range h.transitions() {
		if !CanTransition(tr.From, tr.To) {
			t.Errorf("transition %s -> %s (%s) not in state table", tr.From, tr.To, tr.Reason)
		}
	}
}

func TestParseState(t *testing.T) {
	if ParseState("running") != StateRunning {
		t.Error("ParseState(running)")
	}
	if ParseState("bogus") != StateNone {
		t.Error("unknown states should map to none")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.StopGrace = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero grace = %v, want ErrInvalidConfig", err)
	}
}

// --- Create ---

func TestCreate(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())

	id, err := h.m.Create(context.Background(), Spec{Name: "poller", Key: "token-1"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	w, ok := h.m.Get(id)
	if !ok || w.State != StateCreated || !w.Validated {
		t.Fatalf("Get = %+v, %v", w, ok)
	}

	trans := h.transitions()
	if len(trans) != 2 || trans[0].To != StateCreating || trans[1].To != StateCreated {
		t.Errorf("transitions = %+v", trans)
	}
}

func TestCreate_ValidationFailure(t *testing.T) {
	validator := ValidatorFunc(func(ctx context.Context, spec Spec) error {
		return errors.New("unknown owner")
	})
	h := newHarness(t, readyRunner(), DefaultConfig(), WithValidator(validator))

	id, err := h.m.Create(context.Background(), Spec{Key: "token-1", Owner: "nobody"})
	if !bkerrors.Is(err, bkerrors.ErrCodeInvalidInput) {
		t.Fatalf("Create error = %v, want INVALID_INPUT", err)
	}
	if id == "" {
		t.Fatal("failed Create should still return the worker id")
	}
	w, _ := h.m.Get(id)
	if w.State != StateError || w.Validated || w.Error == "" {
		t.Errorf("worker = %+v", w)
	}

	// not schedulable, even after acknowledgement
	if err := h.m.Start(context.Background(), id); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("Start from error = %v", err)
	}
	if err := h.m.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if err := h.m.Start(context.Background(), id); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("Start of unvalidated worker = %v", err)
	}
}

func TestCreate_RequiresKey(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	if _, err := h.m.Create(context.Background(), Spec{Name: "keyless"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestCreate_ValidatorPanic(t *testing.T) {
	validator := ValidatorFunc(func(ctx context.Context, spec Spec) error {
		panic("bad validator")
	})
	h := newHarness(t, readyRunner(), DefaultConfig(), WithValidator(validator))
	id, err := h.m.Create(context.Background(), Spec{Key: "k"})
	if err == nil {
		t.Fatal("expected error")
	}
	if w, _ := h.m.Get(id); w.State != StateError {
		t.Errorf("state = %s, want error", w.State)
	}
}

// --- Start ---

func TestStart_RunningAfterReady(t *testing.T) {
	release := make(chan struct{})
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.Ready()
		<-ctx.Done()
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	if err := h.m.Start(ctx, id); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	w, _ := h.m.Get(id)
	if w.State != StateStarting {
		t.Fatalf("state before Ready = %s, want starting", w.State)
	}
	if w.TaskID == "" {
		t.Fatal("task id not set")
	}

	close(release)
	await(t, h.m, id, StateRunning)
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusRunning {
		t.Errorf("task status = %s, want running", s)
	}
}

func TestStart_WhileRunning(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)

	err := h.m.Start(ctx, id)
	if !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Fatalf("second Start = %v, want INVALID_TRANSITION", err)
	}
	if n := len(h.reg.Snapshot()); n != 1 {
		t.Errorf("registry has %d tasks, want 1", n)
	}
}

func TestStart_DuplicateTask(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	if _, err := h.reg.RegisterExclusive(id); err != nil {
		t.Fatal(err)
	}

	err := h.m.Start(ctx, id)
	if !errors.Is(err, tasks.ErrDuplicateRegistration) {
		t.Fatalf("Start = %v, want ErrDuplicateRegistration", err)
	}
	if w, _ := h.m.Get(id); w.State != StateError {
		t.Errorf("state = %s, want error", w.State)
	}
}

func TestStart_ConcurrentCallsSpawnOnce(t *testing.T) {
	var runs atomic.Int32
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		runs.Add(1)
		h.Ready()
		<-ctx.Done()
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.m.Start(ctx, id) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	await(t, h.m, id, StateRunning)

	if ok.Load() != 1 {
		t.Errorf("%d Start calls succeeded, want 1", ok.Load())
	}
	if runs.Load() != 1 {
		t.Errorf("%d run loops, want 1", runs.Load())
	}
}

// --- Stop ---

func TestStop_Graceful(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	w := await(t, h.m, id, StateRunning)

	if err := h.m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	got, _ := h.m.Get(id)
	if got.State != StateNone {
		t.Errorf("state = %s, want none", got.State)
	}
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusCompleted {
		t.Errorf("task status = %s, want completed", s)
	}

	var path []State
	for _, tr := range h.transitions() {
		path = append(path, tr.To)
	}
	want := []State{StateCreating, StateCreated, StateStarting, StateRunning, StateStopping, StateNone}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Errorf("path = %v, want %v", path, want)
	}
}

func TestStop_NotRunning(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	id, _ := h.m.Create(context.Background(), Spec{Key: "k"})
	if err := h.m.Stop(context.Background(), id); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("Stop from created = %v", err)
	}
	if err := h.m.Stop(context.Background(), "missing"); !bkerrors.Is(err, bkerrors.ErrCodeNotFound) {
		t.Errorf("Stop unknown = %v", err)
	}
}

func TestStop_GraceTimeout(t *testing.T) {
	release := make(chan struct{})
	exited := make(chan struct{})
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		defer close(exited)
		h.Ready()
		<-release // ignores cancellation
		return nil
	})
	cfg := DefaultConfig()
	cfg.StopGrace = 50 * time.Millisecond
	h := newHarness(t, runner, cfg)
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	w := await(t, h.m, id, StateRunning)

	err := h.m.Stop(ctx, id)
	if !bkerrors.Is(err, bkerrors.ErrCodeStopTimeout) {
		t.Fatalf("Stop = %v, want STOP_TIMEOUT", err)
	}
	got, _ := h.m.Get(id)
	if got.State != StateError {
		t.Errorf("state = %s, want error", got.State)
	}
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusFailed {
		t.Errorf("task status = %s, want failed", s)
	}

	// the abandoned loop exiting later changes nothing
	close(release)
	<-exited
	time.Sleep(10 * time.Millisecond)
	if got, _ := h.m.Get(id); got.State != StateError {
		t.Errorf("state after late exit = %s, want error", got.State)
	}
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusFailed {
		t.Errorf("task status after late exit = %s, want failed", s)
	}
}

func TestStop_CallerGivesUpBeforeGrace(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		<-release // ignores cancellation
		return nil
	})
	cfg := DefaultConfig()
	cfg.StopGrace = 100 * time.Millisecond
	h := newHarness(t, runner, cfg)
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	w := await(t, h.m, id, StateRunning)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := h.m.Stop(stopCtx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}

	// the grace period still runs out and settles the worker
	got := await(t, h.m, id, StateError)
	if got.Error == "" {
		t.Error("expected stop timeout recorded as last error")
	}
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusFailed {
		t.Errorf("task status = %s, want failed", s)
	}
	if err := h.m.Acknowledge(id); err != nil {
		t.Errorf("Acknowledge after abandoned stop: %v", err)
	}
}

func TestStop_CallerGivesUpLoopExits(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)
		return ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.StopGrace = time.Second
	h := newHarness(t, runner, cfg)
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	h.m.Stop(stopCtx, id)

	await(t, h.m, id, StateNone)
}

func TestStop_DuringStarting(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	if err := h.m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got, _ := h.m.Get(id); got.State != StateNone {
		t.Errorf("state = %s, want none", got.State)
	}
}

// --- Errors ---

func TestReportError(t *testing.T) {
	cancelled := make(chan struct{})
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	w := await(t, h.m, id, StateRunning)

	if err := h.m.ReportError(id, "token revoked"); err != nil {
		t.Fatalf("ReportError error: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run loop was not cancelled")
	}

	got, _ := h.m.Get(id)
	if got.State != StateError || got.Error != "token revoked" {
		t.Errorf("worker = %+v", got)
	}
	task, _ := h.reg.Get(w.TaskID)
	if task.Status != tasks.StatusFailed || task.LastError == "" {
		t.Errorf("task = %+v", task)
	}
}

func TestReportError_FromNone(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)
	h.m.Stop(ctx, id)

	if err := h.m.ReportError(id, "late"); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("ReportError from none = %v", err)
	}
}

func TestReportError_FromCreated(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	id, _ := h.m.Create(context.Background(), Spec{Key: "k"})
	if err := h.m.ReportError(id, "credential expired"); err != nil {
		t.Fatalf("ReportError error: %v", err)
	}
	if got, _ := h.m.Get(id); got.State != StateError {
		t.Errorf("state = %s", got.State)
	}
}

func TestRun_ReturnsError(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		return errors.New("connection reset")
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)

	w := await(t, h.m, id, StateError)
	if w.Error != "connection reset" {
		t.Errorf("error = %q", w.Error)
	}
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusFailed {
		t.Errorf("task status = %s, want failed", s)
	}
}

func TestRun_Panics(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		panic("nil map")
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)

	w := await(t, h.m, id, StateError)
	if w.Error != "nil map" {
		t.Errorf("error = %q", w.Error)
	}
}

func TestRun_ReturnsNil(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)

	// running -> stopping -> none
	deadline := time.Now().Add(2 * time.Second)
	for {
		trans := h.transitions()
		if n := len(trans); n > 0 && trans[n-1].To == StateNone {
			if trans[n-2].To != StateStopping {
				t.Errorf("expected stopping before none, got %+v", trans)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never returned to none: %+v", h.transitions())
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, _ := h.m.Get(id)
	if s := taskStatus(t, h.reg, w.TaskID); s != tasks.StatusCompleted {
		t.Errorf("task status = %s, want completed", s)
	}
}

func TestHandleFail(t *testing.T) {
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		h.Fail("upstream rejected credentials")
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)

	w := await(t, h.m, id, StateError)
	if w.Error != "upstream rejected credentials" {
		t.Errorf("error = %q", w.Error)
	}
}

// --- Acknowledge, restart, remove ---

func TestAcknowledgeAndRestart(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	first := await(t, h.m, id, StateRunning)
	h.m.ReportError(id, "boom")

	if err := h.m.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if err := h.m.Acknowledge(id); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("second Acknowledge = %v", err)
	}
	if err := h.m.Start(ctx, id); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	second := await(t, h.m, id, StateRunning)
	if second.TaskID == first.TaskID {
		t.Error("restart should register a new task")
	}
	if second.Error != "" {
		t.Errorf("error not cleared: %q", second.Error)
	}
}

func TestRemove(t *testing.T) {
	s := store.NewMemoryStore()
	h := newHarness(t, readyRunner(), DefaultConfig(), WithStore(s))
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)

	if err := h.m.Remove(ctx, id); !bkerrors.Is(err, bkerrors.ErrCodeInvalidTransition) {
		t.Errorf("Remove while running = %v", err)
	}
	h.m.Stop(ctx, id)
	if err := h.m.Remove(ctx, id); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, ok := h.m.Get(id); ok {
		t.Error("worker still present")
	}
	if _, err := s.Load(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still stored: %v", err)
	}
}

// --- Views and waiting ---

func TestList_Ordered(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	h := newHarness(t, readyRunner(), DefaultConfig(), WithClock(now))
	ctx := context.Background()
	a, _ := h.m.Create(ctx, Spec{Key: "a"})
	b, _ := h.m.Create(ctx, Spec{Key: "b"})

	list := h.m.List()
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Errorf("List = %+v", list)
	}
}

func TestAwaitState_ContextDone(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	id, _ := h.m.Create(context.Background(), Spec{Key: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w, err := h.m.AwaitState(ctx, id, StateRunning)
	if !bkerrors.Is(err, bkerrors.ErrCodeTimeout) {
		t.Errorf("AwaitState = %v, want TIMEOUT", err)
	}
	if w.State != StateCreated {
		t.Errorf("last seen state = %s", w.State)
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, readyRunner(), DefaultConfig())
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := h.m.Create(ctx, Spec{Key: fmt.Sprintf("k%d", i)})
		h.m.Start(ctx, id)
		ids = append(ids, id)
	}
	for _, id := range ids {
		await(t, h.m, id, StateRunning)
	}

	if err := h.m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	for _, id := range ids {
		if w, _ := h.m.Get(id); w.State != StateNone {
			t.Errorf("%s state = %s", id, w.State)
		}
	}
}

// --- Calls ---

func TestHandleCall_UsesSpecKey(t *testing.T) {
	var calls atomic.Int32
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		err := h.Call(ctx, func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
		if err != nil {
			return err
		}
		h.Ready()
		<-ctx.Done()
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	ctx := context.Background()
	id, _ := h.m.Create(ctx, Spec{Key: "bot-token-123456"})
	h.m.Start(ctx, id)
	await(t, h.m, id, StateRunning)

	h.gate.mu.Lock()
	keys := append([]string(nil), h.gate.keys...)
	h.gate.mu.Unlock()
	if len(keys) != 1 || keys[0] != "bot-token-123456" {
		t.Errorf("gate keys = %v", keys)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

// backoffGate holds every call for delay, like a limiter honouring a
// Retry-After hint.
type backoffGate struct{ delay time.Duration }

func (g backoffGate) Call(ctx context.Context, key string, fn ratelimit.CallFunc) error {
	timer := time.NewTimer(g.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return fn(ctx)
}

func TestHandleCall_BackoffIsNotStalled(t *testing.T) {
	reg := tasks.NewRegistry()
	cfg := DefaultConfig()
	cfg.PulseInterval = 5 * time.Millisecond
	called := make(chan struct{})
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		if err := h.Call(ctx, func(ctx context.Context) error {
			close(called)
			return nil
		}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	m, err := NewManager(cfg, reg, backoffGate{delay: 300 * time.Millisecond}, runner)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	mon, err := health.NewMonitor(health.Config{StalenessThreshold: 50 * time.Millisecond}, reg)
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	ctx := context.Background()

	id, _ := m.Create(ctx, Spec{Key: "k"})
	m.Start(ctx, id)
	await(t, m, id, StateRunning)
	defer m.StopAll(ctx)

	time.Sleep(150 * time.Millisecond)
	select {
	case <-called:
		t.Fatal("call should still be held by the gate")
	default:
	}
	if snap := mon.Poll(ctx); len(snap.Stalled) != 0 {
		t.Errorf("worker in backoff reported stalled: %+v", snap.Stalled)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("call never ran")
	}
}

func TestHandleWait_Heartbeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PulseInterval = 5 * time.Millisecond
	beat := make(chan time.Time, 1)
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		h.Ready()
		start, _ := h.m.tasks.(*tasks.Registry).Get(h.TaskID())
		h.Wait(ctx, 60*time.Millisecond)
		end, _ := h.m.tasks.(*tasks.Registry).Get(h.TaskID())
		if end.LastHeartbeat.After(start.LastHeartbeat) {
			beat <- end.LastHeartbeat
		}
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, runner, cfg)
	ctx := context.Background()

	id, _ := h.m.Create(ctx, Spec{Key: "k"})
	h.m.Start(ctx, id)

	select {
	case <-beat:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not heartbeat")
	}
}

func TestHandleCall_ThroughLimiter(t *testing.T) {
	limiter, err := ratelimit.NewAdaptiveLimiter(ratelimit.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	reg := tasks.NewRegistry()
	runner := RunFunc(func(ctx context.Context, h *Handle) error {
		err := h.Call(ctx, func(ctx context.Context) error {
			return ratelimit.Throttled(0, nil)
		})
		if !ratelimit.IsThrottled(err) {
			return err
		}
		h.Ready()
		<-ctx.Done()
		return nil
	})
	m, err := NewManager(DefaultConfig(), reg, limiter, runner)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, _ := m.Create(ctx, Spec{Key: "bot-1"})
	m.Start(ctx, id)
	await(t, m, id, StateRunning)
	defer m.StopAll(ctx)

	if n := limiter.ThrottleCounts()["bot-1"]; n != 1 {
		t.Errorf("throttle count = %d, want 1", n)
	}
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	if _, err := NewManager(DefaultConfig(), nil, &recordingGate{}, readyRunner()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil tracker = %v", err)
	}
}
