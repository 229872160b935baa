package lifecycle

import (
	"context"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/tasks"
)

// State is a worker's lifecycle state.
type State string

const (
	StateNone     State = "none"
	StateCreating State = "creating"
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// ParseState converts a persisted state name. Unknown names map to none.
func ParseState(s string) State {
	switch State(s) {
	case StateCreating, StateCreated, StateStarting, StateRunning, StateStopping, StateError:
		return State(s)
	default:
		return StateNone
	}
}

// transitions lists the legal successors of each state. The manager
// refuses any other step, except that ReportError may move any state but
// none to error.
var transitions = map[State][]State{
	StateNone:     {StateCreating, StateStarting},
	StateCreating: {StateCreated, StateError},
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateNone, StateError},
	StateError:    {StateNone},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Common errors.
var (
	ErrInvalidConfig = bkerrors.InvalidInput("invalid lifecycle configuration")
	ErrNotFound      = bkerrors.NotFound("worker not found")
)

// Spec describes a worker.
type Spec struct {
	// Name is a human label.
	Name string `json:"name"`

	// Key is the rate limit key every outbound call of the worker is
	// gated under, typically the credential of the external identity.
	Key string `json:"key"`

	// Owner is the tenant or user the worker acts for.
	Owner string `json:"owner,omitempty"`

	// Params holds runner-specific settings.
	Params map[string]string `json:"params,omitempty"`
}

func (s Spec) clone() Spec {
	if s.Params != nil {
		params := make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			params[k] = v
		}
		s.Params = params
	}
	return s
}

// Validator checks a spec before the worker becomes schedulable.
type Validator interface {
	Validate(ctx context.Context, spec Spec) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, spec Spec) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, spec Spec) error {
	return f(ctx, spec)
}

// Runner is a worker's run loop. Run must call h.Ready once its first
// iteration succeeded and return promptly after ctx is cancelled.
// Returning nil ends the run normally; returning an error puts the worker
// into the error state.
type Runner interface {
	Run(ctx context.Context, h *Handle) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context, h *Handle) error

// Run calls f.
func (f RunFunc) Run(ctx context.Context, h *Handle) error {
	return f(ctx, h)
}

// TaskTracker is the task registry view the manager needs. *tasks.Registry
// implements it.
type TaskTracker interface {
	RegisterExclusive(key string) (string, error)
	MarkRunning(id string) bool
	Heartbeat(id string) bool
	MarkCompleted(id string) bool
	MarkFailed(id string, cause error) bool
}

// CallGate gates outbound calls by key. *ratelimit.AdaptiveLimiter
// implements it.
type CallGate interface {
	Call(ctx context.Context, key string, fn ratelimit.CallFunc) error
}

// Worker is a read-only view of a managed worker.
type Worker struct {
	ID        string    `json:"id"`
	Spec      Spec      `json:"spec"`
	State     State     `json:"state"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Validated bool      `json:"validated"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition describes one state change.
type Transition struct {
	WorkerID string
	From     State
	To       State
	At       time.Time
	Reason   string
}

// Config holds manager settings.
type Config struct {
	// StopGrace bounds how long Stop waits for a run loop to exit.
	// Default: 10s
	StopGrace time.Duration `toml:"stop_grace"`

	// PersistTimeout bounds each store write. Default: 5s
	PersistTimeout time.Duration `toml:"persist_timeout"`

	// PulseInterval is how often a run loop heartbeats while it is queued
	// behind the rate limiter or sleeping in Handle.Wait. It must stay
	// below the health staleness threshold. Default: 15s
	PulseInterval time.Duration `toml:"pulse_interval"`
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{
		StopGrace:      10 * time.Second,
		PersistTimeout: 5 * time.Second,
		PulseInterval:  tasks.DefaultPulseInterval,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StopGrace <= 0 {
		return bkerrors.Wrap(ErrInvalidConfig, "stop_grace must be positive")
	}
	if c.PersistTimeout <= 0 {
		return bkerrors.Wrap(ErrInvalidConfig, "persist_timeout must be positive")
	}
	if c.PulseInterval < 0 {
		return bkerrors.Wrap(ErrInvalidConfig, "pulse_interval must not be negative")
	}
	return nil
}
