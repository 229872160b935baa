package shutdown

import (
	"context"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = bkerrors.New(bkerrors.ErrCodePrecondition, "shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = bkerrors.New(bkerrors.ErrCodeTimeout, "shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = bkerrors.New(bkerrors.ErrCodeInternal, "one or more shutdown handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = bkerrors.InvalidInput("invalid shutdown configuration")
)

// Daemon phases. Lower phases shut down first.
const (
	PhaseIntake   = 10
	PhaseWorkers  = 20
	PhaseMonitors = 30
	PhaseBackends = 40
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when triggered by a signal or
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration `toml:"timeout"`

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseBackends
	DefaultPhase int `toml:"-"`

	// ContinueOnError runs later phases even when a handler failed.
	// Default: true
	ContinueOnError bool `toml:"-"`

	// Logger receives one line per handler. Default: no logging.
	Logger *logging.Logger `toml:"-"`

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult) `toml:"-"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return bkerrors.Wrap(ErrInvalidConfig, "timeout must not be negative")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseBackends,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
