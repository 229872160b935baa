package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	handlers     []registration
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *Result
	signalChan   chan os.Signal
	nowFunc      func() time.Time // for testing
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Coordinator{
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
		nowFunc:    time.Now,
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in the given phase. Registrations made
// after shutdown started are ignored and logged.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.logger.Warn("shutdown_register_late", map[string]interface{}{"handler": name})
		return
	}
	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers a function in the given phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs all handlers. Concurrent and repeated calls wait for the
// first one and return its error; calls after completion return
// ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.shutdownOnce.Do(func() {
		first = true
		c.shutdownErr = c.run(ctx)
		close(c.done)
	})
	if first {
		return c.shutdownErr
	}
	<-c.done
	return ErrAlreadyShutdown
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on the first SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signalChan:
			signal.Stop(c.signalChan)
			c.logger.Info("shutdown_signal", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
			signal.Stop(c.signalChan)
		}
	}()
}

// Trigger simulates a SIGTERM for HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed result once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := c.nowFunc()

	c.mu.Lock()
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = c.nowFunc().Sub(start)
		c.result = result
		c.logger.Info("shutdown_complete", map[string]interface{}{
			"duration": result.TotalDuration.String(),
			"failed":   len(result.FailedHandlers()),
		})
		return err
	}

	var failures []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(bkerrors.Join(append([]error{ErrTimeout}, failures...)...))
		}

		phaseResults := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil {
				failures = append(failures, bkerrors.Wrap(hr.Err, hr.Name))
			}
		}
		if len(failures) > 0 && !c.config.ContinueOnError {
			break
		}
	}

	if len(failures) > 0 {
		return finish(bkerrors.Join(append([]error{ErrHandlerFailed}, failures...)...))
	}
	return finish(nil)
}

func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := c.nowFunc()
			err := invoke(ctx, r.handler)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: c.nowFunc().Sub(start),
				Err:      err,
			}
			results[idx] = hr
			c.report(hr)
		}(i, reg)
	}

	wg.Wait()
	return results
}

func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bkerrors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

func (c *Coordinator) report(hr HandlerResult) {
	fields := map[string]interface{}{
		"handler":  hr.Name,
		"phase":    hr.Phase,
		"duration": hr.Duration.String(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.logger.Error("shutdown_handler_failed", fields)
	} else {
		c.logger.Info("shutdown_handler_done", fields)
	}
	if c.config.OnProgress != nil {
		c.config.OnProgress(hr)
	}
}

// groupByPhase splits handlers, already sorted by phase, into phases.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
