package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/vinayprograms/botkit/bus"
	"github.com/vinayprograms/botkit/config"
	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/shutdown"
	"github.com/vinayprograms/botkit/store"
	"github.com/vinayprograms/botkit/tasks"
	"github.com/vinayprograms/botkit/telemetry"
)

// pollTimeout bounds one poller request.
const pollTimeout = 30 * time.Second

// Daemon is a fully wired botkitd instance.
type Daemon struct {
	cfg    config.Config
	logger *logging.Logger

	limiter  *ratelimit.AdaptiveLimiter
	tasks    *tasks.Registry
	calls    *health.CallTracker
	monitor  *health.Monitor
	manager  *lifecycle.Manager
	bus      bus.MessageBus
	nats     *bus.NATSBus
	store    store.Store
	events   telemetry.Exporter
	provider *telemetry.Provider
	tracer   *telemetry.Tracer

	handler  http.Handler
	server   *http.Server
	shutdown *shutdown.Coordinator
}

// New builds every component named by cfg. Backends are connected here,
// so New fails fast when Redis or NATS are unreachable.
func New(ctx context.Context, cfg config.Config, version string, logger *logging.Logger) (_ *Daemon, err error) {
	if logger == nil {
		logger = logging.New()
	}
	d := &Daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.closeBackends(context.Background())
		}
	}()

	if err := d.openBackends(ctx, version); err != nil {
		return nil, err
	}

	d.limiter, err = ratelimit.NewAdaptiveLimiter(cfg.RateLimit,
		ratelimit.WithLogger(logger.WithComponent("ratelimit")))
	if err != nil {
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "rate limiter")
	}
	if d.bus != nil {
		host, _ := os.Hostname()
		d.limiter.OnCapacityChange(ratelimit.NewCapacityPublisher(d.bus, host, logger))
	}

	d.tasks = tasks.NewRegistry(tasks.WithLogger(logger.WithComponent("tasks")))
	d.calls = health.NewCallTracker(cfg.Health.SlowCallThreshold, logger.WithComponent("calls"))

	monOpts := []health.Option{
		health.WithThrottleSource(d.limiter),
		health.WithCallTracker(d.calls),
		health.WithLogger(logger.WithComponent("health")),
	}
	if sampler, serr := health.NewProcessSampler(); serr != nil {
		logger.Warn("resource_sampler_unavailable", map[string]interface{}{"error": serr.Error()})
	} else {
		monOpts = append(monOpts, health.WithSampler(sampler))
	}
	d.monitor, err = health.NewMonitor(cfg.Health, d.tasks, monOpts...)
	if err != nil {
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "health monitor")
	}
	d.monitor.OnSnapshot(d.tracer.SnapshotObserver())
	d.monitor.OnSnapshot(telemetry.SnapshotEvents(d.events))
	if d.bus != nil {
		d.monitor.OnSnapshot(health.NewBusPublisher(d.bus, health.DefaultSubject, logger))
	}

	poller := &Poller{
		Client: &http.Client{Timeout: pollTimeout},
		Tracer: d.tracer,
		Calls:  d.calls,
	}
	d.manager, err = lifecycle.NewManager(cfg.Lifecycle.Config, d.tasks, d.limiter, poller,
		lifecycle.WithValidator(poller),
		lifecycle.WithStore(d.store),
		lifecycle.WithLogger(logger.WithComponent("lifecycle")),
	)
	if err != nil {
		return nil, err
	}
	d.manager.OnTransition(d.tracer.TransitionObserver())
	d.manager.OnTransition(telemetry.TransitionEvents(d.events))

	d.handler = Router(d.manager, d.monitor, logger.WithComponent("http"))
	d.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      d.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	scfg := cfg.Shutdown
	scfg.Logger = logger.WithComponent("shutdown")
	d.shutdown = shutdown.NewCoordinator(scfg)
	d.registerShutdown()
	return d, nil
}

// openBackends connects the bus, store, tracing and event exporter.
func (d *Daemon) openBackends(ctx context.Context, version string) error {
	cfg := d.cfg

	if cfg.UsesNATS() {
		nb, err := bus.NewNATSBus(cfg.BusNATS(d.logger.WithComponent("nats")))
		if err != nil {
			return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "connect nats")
		}
		d.nats = nb
	}
	switch cfg.Bus.Backend {
	case "memory":
		d.bus = bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize})
	case "nats":
		d.bus = d.nats
	}

	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(ctx, cfg.RedisStore())
		if err != nil {
			return err
		}
		d.store = rs
	case "nats":
		ns, err := store.NewNATSStore(ctx, cfg.NATSStore(d.nats.Conn()))
		if err != nil {
			return err
		}
		d.store = ns
	default:
		d.store = store.NewMemoryStore()
	}

	events, err := telemetry.NewExporter(cfg.Telemetry.Events, cfg.Telemetry.EventsTarget)
	if err != nil {
		return err
	}
	d.events = events

	if pc, ok := cfg.Tracing(version); ok {
		p, err := telemetry.InitProvider(ctx, pc)
		if err != nil {
			return err
		}
		d.provider = p
		d.tracer = p.Tracer()
	} else {
		d.tracer = telemetry.NewTracer("botkitd", cfg.Telemetry.Debug)
	}
	return nil
}

// closeBackends releases whatever openBackends acquired.
func (d *Daemon) closeBackends(ctx context.Context) error {
	var errs []error
	if d.events != nil {
		errs = append(errs, d.events.Close())
	}
	if d.provider != nil {
		errs = append(errs, d.provider.Shutdown(ctx))
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.bus != nil && d.cfg.Bus.Backend != "nats" {
		errs = append(errs, d.bus.Close())
	}
	if d.nats != nil {
		errs = append(errs, d.nats.Close())
	}
	return errors.Join(errs...)
}

func (d *Daemon) registerShutdown() {
	d.shutdown.RegisterFuncWithPhase("http", func(ctx context.Context) error {
		return d.server.Shutdown(ctx)
	}, shutdown.PhaseIntake)
	d.shutdown.RegisterFuncWithPhase("workers", d.manager.StopAll, shutdown.PhaseWorkers)
	d.shutdown.RegisterFuncWithPhase("health", func(ctx context.Context) error {
		if err := d.monitor.Stop(); err != nil && !errors.Is(err, health.ErrNotStarted) {
			return err
		}
		return nil
	}, shutdown.PhaseMonitors)
	d.shutdown.RegisterFuncWithPhase("backends", d.closeBackends, shutdown.PhaseBackends)
}

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler {
	return d.handler
}

// Manager returns the worker manager.
func (d *Daemon) Manager() *lifecycle.Manager {
	return d.manager
}

// Resume restores persisted workers and, with autostart on, starts the ones
// that were running. Start failures are logged and leave the worker in
// error.
func (d *Daemon) Resume(ctx context.Context) error {
	ids, err := d.manager.Restore(ctx)
	if err != nil {
		return err
	}
	if !d.cfg.Lifecycle.Autostart {
		return nil
	}
	for _, id := range ids {
		if err := d.manager.Start(ctx, id); err != nil {
			d.logger.Warn("autostart_failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

// Serve resumes workers, starts monitoring and serves HTTP on ln until
// ctx ends, a signal arrives or the server fails. It returns after the
// shutdown sequence has run.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	if err := d.Resume(ctx); err != nil {
		d.logger.Error("restore_failed", map[string]interface{}{"error": err.Error()})
	}
	if err := d.monitor.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("http_listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	d.shutdown.HandleSignals()

	var cause error
	select {
	case <-d.shutdown.Done():
		return d.shutdown.Err()
	case <-ctx.Done():
	case cause = <-serveErr:
		d.logger.Error("http_failed", map[string]interface{}{"error": cause.Error()})
	}
	err := d.shutdown.ShutdownWithTimeout(d.cfg.Shutdown.Timeout)
	if errors.Is(err, shutdown.ErrAlreadyShutdown) {
		<-d.shutdown.Done()
		err = d.shutdown.Err()
	}
	return errors.Join(cause, err)
}

// ListenAndServe listens on the configured address and calls Serve.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		d.closeBackends(context.Background())
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "listen "+d.cfg.HTTP.Addr)
	}
	return d.Serve(ctx, ln)
}
