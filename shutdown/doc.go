// Package shutdown orders the teardown of a botkit daemon.
//
// Handlers are grouped into phases. Lower phases run first and handlers
// within a phase run concurrently. The daemon uses four phases:
//
//   - PhaseIntake: stop accepting HTTP requests
//   - PhaseWorkers: stop every running worker within its grace period
//   - PhaseMonitors: stop the health monitor and publishers
//   - PhaseBackends: close the bus, the store and flush telemetry
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFuncWithPhase("workers", manager.StopAll, shutdown.PhaseWorkers)
//	coord.RegisterFuncWithPhase("store", func(context.Context) error { return st.Close() }, shutdown.PhaseBackends)
//	coord.HandleSignals()
//	<-coord.Done()
//
// A handler that panics is reported as failed; the remaining handlers
// still run unless ContinueOnError is false.
package shutdown
