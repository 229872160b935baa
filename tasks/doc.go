// Package tasks tracks the background goroutines of a process.
//
// Every long-lived goroutine registers a Task under a key, reports that it
// is running, sends periodic heartbeats and finally marks itself completed
// or failed. The health package reads the registry to find stalled and
// failed work.
//
// # Basic Usage
//
//	reg := tasks.NewRegistry()
//
//	id, err := reg.RegisterExclusive(workerID)
//	if errors.Is(err, tasks.ErrDuplicateRegistration) {
//	    return err // another loop already owns this worker
//	}
//	reg.MarkRunning(id)
//
//	pulse := tasks.StartPulse(ctx, reg, id, 15*time.Second)
//	defer pulse.Stop()
//
//	if err := loop(ctx); err != nil {
//	    reg.MarkFailed(id, err)
//	    return err
//	}
//	reg.MarkCompleted(id)
//
// # Semantics
//
// Updates for unknown ids are no-ops and are logged at a limited rate.
// Terminal transitions are idempotent: the first one wins. Terminal tasks
// stay visible until PurgeTerminal or Remove drops them.
package tasks
