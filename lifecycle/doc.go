// Package lifecycle runs workers through a strict state machine:
//
//	none -> creating -> created -> starting -> running -> stopping -> none
//
// error is reachable from creating, starting and running, and from any
// state but none through ReportError. Only Acknowledge leaves error. A
// worker that was validated once may be started again from none.
//
// Each start registers a task under the worker ID with exclusive
// semantics, so a worker never has two live run loops. The run loop
// receives a Handle through which it confirms readiness, records
// heartbeats and issues rate limited calls:
//
//	runner := lifecycle.RunFunc(func(ctx context.Context, h *lifecycle.Handle) error {
//		for {
//			if err := h.Call(ctx, poll); err != nil && !ratelimit.IsThrottled(err) {
//				return err
//			}
//			h.Ready()
//			if err := h.Wait(ctx, time.Second); err != nil {
//				return nil
//			}
//		}
//	})
//
// Stop cancels the loop and waits up to Config.StopGrace. Loops that do
// not exit in time are abandoned and the worker moves to error.
package lifecycle
