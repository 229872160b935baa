// Package errors provides the structured error taxonomy shared by every
// botkit package.
//
// # Error Categories
//
//   - Transient: temporary failures where retry may succeed
//   - Permanent: misuse or invalid input; retry will not help
//   - Resource: upstream throttling or a worker holding on to its slot
//   - Internal: broken invariants and recovered panics
//
// # Domain Codes
//
//   - INVALID_TRANSITION: a lifecycle operation was requested from a state that does not allow it
//   - DUPLICATE_REGISTRATION: an exclusive key already has a live task
//   - STOP_TIMEOUT: a run loop ignored cancellation past its grace period
//   - RATE_LIMITED: the upstream rejected a call
//   - STALLED: a task stopped sending heartbeats
//
// # Usage
//
//	err := errors.InvalidTransition(id, "start", "running")
//	if errors.Is(err, errors.ErrCodeInvalidTransition) {
//	    // caller bug
//	}
//
// Sentinels built with FromCode also match through the standard library:
//
//	var ErrDuplicate = errors.FromCode(errors.ErrCodeDuplicateRegistration)
//	stderrors.Is(err, ErrDuplicate)
//
// # JSON Serialization
//
// Errors marshal to JSON so HTTP handlers can return them verbatim.
package errors
