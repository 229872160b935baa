package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: network timeouts, an upstream that is briefly unavailable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid worker spec, illegal lifecycle operation.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a shared resource.
	// Examples: upstream throttling, a worker that will not release its slot.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or broken invariants.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Upstream temporarily unavailable
	ErrCodeCanceled    ErrorCode = "CANCELED"    // Operation was canceled

	// Permanent errors
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Worker or task does not exist
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"      // Spec failed validation
	ErrCodePrecondition      ErrorCode = "PRECONDITION"       // Precondition not met
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION" // Operation illegal in current state

	// Resource errors
	ErrCodeRateLimit   ErrorCode = "RATE_LIMITED" // Upstream rejected the call
	ErrCodeStopTimeout ErrorCode = "STOP_TIMEOUT" // Run loop ignored cancellation

	// Internal errors
	ErrCodeInternal              ErrorCode = "INTERNAL"               // Unexpected internal error
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION" // Exclusive key already held
	ErrCodeStalled               ErrorCode = "STALLED"                // Heartbeat went stale
	ErrCodePanic                 ErrorCode = "PANIC"                  // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for this error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeCanceled:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodePrecondition, ErrCodeInvalidTransition:
		return CategoryPermanent
	case ErrCodeRateLimit, ErrCodeStopTimeout:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:               "operation timed out",
	ErrCodeUnavailable:           "upstream temporarily unavailable",
	ErrCodeCanceled:              "operation canceled",
	ErrCodeNotFound:              "not found",
	ErrCodeInvalidInput:          "invalid input provided",
	ErrCodePrecondition:          "precondition failed",
	ErrCodeInvalidTransition:     "operation not allowed in current state",
	ErrCodeRateLimit:             "rate limit exceeded",
	ErrCodeStopTimeout:           "worker did not stop within grace period",
	ErrCodeInternal:              "internal error",
	ErrCodeDuplicateRegistration: "key already has an active task",
	ErrCodeStalled:               "heartbeat stale",
	ErrCodePanic:                 "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
