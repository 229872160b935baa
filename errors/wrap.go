package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a BotError, the wrapper keeps its code and category.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var botErr *Error
	if errors.As(err, &botErr) {
		wrapped := &Error{
			code:      botErr.code,
			category:  botErr.category,
			message:   message,
			cause:     err,
			metadata:  botErr.Metadata(),
			retryable: botErr.retryable,
			timestamp: botErr.timestamp,
			workerID:  botErr.workerID,
			taskID:    botErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsBotError extracts a BotError from an error chain.
// Returns nil if no BotError is found.
func AsBotError(err error) BotError {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr
	}
	return nil
}

// Is checks if the first BotError in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr.code == code
	}
	return false
}

// IsCategory checks if the first BotError in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr.code
	}
	return ""
}

// GetMetadata extracts metadata from an error.
// Returns nil if err is not a BotError.
func GetMetadata(err error) map[string]string {
	var botErr *Error
	if errors.As(err, &botErr) {
		return botErr.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
