package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "operation timed out", CategoryTransient},
		{"not_found", ErrCodeNotFound, "worker not found", CategoryPermanent},
		{"transition", ErrCodeInvalidTransition, "cannot start", CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, "too many requests", CategoryResource},
		{"stop_timeout", ErrCodeStopTimeout, "still running", CategoryResource},
		{"duplicate", ErrCodeDuplicateRegistration, "held", CategoryInternal},
		{"stalled", ErrCodeStalled, "stale", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeStopTimeout)
	if err.Error() != "worker did not stop within grace period" {
		t.Errorf("Error() = %v", err.Error())
	}
	if ErrorCode("BOGUS").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeTimeout, true},
		{ErrCodeRateLimit, true},
		{ErrCodeInvalidTransition, false},
		{ErrCodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeRateLimit, "x", WithRetryable(false))
	if err.Retryable() {
		t.Error("override should disable retry")
	}
}

// ============================================================================
// 3. Metadata handling
// ============================================================================

func TestMetadataImmutability(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() must return a copy")
	}
	if New(ErrCodeInternal, "y").Metadata() == nil {
		t.Error("Metadata() should never be nil")
	}
}

// ============================================================================
// 4. Wrapping and identity
// ============================================================================

func TestWrapPreservesCode(t *testing.T) {
	inner := InvalidTransition("w1", "start", "running")
	wrapped := Wrap(inner, "api call")

	if wrapped.Code() != ErrCodeInvalidTransition {
		t.Errorf("Code() = %v", wrapped.Code())
	}
	if wrapped.WorkerID() != "w1" {
		t.Errorf("WorkerID() = %v", wrapped.WorkerID())
	}
	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "context")
	if err.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want INTERNAL", err.Code())
	}
	if err.Error() != "context: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Wrap(context.DeadlineExceeded, "x").Code() != ErrCodeTimeout {
		t.Error("deadline should map to TIMEOUT")
	}
	if Wrap(fmt.Errorf("op: %w", context.Canceled), "x").Code() != ErrCodeCanceled {
		t.Error("canceled should map to CANCELED")
	}
}

func TestSentinelMatchesByCode(t *testing.T) {
	sentinel := FromCode(ErrCodeDuplicateRegistration)
	err := fmt.Errorf("start: %w", DuplicateRegistration("bot-1", "t-1"))

	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should match sentinel by code")
	}
	if errors.Is(err, FromCode(ErrCodeStopTimeout)) {
		t.Error("different code must not match")
	}
	if !Is(err, ErrCodeDuplicateRegistration) {
		t.Error("Is should match by code")
	}
	if Is(fmt.Errorf("plain"), ErrCodeInternal) {
		t.Error("plain errors carry no code")
	}
	if Code(err) != ErrCodeDuplicateRegistration {
		t.Errorf("Code() = %v", Code(err))
	}
}

func TestIsCategoryAndRetryable(t *testing.T) {
	err := StopTimeout("w1", time.Second)
	if !IsCategory(err, CategoryResource) {
		t.Error("stop timeout is a resource error")
	}
	if !IsRetryable(err) {
		t.Error("resource errors are retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if AsBotError(fmt.Errorf("plain")) != nil {
		t.Error("AsBotError on plain error should be nil")
	}
	if GetMetadata(fmt.Errorf("plain")) != nil {
		t.Error("GetMetadata on plain error should be nil")
	}
}

// ============================================================================
// 5. Domain constructors
// ============================================================================

func TestDomainConstructors(t *testing.T) {
	t.Run("invalid_transition", func(t *testing.T) {
		err := InvalidTransition("w1", "stop", "created")
		md := err.Metadata()
		if md["operation"] != "stop" || md["state"] != "created" {
			t.Errorf("metadata = %v", md)
		}
		if !strings.Contains(err.Error(), "cannot stop from state created") {
			t.Errorf("Error() = %q", err.Error())
		}
	})
	t.Run("duplicate", func(t *testing.T) {
		err := DuplicateRegistration("bot-1", "t-9")
		if err.TaskID() != "t-9" || err.Metadata()["key"] != "bot-1" {
			t.Errorf("unexpected fields: %v %v", err.TaskID(), err.Metadata())
		}
	})
	t.Run("stop_timeout", func(t *testing.T) {
		err := StopTimeout("w2", 10*time.Second)
		if err.Metadata()["grace"] != "10s" {
			t.Errorf("grace = %v", err.Metadata()["grace"])
		}
	})
	t.Run("stalled", func(t *testing.T) {
		err := Stalled("t-1", 70*time.Second)
		if err.Code() != ErrCodeStalled || err.TaskID() != "t-1" {
			t.Errorf("unexpected: %v %v", err.Code(), err.TaskID())
		}
	})
}

// ============================================================================
// 6. JSON serialization
// ============================================================================

func TestJSONRoundtrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	original := New(ErrCodeInvalidTransition, "nope",
		WithWorkerID("w1"),
		WithTaskID("t1"),
		WithMetadata("state", "running"),
		WithTimestamp(ts),
	)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var restored Error
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored.Code() != original.Code() {
		t.Errorf("Code mismatch: %v vs %v", restored.Code(), original.Code())
	}
	if restored.WorkerID() != "w1" || restored.TaskID() != "t1" {
		t.Errorf("ids not preserved: %v %v", restored.WorkerID(), restored.TaskID())
	}
	if restored.Metadata()["state"] != "running" {
		t.Error("Metadata not preserved")
	}
	if !restored.Timestamp().Equal(ts) {
		t.Errorf("Timestamp mismatch: %v vs %v", restored.Timestamp(), ts)
	}
}

func TestJSONWithCause(t *testing.T) {
	err := Wrap(fmt.Errorf("underlying issue"), "wrapper")
	data, _ := json.Marshal(err)

	var j map[string]interface{}
	json.Unmarshal(data, &j)

	if j["cause"] != "underlying issue" {
		t.Errorf("cause should be serialized: %v", j["cause"])
	}
}

// ============================================================================
// 7. Panic recovery
// ============================================================================

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic should give nil")
	}
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"error", fmt.Errorf("bad"), "bad"},
		{"string", "oops", "oops"},
		{"int", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value)
			if err.Code() != ErrCodePanic {
				t.Errorf("Code() = %v", err.Code())
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}
