package tasks

import (
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// ErrDuplicateRegistration is returned by RegisterExclusive when the key
// already has a non-terminal task. Match it with errors.Is.
var ErrDuplicateRegistration = bkerrors.FromCode(bkerrors.ErrCodeDuplicateRegistration)

// Status represents the current state of a task.
type Status string

const (
	// StatusPending indicates the task is registered but its goroutine has
	// not reported in yet.
	StatusPending Status = "pending"

	// StatusRunning indicates the task's goroutine is alive.
	StatusRunning Status = "running"

	// StatusCompleted indicates the task exited cleanly.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task exited with an error or was abandoned.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task describes one background goroutine. Values returned by the
// Registry are copies.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`

	// Key is the logical resource the task works on, such as a worker id.
	Key string `json:"key"`

	Status Status `json:"status"`

	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// FinishedAt is set when the task reaches a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// LastError is the failure reason for failed tasks.
	LastError string `json:"last_error,omitempty"`
}

// HeartbeatAge returns how long ago the task last reported in.
func (t Task) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(t.LastHeartbeat)
}
