package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/logging"
)

var (
	ErrAlreadyStarted = errors.New("health monitor already started")
	ErrNotStarted     = errors.New("health monitor not started")
	ErrInvalidConfig  = errors.New("invalid health configuration")
)

// Status is the overall classification of a snapshot.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Gauge is a best-effort resource reading. A gauge the host could not
// provide is unknown and marshals to JSON null.
type Gauge struct {
	Value uint64
	Known bool
}

// KnownGauge returns a known gauge with value v.
func KnownGauge(v uint64) Gauge {
	return Gauge{Value: v, Known: true}
}

// String renders the value or "unknown".
func (g Gauge) String() string {
	if !g.Known {
		return "unknown"
	}
	return strconv.FormatUint(g.Value, 10)
}

// MarshalJSON implements json.Marshaler.
func (g Gauge) MarshalJSON() ([]byte, error) {
	if !g.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatUint(g.Value, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Gauge) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*g = Gauge{}
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*g = KnownGauge(v)
	return nil
}

// Resources are process-level gauges.
type Resources struct {
	MemoryRSS  Gauge `json:"memory_rss_bytes"`
	OpenFiles  Gauge `json:"open_files"`
	Goroutines Gauge `json:"goroutines"`
}

// TaskCounts counts registry tasks by status.
type TaskCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StalledTask is a running task whose heartbeat went stale.
type StalledTask struct {
	TaskID       string        `json:"task_id"`
	Key          string        `json:"key"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
}

// Err describes the stalled task as a STALLED error. The key is redacted.
func (s StalledTask) Err() *bkerrors.Error {
	return bkerrors.Stalled(s.TaskID, s.HeartbeatAge, bkerrors.WithMetadata("key", logging.RedactKey(s.Key)))
}

// CallStats aggregates tracked outbound calls of one name.
type CallStats struct {
	Calls     int64         `json:"calls"`
	Failures  int64         `json:"failures"`
	Slow      int64         `json:"slow"`
	Mean      time.Duration `json:"mean"`
	Max       time.Duration `json:"max"`
	LastError string        `json:"last_error,omitempty"`
}

// Snapshot is one immutable health reading.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Status  Status    `json:"status"`
	Reasons []string  `json:"reasons,omitempty"`

	Tasks TaskCounts `json:"tasks"`

	// FailedTasks counts tasks that failed within the failure window.
	FailedTasks int `json:"failed_tasks"`

	Stalled []StalledTask `json:"stalled,omitempty"`

	// BlockingCallsByKey holds the consecutive throttle count of every key
	// that is currently being throttled.
	BlockingCallsByKey map[string]int `json:"blocking_calls_by_key,omitempty"`

	Resources Resources            `json:"resources"`
	Calls     map[string]CallStats `json:"calls,omitempty"`
}

// Config configures a Monitor.
type Config struct {
	// Interval between periodic polls.
	// Default: 15 seconds
	Interval time.Duration `toml:"interval"`

	// StalenessThreshold is the heartbeat age after which a running task is
	// considered stalled.
	// Default: 60 seconds
	StalenessThreshold time.Duration `toml:"staleness_threshold"`

	// FailureWindow bounds which failed tasks count toward FailedTasks.
	// Default: 5 minutes
	FailureWindow time.Duration `toml:"failure_window"`

	// FailedSoftThreshold degrades health when more tasks than this failed
	// within the failure window.
	// Default: 5
	FailedSoftThreshold int `toml:"failed_soft_threshold"`

	// MemorySoftBytes degrades health when RSS exceeds it.
	// Default: 512 MiB
	MemorySoftBytes uint64 `toml:"memory_soft_bytes"`

	// MemoryHardBytes makes health critical when RSS exceeds it.
	// Default: 1 GiB
	MemoryHardBytes uint64 `toml:"memory_hard_bytes"`

	// ThrottleHardThreshold makes health critical when any key has been
	// throttled more than this many times in a row.
	// Default: 5
	ThrottleHardThreshold int `toml:"throttle_hard_threshold"`

	// Retention is how long terminal tasks stay in the registry.
	// Default: 10 minutes
	Retention time.Duration `toml:"retention"`

	// SlowCallThreshold marks tracked calls as slow.
	// Default: 2 seconds
	SlowCallThreshold time.Duration `toml:"slow_call_threshold"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:              15 * time.Second,
		StalenessThreshold:    60 * time.Second,
		FailureWindow:         5 * time.Minute,
		FailedSoftThreshold:   5,
		MemorySoftBytes:       512 << 20,
		MemoryHardBytes:       1 << 30,
		ThrottleHardThreshold: 5,
		Retention:             10 * time.Minute,
		SlowCallThreshold:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.FailedSoftThreshold == 0 {
		c.FailedSoftThreshold = d.FailedSoftThreshold
	}
	if c.MemorySoftBytes == 0 {
		c.MemorySoftBytes = d.MemorySoftBytes
	}
	if c.MemoryHardBytes == 0 {
		c.MemoryHardBytes = d.MemoryHardBytes
	}
	if c.ThrottleHardThreshold == 0 {
		c.ThrottleHardThreshold = d.ThrottleHardThreshold
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	if c.SlowCallThreshold == 0 {
		c.SlowCallThreshold = d.SlowCallThreshold
	}
	return c
}

// Validate checks the configuration once defaults have been applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Interval < 0 || c.StalenessThreshold < 0 || c.FailureWindow < 0 ||
		c.Retention < 0 || c.SlowCallThreshold < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.FailedSoftThreshold < 0 || c.ThrottleHardThreshold < 0 {
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidConfig)
	}
	if c.MemoryHardBytes < c.MemorySoftBytes {
		return fmt.Errorf("%w: memory_hard_bytes below memory_soft_bytes", ErrInvalidConfig)
	}
	if c.Retention < c.FailureWindow {
		return fmt.Errorf("%w: retention shorter than failure_window", ErrInvalidConfig)
	}
	return nil
}
