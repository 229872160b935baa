package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
)

// Exporter is the interface for event exporters.
type Exporter interface {
	// LogEvent records an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// Event is one exported record.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewExporter creates an exporter by protocol: "http", "file" or "noop".
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, bkerrors.InvalidInput("http exporter requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, bkerrors.InvalidInput("unknown event protocol: " + protocol)
	}
}

// TransitionEvents returns a lifecycle observer that exports every state
// change as a "worker_transition" event.
func TransitionEvents(exp Exporter) func(lifecycle.Transition) {
	return func(tr lifecycle.Transition) {
		data := map[string]interface{}{
			"worker": tr.WorkerID,
			"from":   tr.From.String(),
			"to":     tr.To.String(),
			"at":     tr.At,
		}
		if tr.Reason != "" {
			data["reason"] = tr.Reason
		}
		exp.LogEvent("worker_transition", data)
	}
}

// SnapshotEvents returns a health observer that exports every snapshot as
// a "health_snapshot" event.
func SnapshotEvents(exp Exporter) func(health.Snapshot) {
	return func(s health.Snapshot) {
		throttled := make(map[string]int, len(s.BlockingCallsByKey))
		for key, n := range s.BlockingCallsByKey {
			throttled[logging.RedactKey(key)] = n
		}
		stalled := make([]*bkerrors.Error, 0, len(s.Stalled))
		for _, st := range s.Stalled {
			stalled = append(stalled, st.Err())
		}
		exp.LogEvent("health_snapshot", map[string]interface{}{
			"status":        s.Status.String(),
			"reasons":       s.Reasons,
			"tasks":         s.Tasks,
			"failed_tasks":  s.FailedTasks,
			"stalled":       len(s.Stalled),
			"stalled_tasks": stalled,
			"throttled":     throttled,
			"memory_rss":    s.Resources.MemoryRSS,
			"open_files":    s.Resources.OpenFiles,
			"goroutines":    s.Resources.Goroutines,
		})
	}
}

// --- HTTP Exporter ---

const httpBatchSize = 100

// HTTPExporter posts batches of events to an HTTP endpoint.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	buffer   []Event
	mu       sync.Mutex
	nowFunc  func() time.Time // for testing
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer:  make([]Event, 0, httpBatchSize),
		nowFunc: time.Now,
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, Event{
		Name:      name,
		Timestamp: e.nowFunc(),
		Data:      data,
	})
	if len(e.buffer) >= httpBatchSize {
		e.flush()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return bkerrors.Wrap(err, "encode events")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return bkerrors.Wrap(err, "build event request")
	}
	req.Header.Set("Content-Type", "application/json")
	InjectHeaders(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "post events")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return bkerrors.Newf(bkerrors.ErrCodeUnavailable, "event endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends events to a JSON lines file.
type FileExporter struct {
	file    *os.File
	mu      sync.Mutex
	nowFunc func() time.Time // for testing
}

// NewFileExporter creates a new file exporter.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, bkerrors.InvalidInput("file exporter requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, bkerrors.Wrap(err, "open event file")
	}
	return &FileExporter{file: file, nowFunc: time.Now}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(Event{
		Name:      name,
		Timestamp: e.nowFunc(),
		Data:      data,
	})
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(append(line, '\n'))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all events.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
