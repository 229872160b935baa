package telemetry

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/ratelimit"
)

// Tracer wraps OpenTelemetry tracing with botkit-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // when true, rate limit keys are not redacted
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *Tracer) key(key string) string {
	if t.debug {
		return key
	}
	return logging.RedactKey(key)
}

// --- Call spans ---

// Traced wraps fn in a client span named "call."+name. Throttled calls are
// marked with the Retry-After hint and do not set an error status, since
// the limiter absorbs them.
func Traced(t *Tracer, name, key string, fn ratelimit.CallFunc) ratelimit.CallFunc {
	return func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "call."+name, trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("call.name", name),
			attribute.String("ratelimit.key", t.key(key)),
		)

		err := fn(ctx)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case ratelimit.IsThrottled(err):
			span.SetAttributes(
				attribute.Bool("ratelimit.throttled", true),
				attribute.String("ratelimit.retry_after", ratelimit.RetryAfter(err).String()),
			)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// --- Lifecycle spans ---

// TransitionObserver returns a lifecycle observer that records each state
// change as a short span. Transitions into error carry an error status.
func (t *Tracer) TransitionObserver() func(lifecycle.Transition) {
	return func(tr lifecycle.Transition) {
		_, span := t.tracer.Start(context.Background(), "worker.transition",
			trace.WithTimestamp(tr.At),
			trace.WithSpanKind(trace.SpanKindInternal))
		span.SetAttributes(
			attribute.String("worker.id", tr.WorkerID),
			attribute.String("worker.from", tr.From.String()),
			attribute.String("worker.to", tr.To.String()),
		)
		if tr.Reason != "" {
			span.SetAttributes(attribute.String("worker.reason", tr.Reason))
		}
		if tr.To == lifecycle.StateError {
			span.SetStatus(codes.Error, tr.Reason)
		}
		span.End(trace.WithTimestamp(tr.At))
	}
}

// --- Health spans ---

// SnapshotObserver returns a health observer that records each snapshot
// as a span with its classification and counters.
func (t *Tracer) SnapshotObserver() func(health.Snapshot) {
	return func(s health.Snapshot) {
		_, span := t.tracer.Start(context.Background(), "health.snapshot",
			trace.WithTimestamp(s.TakenAt),
			trace.WithSpanKind(trace.SpanKindInternal))
		attrs := []attribute.KeyValue{
			attribute.String("health.status", s.Status.String()),
			attribute.Int("health.tasks.running", s.Tasks.Running),
			attribute.Int("health.tasks.failed_recent", s.FailedTasks),
			attribute.Int("health.tasks.stalled", len(s.Stalled)),
			attribute.Int("health.keys.throttled", len(s.BlockingCallsByKey)),
		}
		if len(s.Reasons) > 0 {
			attrs = append(attrs, attribute.StringSlice("health.reasons", s.Reasons))
		}
		if s.Resources.Goroutines.Known {
			attrs = append(attrs, attribute.Int64("health.goroutines", int64(s.Resources.Goroutines.Value)))
		}
		if s.Resources.MemoryRSS.Known {
			attrs = append(attrs, attribute.Int64("health.memory_rss", int64(s.Resources.MemoryRSS.Value)))
		}
		span.SetAttributes(attrs...)
		if s.Status == health.StatusCritical {
			span.SetStatus(codes.Error, "critical")
		}
		span.End(trace.WithTimestamp(s.TakenAt))
	}
}

// --- Context Propagation ---

// InjectHeaders writes the trace context of ctx into outbound HTTP headers.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeaders reads a trace context from inbound HTTP headers.
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
