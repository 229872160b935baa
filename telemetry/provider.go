package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// DefaultServiceName names the daemon's spans when nothing else is set.
const DefaultServiceName = "botkitd"

// ProviderConfig configures the OTLP trace pipeline.
type ProviderConfig struct {
	// ServiceName defaults to OTEL_SERVICE_NAME, then "botkitd".
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port of the collector. A scheme prefix is ignored.
	// Default: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string

	// Protocol is "grpc" or "http". Default: grpc
	Protocol string
	Insecure bool
	Headers  map[string]string

	// Debug records rate limit keys unredacted.
	Debug bool

	BatchTimeout  time.Duration
	ExportTimeout time.Duration

	// SampleRatio is the fraction of root traces kept. Zero or values of
	// one and above keep everything.
	SampleRatio float64
}

// ProviderOption adjusts InitProvider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// WithSpanExporter replaces the OTLP exporter. No endpoint is needed.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithoutGlobal leaves the otel globals and the package tracer untouched.
func WithoutGlobal() ProviderOption {
	return func(o *providerOptions) { o.global = false }
}

// Provider owns a tracer provider and its exporter.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider builds the trace pipeline and, unless WithoutGlobal is
// given, installs it as the otel global with W3C trace context
// propagation. The Provider must be shut down to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	o := providerOptions{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	name := firstNonEmpty(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), DefaultServiceName)
	res, err := newResource(ctx, name, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	exp := o.exporter
	if exp == nil {
		if exp, err = newExporter(ctx, cfg); err != nil {
			return nil, err
		}
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	p := &Provider{tp: tp, tracer: NewTracerFromProvider(tp, name, cfg.Debug)}
	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		SetGlobalTracer(p.tracer)
	}
	return p, nil
}

// newResource describes this process. Each daemon start gets its own
// instance id so restarts are distinguishable in the backend.
func newResource(ctx context.Context, name, version string) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	}
	if version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, bkerrors.Wrap(err, "build trace resource")
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, bkerrors.InvalidInput("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch firstNonEmpty(cfg.Protocol, "grpc") {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, bkerrors.InvalidInput("unknown trace protocol " + cfg.Protocol + " (use grpc or http)")
	}
	if err != nil {
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "create trace exporter")
	}
	return exp, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports pending spans now.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
