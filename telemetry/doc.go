// Package telemetry wires OpenTelemetry tracing and a JSON event export
// into botkit.
//
// Tracing covers three things: outbound calls (Traced), worker state
// changes (Tracer.TransitionObserver) and health polls
// (Tracer.SnapshotObserver). Rate limit keys are redacted on spans unless
// the tracer runs in debug mode.
//
// Exporters write the same transitions and snapshots as flat JSON events
// to a file or an HTTP collector, for deployments without an OTLP backend.
package telemetry
