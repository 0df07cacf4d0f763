package otel

import (
	"context"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentd spans.
var (
	AttrTaskID   = attribute.Key("agentd.task.id")
	AttrTaskKind = attribute.Key("agentd.task.kind")
	AttrRoom     = attribute.Key("agentd.room")
	AttrWorkerID = attribute.Key("agentd.worker.id")
	AttrAction   = attribute.Key("agentd.action")
)

// Tracer returns the agentd tracer from the global provider. Init installs
// the real provider; before that (and when telemetry is disabled) this is a
// no-op tracer.
func Tracer() trace.Tracer {
	return otelapi.Tracer(TracerName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound admin request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
