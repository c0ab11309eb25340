package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Chorus spans.
var (
	AttrRunID          = attribute.Key("chorus.run.id")
	AttrThreadKey      = attribute.Key("chorus.thread.key")
	AttrDeliveryMode   = attribute.Key("chorus.delivery_mode")
	AttrTaskID         = attribute.Key("chorus.task.id")
	AttrOccurrenceID   = attribute.Key("chorus.occurrence.id")
	AttrScheduleKind   = attribute.Key("chorus.schedule.kind")
	AttrRunStatus      = attribute.Key("chorus.run.status")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound event (message ingest).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (agent turn, messenger API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
