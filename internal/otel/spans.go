package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for worker spans.
var (
	AttrTaskID      = attribute.Key("taskherald.task.id")
	AttrMessageKind = attribute.Key("taskherald.message.kind")
	AttrChatID      = attribute.Key("taskherald.chat.id")
	AttrAttemptNo   = attribute.Key("taskherald.attempt.no")
	AttrWorkerID    = attribute.Key("taskherald.worker.id")
	AttrEventSource = attribute.Key("taskherald.event.source")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (Telegram API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
