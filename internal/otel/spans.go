package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Taskdeck spans.
var (
	AttrTaskID      = attribute.Key("taskdeck.task.id")
	AttrWorkspaceID = attribute.Key("taskdeck.workspace.id")
	AttrPlanID      = attribute.Key("taskdeck.plan.id")
	AttrAgentID     = attribute.Key("taskdeck.agent.id")
	AttrClientID    = attribute.Key("taskdeck.client.id")
	AttrTransport   = attribute.Key("taskdeck.transport")
	AttrEventType   = attribute.Key("taskdeck.event.type")
	AttrAction      = attribute.Key("taskdeck.action")
	AttrRoute       = attribute.Key("taskdeck.http.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (gateway proxy, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
