package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartBroadcastSpan starts a span for fanning one event out on a channel.
func (tm *TraceManager) StartBroadcastSpan(ctx context.Context, channel string, subscriberCount int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "broadcast_event", trace.WithAttributes(
		attribute.String("messaging.system", "websocket"),
		attribute.String("messaging.destination", channel),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("relay.subscriber_count", subscriberCount),
	))
}

// StartIngestSpan starts a span for one payload received on the relay's
// ingestion endpoint.
func (tm *TraceManager) StartIngestSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "ingest_event", trace.WithAttributes(
		attribute.String("messaging.operation", "receive"),
		attribute.String("relay.source", source),
	))
}

// StartDispatchSpan starts a span for an outbound backend call carrying the
// task correlation id.
func (tm *TraceManager) StartDispatchSpan(ctx context.Context, endpoint, correlationID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "dispatch_task", trace.WithAttributes(
		attribute.String("http.url", endpoint),
		attribute.String("task.message_id", correlationID),
	))
}

// AddCorrelationAttributes records the ids binding a request to its stream
// of events.
func (tm *TraceManager) AddCorrelationAttributes(span trace.Span, messageID, sessionID string) {
	if messageID != "" {
		span.SetAttributes(attribute.String("task.message_id", messageID))
	}
	if sessionID != "" {
		span.SetAttributes(attribute.String("task.session_id", sessionID))
	}
}

// AddComponentAttribute adds a component identifier to a span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("relay.component", component))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
