// Package telemetry provides OpenTelemetry integration for tracing, metrics and logs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer every goal engine span comes from.
const TracerName = "crm-goal-engine"

// Span attribute keys.
const (
	SpanAttrGoalID     = "goal_id"
	SpanAttrParentID   = "parent_goal_id"
	SpanAttrGoalType   = "goal_type"
	SpanAttrEntityType = "entity_type"
	SpanAttrEntityID   = "entity_id"
)

// SpanOption adds a start attribute to a span.
type SpanOption func([]attribute.KeyValue) []attribute.KeyValue

// WithAttribute attaches key=value when the span starts.
func WithAttribute(key string, value any) SpanOption {
	return func(attrs []attribute.KeyValue) []attribute.KeyValue {
		return append(attrs, toAttribute(key, value))
	}
}

// StartSpan starts an internal span on the global tracer provider.
// The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	for _, opt := range opts {
		attrs = opt(attrs)
	}
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

// StartServiceSpan starts a span named "<service>.<operation>".
//
//	ctx, span := telemetry.StartServiceSpan(ctx, "goal_hierarchy", "link")
//	defer span.End()
func StartServiceSpan(ctx context.Context, service, operation string, opts ...SpanOption) (context.Context, trace.Span) {
	return StartSpan(ctx, service+"."+operation, opts...)
}

// SetAttributes sets alternating key/value pairs on span. Pairs whose key is
// not a string are skipped.
func SetAttributes(span trace.Span, keyValues ...any) {
	if span == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		if key, ok := keyValues[i].(string); ok {
			attrs = append(attrs, toAttribute(key, keyValues[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if id := trace.SpanContextFromContext(ctx).TraceID(); id.IsValid() {
		return id.String()
	}
	return ""
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
