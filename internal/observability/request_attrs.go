package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestInfo describes one API request once its route is resolved.
type RequestInfo struct {
	Entity    string
	Action    string
	ID        string
	Subject   string
	Superuser bool
	// Outcome is the error class, "success" when the request was served.
	Outcome string
}

// RequestSpanAttributes builds canonical span attributes for an API request.
func RequestSpanAttributes(info RequestInfo) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	if info.Entity != "" {
		attrs = append(attrs, attribute.String("dynrest.entity", info.Entity))
	}
	if info.Action != "" {
		attrs = append(attrs, attribute.String("dynrest.action", info.Action))
	}
	if info.ID != "" {
		attrs = append(attrs, attribute.String("dynrest.record_id", info.ID))
	}
	if info.Subject != "" {
		attrs = append(attrs, attribute.String("auth.subject", info.Subject))
	}
	if info.Superuser {
		attrs = append(attrs, attribute.Bool("auth.superuser", true))
	}
	if info.Outcome != "" {
		attrs = append(attrs, attribute.String("dynrest.outcome", info.Outcome))
	}
	return attrs
}

// RequestLogFields builds canonical structured log fields for an API request.
func RequestLogFields(ctx context.Context, info RequestInfo) []any {
	fields := make([]any, 0, 6)
	if info.Entity != "" {
		fields = append(fields, slog.String("entity", info.Entity))
	}
	if info.Action != "" {
		fields = append(fields, slog.String("action", info.Action))
	}
	if info.ID != "" {
		fields = append(fields, slog.String("record_id", info.ID))
	}
	if info.Subject != "" {
		fields = append(fields, slog.String("subject", info.Subject))
	}
	if info.Outcome != "" {
		fields = append(fields, slog.String("outcome", info.Outcome))
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		fields = append(fields, slog.String("trace_id", spanCtx.TraceID().String()))
	}
	return fields
}
