package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dynrest/internal/apierr"
)

func startStoreSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("dynrest/store")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// finishStoreSpan records the outcome and ends the span.
func finishStoreSpan(span trace.Span, err error, outcome string) {
	if span == nil {
		return
	}
	defer span.End()
	if outcome == "" {
		outcome = apierr.Class(err)
	}
	span.SetAttributes(attribute.String("dynrest.store.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
