// Package tracing wraps the OpenTelemetry tracer used by the batch commands.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for batch steps.
type Tracer struct {
	tracer trace.Tracer
}

// New creates a tracer. A nil tracer falls back to the global provider.
func New(tracer trace.Tracer) *Tracer {
	if tracer == nil {
		tracer = otel.Tracer("amountfix")
	}
	return &Tracer{tracer: tracer}
}

// Start opens an internal span with attrs.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}
