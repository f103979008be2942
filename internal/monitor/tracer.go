package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sandbox-governor"

// Tracer wraps OpenTelemetry tracing for the governor.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan starts a "governor.<name>" span. A nil Tracer returns a no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, "governor."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrContainerID = attribute.Key("governor.container.id")
	AttrLanguage    = attribute.Key("governor.language")
	AttrCodeHash    = attribute.Key("governor.code_hash")
	AttrExitCode    = attribute.Key("governor.exit_code")
	AttrOperation   = attribute.Key("governor.operation")
	AttrTimeoutMS   = attribute.Key("governor.timeout_ms")
)
