// Package tracing provides the thin OpenTelemetry span helper shared by
// the event package's OTelEmitter and the DAG/state-machine runners, so
// every node body receives a real trace.Span when an OTel tracer is
// configured, and a no-op span otherwise.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry trace.Tracer, defaulting to a no-op
// tracer when none is supplied — callers that never configure OTel
// still get a valid, inert trace.Span on every node invocation.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps t. A nil t falls back to trace.NewNoopTracerProvider().
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		t = trace.NewNoopTracerProvider().Tracer("ramus")
	}
	return Tracer{tracer: t}
}

// StartSpan starts a span named name as a child of ctx, returning the
// derived context and the span handle to pass into node bodies.
func (t Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// Raw returns the underlying trace.Tracer, for callers (like the DAG
// and state-machine runners) that want to call Start directly.
func (t Tracer) Raw() trace.Tracer {
	return t.tracer
}

// Noop returns a Tracer backed by the no-op TracerProvider, for runs
// that don't configure tracing at all.
func Noop() Tracer {
	return NewTracer(nil)
}
