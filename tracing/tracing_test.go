package tracing_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/dimfeld/ramus/tracing"
)

func TestNoopProducesUsableSpan(t *testing.T) {
	tr := tracing.Noop()
	ctx, span := tr.StartSpan(context.Background(), "test-span")
	defer span.End()

	if ctx == nil {
		t.Fatal("StartSpan returned a nil context")
	}
	span.SetAttributes() // must not panic on a noop span
}

func TestNewTracerNilFallsBackToNoop(t *testing.T) {
	tr := tracing.NewTracer(nil)
	_, span := tr.StartSpan(context.Background(), "nil-tracer-span")
	defer span.End()

	if tr.Raw() == nil {
		t.Fatal("NewTracer(nil) left Raw() nil instead of falling back to a noop tracer")
	}
}

func TestNewTracerWrapsSuppliedTracer(t *testing.T) {
	raw := trace.NewNoopTracerProvider().Tracer("ramus-test")
	tr := tracing.NewTracer(raw)
	if tr.Raw() != raw {
		t.Fatal("NewTracer did not preserve the supplied tracer through Raw()")
	}
}
