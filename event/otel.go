package event

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dimfeld/ramus/tracing"
)

// OTelEmitter turns each event into a point-in-time OpenTelemetry span,
// so step lifecycle events show up in whatever tracing backend the
// caller's TracerProvider is wired to.
//
// Span name is the event Type; run id, step id and source/sourceNode
// become attributes. Each Meta key becomes a "ramus.meta.<key>"
// attribute; a time.Duration value is recorded in milliseconds under
// "ramus.meta.<key>_ms", and values of other unsupported types as
// their fmt %v string.
type OTelEmitter struct {
	tracer tracing.Tracer
}

// NewOTelEmitter creates an OTelEmitter from an OpenTelemetry tracer,
// typically otel.Tracer("ramus"), wrapped in the shared tracing.Tracer
// helper so a nil tracer still produces valid, inert spans.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracing.NewTracer(tracer)}
}

// Emit starts and immediately ends a span representing e.
func (o *OTelEmitter) Emit(e Event) {
	_, span := o.tracer.StartSpan(context.Background(), string(e.Type))
	defer span.End()
	o.annotate(span, e)
}

// EmitBatch emits one span per event, in order.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		_, span := o.tracer.StartSpan(ctx, string(e.Type))
		o.annotate(span, e)
		span.End()
	}
	return nil
}

// Flush force-flushes the active TracerProvider, if it supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, e Event) {
	span.SetAttributes(
		attribute.String("ramus.run_id", e.RunID),
		attribute.String("ramus.step", e.Step),
		attribute.String("ramus.source", e.Source),
		attribute.String("ramus.source_node", e.SourceNode),
	)
	for k, v := range e.Meta {
		attrKey := "ramus.meta." + k
		switch vv := v.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, vv))
		case int:
			span.SetAttributes(attribute.Int(attrKey, vv))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, vv))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, vv))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, vv))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey+"_ms", int64(vv/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", vv)))
		}
	}
	if errData, ok := e.Data.(ErrorData); ok && errData.Error != nil {
		span.SetStatus(codes.Error, errData.Error.Error())
		span.RecordError(errData.Error)
	}
}
