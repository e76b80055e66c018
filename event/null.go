package event

import "context"

// NullEmitter discards every event. Useful as the default when a caller
// doesn't care about observability, and in tests that only exercise
// scheduling behavior.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards e.
func (*NullEmitter) Emit(Event) {}

// EmitBatch discards events.
func (*NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op.
func (*NullEmitter) Flush(context.Context) error { return nil }
