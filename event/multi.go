package event

import "context"

// MultiEmitter fans a single event stream out to several backends —
// e.g. a LogEmitter for local debugging alongside an OTelEmitter for
// production tracing.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an Emitter that forwards to every emitter
// given, in order.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit forwards e to every configured emitter.
func (m *MultiEmitter) Emit(e Event) {
	for _, em := range m.emitters {
		em.Emit(e)
	}
}

// EmitBatch forwards events to every configured emitter, returning the
// first error encountered (after still attempting the rest).
func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, em := range m.emitters {
		if err := em.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush flushes every configured emitter, returning the first error
// encountered (after still attempting the rest).
func (m *MultiEmitter) Flush(ctx context.Context) error {
	var firstErr error
	for _, em := range m.emitters {
		if err := em.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
