package event

import "context"

// Emitter receives structured events from a running DAG or state
// machine. Implementations should be non-blocking and thread-safe: a
// node body running on any goroutine may emit events concurrently with
// others, and a slow sink must never stall scheduling.
//
// Emit should not panic. Errors reaching the sink should be logged
// internally, not surfaced to the workflow.
type Emitter interface {
	// Emit sends a single event to the backend.
	Emit(e Event)

	// EmitBatch sends multiple events in one operation. Implementations
	// should preserve the given order (it reflects happened-before
	// relationships) and only return an error on catastrophic,
	// configuration-level failures — per-event delivery failures should
	// be swallowed or logged, never returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered, or
	// ctx is done. Safe to call more than once.
	Flush(ctx context.Context) error
}
