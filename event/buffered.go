package event

import (
	"context"
	"sync"
)

// BufferedEmitter accumulates events in memory and only forwards them to
// an underlying Emitter on Flush, or once the buffer reaches a size
// threshold. This keeps a slow downstream sink from blocking node
// scheduling on most events (spec's "suspension point" concern for
// event-sink delivery): an Emit call waits on the real backend only when
// it fills the buffer to the threshold, since that call flushes inline.
type BufferedEmitter struct {
	mu        sync.Mutex
	buf       []Event
	threshold int
	next      Emitter
}

// NewBufferedEmitter wraps next, flushing automatically once threshold
// events have accumulated (0 disables the automatic flush; callers must
// call Flush themselves).
func NewBufferedEmitter(next Emitter, threshold int) *BufferedEmitter {
	return &BufferedEmitter{next: next, threshold: threshold}
}

// Emit buffers e, flushing to the underlying emitter if the threshold is
// reached.
func (b *BufferedEmitter) Emit(e Event) {
	b.mu.Lock()
	b.buf = append(b.buf, e)
	full := b.threshold > 0 && len(b.buf) >= b.threshold
	b.mu.Unlock()

	if full {
		_ = b.Flush(context.Background())
	}
}

// EmitBatch buffers events, flushing if the threshold is reached.
func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	b.mu.Lock()
	b.buf = append(b.buf, events...)
	full := b.threshold > 0 && len(b.buf) >= b.threshold
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered event to the underlying emitter in one
// batch and clears the buffer, then flushes the underlying emitter too.
func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return b.next.Flush(ctx)
	}
	if err := b.next.EmitBatch(ctx, pending); err != nil {
		return err
	}
	return b.next.Flush(ctx)
}
