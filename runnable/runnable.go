// Package runnable defines the contract shared by the DAG and
// state-machine runners: a uniform Run/Finished/Cancel surface, plus the
// small concurrency primitives (Future, one-shot/many-shot pub-sub) both
// runners are built from.
package runnable

import (
	"context"
	"errors"
)

// ErrCancelled is the sentinel a node or state body can return (or that
// exit-if-cancelled helpers raise) to unwind cleanly without being
// reported as an error. Runners treat it as non-error termination: no
// *:node_error / ramus:error is emitted, and no output is published.
var ErrCancelled = errors.New("ramus: cancelled")

// Runnable is the common surface of the DAG and state-machine runners.
//
// Run launches execution. How far it goes before returning depends on
// the runner: the DAG runner returns once its ready nodes are
// dispatched, the state-machine runner once the machine is quiescent
// (waiting for an event, final, error or cancelled). Finished
// returns a Future that resolves with the run's eventual output, is
// rejected with the first error, or is rejected with ErrCancelled.
// Cancel requests cooperative cancellation; bodies observe it on their
// next IsCancelled/ExitIfCancelled poll, never via preemption.
type Runnable interface {
	Run(ctx context.Context) error
	Finished() *Future[any]
	Cancel()
}
