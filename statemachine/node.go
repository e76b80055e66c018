package statemachine

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// NodeInput is the record passed to a state body.
type NodeInput[S any] struct {
	Context         S
	Input           any
	RootInput       any
	Event           string
	PreviousState   string
	Span            trace.Span
	IsCancelled     func() bool
	ExitIfCancelled func() error
}

// NodeFunc is a state's body. States may be pure routing and omit it.
type NodeFunc[S any] func(ctx context.Context, in NodeInput[S]) (any, error)

// NodeDescriptor declares one state of a Definition.
type NodeDescriptor[S any] struct {
	// Run is optional: states may be pure routing with no body.
	Run NodeFunc[S]

	// Final marks this state terminal; the machine halts scheduling
	// once it transitions here.
	Final bool

	// ErrorState overrides the machine-level ErrorState for exceptions
	// raised while this state's body runs.
	ErrorState string

	SemaphoreKey string

	// Transition declares how this state routes onward. A zero value
	// means the state never transitions on its own (it must be Final,
	// or the machine stalls in waitingForEvent until an external Send
	// drives it out).
	Transition Transition

	Tags []string
	Info map[string]any
}
