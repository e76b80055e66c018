package statemachine

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/internal/idgen"
	"github.com/dimfeld/ramus/metrics"
	"github.com/dimfeld/ramus/runctx"
	"github.com/dimfeld/ramus/runnable"
	"github.com/dimfeld/ramus/semaphore"
	"github.com/dimfeld/ramus/tracing"
)

// Status is the state machine runner's own lifecycle, distinct from the
// active business state (CurrentState.State).
type Status string

const (
	StatusInitial          Status = "initial"
	StatusReady            Status = "ready"
	StatusPendingSemaphore Status = "pendingSemaphore"
	StatusRunning          Status = "running"
	StatusWaitingForEvent  Status = "waitingForEvent"
	StatusFinal            Status = "final"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// CurrentState is the machine's active business state.
type CurrentState struct {
	State         string
	PreviousState string
	Input         any
	Event         string
	Output        any
}

// queueItem is one event awaiting a transition attempt.
type queueItem struct {
	Type             string
	Data             any
	QueueIfUnhandled bool
}

// Definition is an immutable user-supplied state machine.
type Definition[S any] struct {
	Name           string
	Initial        string
	ErrorState     string
	ContextFactory func() S
	Nodes          map[string]*NodeDescriptor[S]

	Tags        []string
	Description string
	InputSchema any
}

func validate[S any](def Definition[S]) error {
	if len(def.Nodes) == 0 {
		return fmt.Errorf("statemachine: %s has no states", def.Name)
	}
	if _, ok := def.Nodes[def.Initial]; !ok {
		return fmt.Errorf("statemachine: initial state %q does not exist", def.Initial)
	}
	if def.ErrorState != "" {
		if _, ok := def.Nodes[def.ErrorState]; !ok {
			return fmt.Errorf("statemachine: error_state %q does not exist", def.ErrorState)
		}
	}
	for name, node := range def.Nodes {
		if node.ErrorState != "" {
			if _, ok := def.Nodes[node.ErrorState]; !ok {
				return fmt.Errorf("statemachine: state %q error_state %q does not exist", name, node.ErrorState)
			}
		}
		for _, target := range node.Transition.targets() {
			if _, ok := def.Nodes[target]; !ok {
				return fmt.Errorf("statemachine: state %q transitions to unknown state %q", name, target)
			}
		}
	}
	return nil
}

// Option configures a Runner.
type Option[S any] func(*runnerConfig[S])

type runnerConfig[S any] struct {
	semaphores *semaphore.Registry
	sink       event.Emitter
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

func WithSemaphores[S any](r *semaphore.Registry) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.semaphores = r }
}

func WithSink[S any](sink event.Emitter) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.sink = sink }
}

func WithMetrics[S any](m *metrics.Metrics) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.metrics = m }
}

// WithTracer configures the OpenTelemetry tracer each state's span is
// created from, wrapped in the shared tracing.Tracer helper.
func WithTracer[S any](t trace.Tracer) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.tracer = tracing.NewTracer(t) }
}

// Runner drives a single-actor state machine over a Definition, one
// state evaluation at a time. All exported methods serialize through
// mu, matching the single-threaded-cooperative scheduling model §5
// describes for state evaluation — only a state's own body runs without
// the lock held.
type Runner[S any] struct {
	def       Definition[S]
	cfg       runnerConfig[S]
	ctxValue  S
	rootInput any

	mu          sync.Mutex
	status      Status
	current     CurrentState
	eventQueue  []queueItem
	machineStep string
	stepIndex   int

	ctx    context.Context
	cancel context.CancelFunc

	finished      *runnable.Future[any]
	finishEmit    *runnable.Emitter[any]
	errorEmit     *runnable.Emitter[error]
	cancelledEmit *runnable.Emitter[struct{}]
}

// NewRunner validates def and returns a Runner positioned at its
// initial state, not yet started.
func NewRunner[S any](def Definition[S], rootInput any, opts ...Option[S]) (*Runner[S], error) {
	if err := validate(def); err != nil {
		return nil, err
	}
	cfg := runnerConfig[S]{tracer: tracing.Noop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	var ctxValue S
	if def.ContextFactory != nil {
		ctxValue = def.ContextFactory()
	}
	return &Runner[S]{
		def:           def,
		cfg:           cfg,
		ctxValue:      ctxValue,
		rootInput:     rootInput,
		status:        StatusInitial,
		current:       CurrentState{State: def.Initial, Input: rootInput},
		finished:      runnable.NewFuture[any](),
		finishEmit:    &runnable.Emitter[any]{},
		errorEmit:     &runnable.Emitter[error]{},
		cancelledEmit: &runnable.Emitter[struct{}]{},
	}, nil
}

// Finished returns the future that resolves with the input carried into
// the final state (the output of the state that transitioned there), or
// rejects with the first error or with runnable.ErrCancelled on Cancel.
func (r *Runner[S]) Finished() *runnable.Future[any] {
	return r.finished
}

// CurrentState returns a snapshot of the machine's active business
// state.
func (r *Runner[S]) CurrentState() CurrentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Status returns the runner's current lifecycle status.
func (r *Runner[S]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CanStep reports whether a call to Step could make progress: the
// status allows it, and the current state has a body to run or an
// unconditional transition.
func (r *Runner[S]) CanStep() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canStepLocked()
}

func (r *Runner[S]) canStepLocked() bool {
	switch r.status {
	case StatusRunning, StatusCancelled, StatusWaitingForEvent, StatusFinal, StatusError:
		return false
	}
	node := r.def.Nodes[r.current.State]
	return node.Run != nil || node.Transition.hasAlways()
}

// AvailableEvents returns the event types the current state declares
// transitions for, excluding the always/empty-string entry.
func (r *Runner[S]) AvailableEvents() []string {
	r.mu.Lock()
	node := r.def.Nodes[r.current.State]
	r.mu.Unlock()

	var out []string
	for evt := range node.Transition.ByEvent {
		if evt != "" {
			out = append(out, evt)
		}
	}
	return out
}

func (r *Runner[S]) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	ctx := r.ctx
	r.mu.Unlock()
	if ctx != nil {
		runctx.Emit(ctx, event.Event{
			Type: event.TypeSMStatus,
			Data: map[string]any{"status": string(s)},
		})
	}
}

// Run launches the machine, calling Step repeatedly until it can no
// longer make unattended progress (waitingForEvent, final, error, or
// cancelled). It returns once quiescent; use Finished to wait for the
// terminal outcome across later Send-driven steps.
func (r *Runner[S]) Run(ctx context.Context) error {
	_, err := runctx.StartRun(ctx, runctx.StartOptions{SourceName: r.def.Name, Sink: r.cfg.sink}, func(ctx context.Context) (struct{}, error) {
		nodeCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.ctx = nodeCtx
		r.cancel = cancel
		r.mu.Unlock()

		for r.CanStep() {
			if stepErr := r.Step(); stepErr != nil && stepErr != runnable.ErrCancelled {
				return struct{}{}, stepErr
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Cancel requests cooperative cancellation: the machine stops
// transitioning further and the current node body observes it on its
// next cancellation-probe poll.
func (r *Runner[S]) Cancel() {
	r.mu.Lock()
	if r.status == StatusFinal || r.status == StatusError || r.status == StatusCancelled {
		r.mu.Unlock()
		return
	}
	r.status = StatusCancelled
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.finished.Reject(runnable.ErrCancelled)
	r.cancelledEmit.Emit(struct{}{})
}

// Send injects an external event. While running, or when queue is true
// and the current state has no handler for typ, the event is appended
// to the queue instead of attempted immediately.
func (r *Runner[S]) Send(typ string, data any, queue bool) {
	r.mu.Lock()
	node := r.def.Nodes[r.current.State]
	if r.status == StatusRunning || (queue && !node.Transition.handles(typ)) {
		r.eventQueue = append(r.eventQueue, queueItem{Type: typ, Data: data, QueueIfUnhandled: queue})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.attemptTransition(typ, data)
}

// attemptTransition tries to fire a transition for (typ, data) against
// the current state, updating current/status on success. It reports
// whether a transition fired.
func (r *Runner[S]) attemptTransition(typ string, data any) bool {
	r.mu.Lock()
	node := r.def.Nodes[r.current.State]
	target, fired := node.Transition.resolve(typ, data)
	if !fired {
		r.mu.Unlock()
		return false
	}
	from := r.current.State
	r.current = CurrentState{
		State:         target,
		PreviousState: from,
		Input:         data,
		Event:         typ,
	}
	targetNode := r.def.Nodes[target]
	if targetNode.Final {
		r.status = StatusFinal
	} else {
		r.status = StatusReady
	}
	final := targetNode.Final
	ctx := r.ctx
	r.mu.Unlock()

	if r.cfg.metrics != nil {
		r.cfg.metrics.RecordTransition(r.def.Name, from, target)
	}
	if ctx != nil {
		runctx.Emit(ctx, event.Event{
			Type: event.TypeSMTransition,
			Data: event.TransitionData{From: from, To: target, Input: data, Output: data, Event: typ, Final: final},
		})
	}
	if final {
		r.finished.Resolve(data)
		r.finishEmit.Emit(data)
	}
	return true
}

// Step attempts one transition: it runs the current state's body (if
// any), drains the event queue, tries the always-transition, and
// settles on waitingForEvent if nothing fires.
func (r *Runner[S]) Step() error {
	r.mu.Lock()
	if r.machineStep == "" {
		r.machineStep = idgen.New()
	}
	firstEntry := r.status == StatusInitial
	if firstEntry {
		r.status = StatusRunning
	}
	r.stepIndex++
	stateName := r.current.State
	node := r.def.Nodes[stateName]
	input := r.current.Input
	prevState := r.current.PreviousState
	prevEvent := r.current.Event
	machineStep := r.machineStep
	ctx := r.ctx
	r.mu.Unlock()

	if firstEntry {
		runctx.Emit(ctx, event.Event{
			Type: event.TypeSMStart,
			Step: machineStep,
			Data: event.StepStartData{ParentStep: runctx.ParentStep(ctx), Input: r.rootInput},
		})
	}

	if node.SemaphoreKey != "" && r.cfg.semaphores != nil {
		r.setStatus(StatusPendingSemaphore)
		if err := r.cfg.semaphores.Acquire(ctx, node.SemaphoreKey); err != nil {
			r.mu.Lock()
			r.status = StatusCancelled
			r.mu.Unlock()
			r.cancelledEmit.Emit(struct{}{})
			return runnable.ErrCancelled
		}
		defer r.cfg.semaphores.Release(node.SemaphoreKey)
	}
	r.setStatus(StatusRunning)

	stepName := fmt.Sprintf("machine %s %s", r.def.Name, stateName)
	_, stepErr := runctx.RunStep(ctx, runctx.StepOptions{
		Name:  stepName,
		Tags:  node.Tags,
		Info:  node.Info,
		Input: input,
	}, func(stepCtx context.Context) (any, error) {
		return r.runState(stepCtx, node, stateName, input, prevState, prevEvent, machineStep)
	})
	return stepErr
}

func (r *Runner[S]) runState(
	ctx context.Context,
	node *NodeDescriptor[S],
	stateName string,
	input any,
	prevState, prevEvent string,
	machineStep string,
) (any, error) {
	spanCtx, span := r.cfg.tracer.StartSpan(ctx, stateName)
	defer span.End()

	runctx.Emit(spanCtx, event.Event{
		Type:       event.TypeSMNodeStart,
		SourceNode: stateName,
		Data: event.StepStartData{
			ParentStep: machineStep,
			Tags:       node.Tags,
			Info:       node.Info,
			Input:      input,
		},
	})

	isCancelled := func() bool { return spanCtx.Err() != nil }
	exitIfCancelled := func() error {
		if spanCtx.Err() != nil {
			return runnable.ErrCancelled
		}
		return nil
	}

	var output any
	if node.Run != nil {
		var err error
		output, err = node.Run(spanCtx, NodeInput[S]{
			Context:         r.ctxValue,
			Input:           input,
			RootInput:       r.rootInput,
			Event:           prevEvent,
			PreviousState:   prevState,
			Span:            span,
			IsCancelled:     isCancelled,
			ExitIfCancelled: exitIfCancelled,
		})
		if err != nil {
			return nil, r.handleStateError(ctx, stateName, node, err)
		}

		r.mu.Lock()
		r.current.Output = output
		r.mu.Unlock()

		runctx.Emit(spanCtx, event.Event{
			Type:       event.TypeSMNodeFinish,
			SourceNode: stateName,
			Data:       event.StepEndData{Output: output},
		})
	} else {
		output = input
	}

	r.drainAndTransition(output)
	return output, nil
}

// handleStateError implements step 10: if an error_state is configured
// (node-level, else machine-level) it becomes the current state with the
// error as its input; in either case the status becomes error, which
// stops Run from stepping further, and Finished is rejected. The
// original error is always returned to the enclosing step so step:error
// is logged.
func (r *Runner[S]) handleStateError(ctx context.Context, stateName string, node *NodeDescriptor[S], bodyErr error) error {
	if bodyErr == runnable.ErrCancelled {
		r.mu.Lock()
		r.status = StatusCancelled
		r.mu.Unlock()
		r.cancelledEmit.Emit(struct{}{})
		return bodyErr
	}

	errState := node.ErrorState
	if errState == "" {
		errState = r.def.ErrorState
	}

	r.mu.Lock()
	if errState != "" {
		r.current = CurrentState{State: errState, PreviousState: stateName, Input: bodyErr}
	}
	r.mu.Unlock()

	// No dedicated state_machine:error type exists in the closed event
	// taxonomy; state_machine:status carrying the error status, plus the
	// enclosing step's own step:error (same error value), cover it.
	r.setStatus(StatusError)
	runctx.Emit(ctx, event.Event{
		Type: event.TypeSMStatus,
		Data: event.ErrorData{Error: bodyErr},
	})
	r.finished.Reject(bodyErr)
	r.errorEmit.Emit(bodyErr)
	return bodyErr
}

// drainAndTransition implements steps 6-9: scan the queue in
// arrival order, attempt a transition for the current state, then
// try the always-transition if nothing in the queue fired one.
func (r *Runner[S]) drainAndTransition(output any) {
	r.mu.Lock()
	queue := r.eventQueue
	r.eventQueue = nil
	r.mu.Unlock()

	transitioned := false
	var remaining []queueItem
	for _, item := range queue {
		if transitioned {
			if item.QueueIfUnhandled {
				remaining = append(remaining, item)
			}
			continue
		}
		if r.attemptTransition(item.Type, item.Data) {
			transitioned = true
			continue
		}
		r.mu.Lock()
		node := r.def.Nodes[r.current.State]
		handles := node.Transition.handles(item.Type)
		r.mu.Unlock()
		if item.QueueIfUnhandled && !handles {
			remaining = append(remaining, item)
		}
	}
	r.mu.Lock()
	r.eventQueue = append(r.eventQueue, remaining...)
	r.mu.Unlock()

	if transitioned {
		return
	}

	if r.attemptTransition("", output) {
		return
	}

	r.mu.Lock()
	if r.status == StatusRunning {
		r.status = StatusWaitingForEvent
	}
	r.mu.Unlock()
}

// RunStateMachine is the awaiting public helper: it builds a Runner,
// runs it to its first quiescent point, and blocks until Finished
// resolves or ctx is done. A machine that lands in waitingForEvent
// without reaching Final or Error will block here until an external
// Send (from another goroutine holding the Runner) drives it onward.
func RunStateMachine[S any](ctx context.Context, def Definition[S], rootInput any, opts ...Option[S]) (any, error) {
	r, err := NewRunner(def, rootInput, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Run(ctx); err != nil {
		return nil, err
	}
	return r.Finished().Wait(ctx)
}
