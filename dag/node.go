package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dimfeld/ramus/cache"
	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/metrics"
	"github.com/dimfeld/ramus/runctx"
	"github.com/dimfeld/ramus/runnable"
	"github.com/dimfeld/ramus/semaphore"
)

// NodeInput is the record passed to a node body: its parents' outputs
// keyed by parent name, the workflow's root input, the shared typed
// context value, a tracing span, and the two cancellation probes node
// bodies are expected to consult cooperatively.
type NodeInput[S any] struct {
	Context         S
	Input           map[string]any
	RootInput       any
	Span            trace.Span
	IsCancelled     func() bool
	ExitIfCancelled func() error
}

// NodeFunc is a DAG node's body.
type NodeFunc[S any] func(ctx context.Context, in NodeInput[S]) (any, error)

// NodeDescriptor declares one node of a Definition.
type NodeDescriptor[S any] struct {
	// Parents names the nodes this node depends on, in declaration
	// order. An empty Parents makes this a root node.
	Parents []string

	// SemaphoreKey, if set, rate-limits this node's execution through
	// the Runner's configured semaphore registry.
	SemaphoreKey string

	// TolerateParentErrors lets this node run with a nil input for any
	// parent that errored or was cancelled, instead of cascading the
	// cancellation itself.
	TolerateParentErrors bool

	Run NodeFunc[S]

	Tags []string
	Info map[string]any
}

type nodeStatus string

const (
	statusWaiting          nodeStatus = "waiting"
	statusReady            nodeStatus = "ready"
	statusPendingSemaphore nodeStatus = "pendingSemaphore"
	statusRunning          nodeStatus = "running"
	statusFinished         nodeStatus = "finished"
	statusError            nodeStatus = "error"
	statusCancelled        nodeStatus = "cancelled"
)

func isTerminal(s nodeStatus) bool {
	return s == statusFinished || s == statusError || s == statusCancelled
}

// nodeRunner owns one node's lifecycle within a Runner: the
// waiting/ready/pendingSemaphore/running/finished|error|cancelled state
// machine described for the DAG node runner, including one-shot
// parent-finish/parent-error subscriptions and cache/semaphore
// coordination around the body invocation.
type nodeRunner[S any] struct {
	name    string
	dagName string
	desc    *NodeDescriptor[S]

	mu      sync.Mutex
	status  nodeStatus
	waiting map[string]struct{}
	inputs  map[string]any
	result  any

	cancel context.CancelFunc
	ctx    context.Context // node-scoped, cancellable, derived from the workflow step's context

	finishEmit      *runnable.Emitter[any]
	errorEmit       *runnable.Emitter[error]
	parentErrorEmit *runnable.Emitter[error]
	cancelledEmit   *runnable.Emitter[struct{}]
	cancelledOnce   sync.Once

	cacheImpl  cache.ResultCache
	semaphores *semaphore.Registry
	met        *metrics.Metrics
	tracer     trace.Tracer
	autorun    func() bool

	ctxValue  S
	rootInput any
}

func newNodeRunner[S any](
	dagName, name string,
	desc *NodeDescriptor[S],
	workflowCtx context.Context,
	ctxValue S,
	rootInput any,
	c cache.ResultCache,
	sems *semaphore.Registry,
	met *metrics.Metrics,
	tracer trace.Tracer,
	autorun func() bool,
) *nodeRunner[S] {
	nodeCtx, cancel := context.WithCancel(workflowCtx)
	return &nodeRunner[S]{
		name:            name,
		dagName:         dagName,
		desc:            desc,
		status:          statusWaiting,
		waiting:         make(map[string]struct{}),
		inputs:          make(map[string]any),
		cancel:          cancel,
		ctx:             nodeCtx,
		finishEmit:      &runnable.Emitter[any]{},
		errorEmit:       &runnable.Emitter[error]{},
		parentErrorEmit: &runnable.Emitter[error]{},
		cancelledEmit:   &runnable.Emitter[struct{}]{},
		cacheImpl:       c,
		semaphores:      sems,
		met:             met,
		tracer:          tracer,
		autorun:         autorun,
		ctxValue:        ctxValue,
		rootInput:       rootInput,
	}
}

// init wires one-shot subscriptions to every declared parent, per the
// node runner's initialisation contract.
func (n *nodeRunner[S]) init(parents map[string]*nodeRunner[S]) {
	n.mu.Lock()
	for pname := range parents {
		n.waiting[pname] = struct{}{}
	}
	n.mu.Unlock()

	for pname, parent := range parents {
		pname, parent := pname, parent
		parent.finishEmit.Once(func(output any) {
			n.handleParentFinish(pname, output)
		})
		parent.errorEmit.Once(func(err error) {
			n.handleParentFailure(pname, err)
		})
		parent.parentErrorEmit.Once(func(err error) {
			n.handleParentFailure(pname, err)
		})
	}
}

func (n *nodeRunner[S]) handleParentFinish(parentName string, output any) {
	n.mu.Lock()
	delete(n.waiting, parentName)
	n.inputs[parentName] = output
	remaining := len(n.waiting)
	st := n.status
	n.mu.Unlock()

	if remaining == 0 && (st == statusWaiting || st == statusReady) {
		n.Run(true)
	}
}

func (n *nodeRunner[S]) handleParentFailure(parentName string, err error) {
	n.mu.Lock()
	if n.desc.TolerateParentErrors {
		delete(n.waiting, parentName)
		n.inputs[parentName] = nil
		remaining := len(n.waiting)
		st := n.status
		n.mu.Unlock()
		if remaining == 0 && (st == statusWaiting || st == statusReady) {
			n.Run(true)
		}
		return
	}

	if n.status != statusWaiting && n.status != statusReady {
		// Already terminal or running; parent failures after that point
		// can't un-run a node that already started.
		n.mu.Unlock()
		return
	}
	n.status = statusCancelled
	n.mu.Unlock()

	n.cancel()
	n.cancelledOnce.Do(func() { n.cancelledEmit.Emit(struct{}{}) })
	n.parentErrorEmit.Emit(err)
}

// Cancel force-cancels this node runner, used by the Runner to fan out
// a fail-fast cancellation or an explicit external Cancel(). Unlike a
// parent-error cascade (which only cancels nodes still waiting on a
// parent), Cancel reaches a running node too: it marks the node
// cancelled immediately so a body that ignores its cancellation probes
// and returns a normal result still has that result discarded once
// execute() observes the status change (spec's "body that ignores
// cancellation" rule).
func (n *nodeRunner[S]) Cancel() {
	n.mu.Lock()
	if isTerminal(n.status) {
		n.mu.Unlock()
		return
	}
	n.status = statusCancelled
	n.mu.Unlock()

	n.cancel() // cancel the node context so is_cancelled/exit_if_cancelled observe it
	n.cancelledOnce.Do(func() { n.cancelledEmit.Emit(struct{}{}) })
	// If running or pendingSemaphore, the cancellation is observed by
	// the body via ctx and handled when execute() returns (step 9).
}

// readyToResume reports whether this runner has no parents left to
// wait for and is still in a position to be dispatched (waiting or
// ready, never terminal or already running).
func (n *nodeRunner[S]) readyToResume() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiting) == 0 && (n.status == statusWaiting || n.status == statusReady)
}

func (n *nodeRunner[S]) snapshotInputsLocked() map[string]any {
	snap := make(map[string]any, len(n.inputs))
	for k, v := range n.inputs {
		snap[k] = v
	}
	return snap
}

// Run attempts to dispatch the node body. triggeredFromParent is true
// when called from a parent-finish/parent-error reaction; false for a
// direct/manual invocation (root dispatch, or external stepping in
// non-autorun mode). Returns whether the body was actually dispatched.
func (n *nodeRunner[S]) Run(triggeredFromParent bool) bool {
	n.mu.Lock()
	if triggeredFromParent {
		if len(n.waiting) != 0 || isTerminal(n.status) {
			n.mu.Unlock()
			return false
		}
		if !n.autorun() {
			n.status = statusReady
			n.mu.Unlock()
			return false
		}
	} else {
		if len(n.waiting) != 0 || n.status == statusRunning || isTerminal(n.status) {
			n.mu.Unlock()
			return false
		}
	}
	n.mu.Unlock()

	stepName := fmt.Sprintf("%s:%s", n.dagName, n.name)
	inputsSnapshot := func() map[string]any {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.snapshotInputsLocked()
	}()

	_, _ = runctx.RunStep(n.ctx, runctx.StepOptions{
		Name:  stepName,
		Tags:  n.desc.Tags,
		Info:  n.desc.Info,
		Input: inputsSnapshot,
	}, func(ctx context.Context) (any, error) {
		return n.execute(ctx, inputsSnapshot)
	})
	return true
}

func (n *nodeRunner[S]) execute(ctx context.Context, inputs map[string]any) (any, error) {
	if n.desc.SemaphoreKey != "" && n.semaphores != nil {
		n.mu.Lock()
		n.status = statusPendingSemaphore
		n.mu.Unlock()

		waitStart := time.Now()
		if err := n.semaphores.Acquire(ctx, n.desc.SemaphoreKey); err != nil {
			n.mu.Lock()
			n.status = statusCancelled
			n.mu.Unlock()
			n.cancelledOnce.Do(func() { n.cancelledEmit.Emit(struct{}{}) })
			return nil, runnable.ErrCancelled
		}
		if n.met != nil {
			n.met.RecordSemaphoreWait(n.desc.SemaphoreKey, time.Since(waitStart))
		}
		defer n.semaphores.Release(n.desc.SemaphoreKey)
	}

	n.mu.Lock()
	n.status = statusRunning
	n.mu.Unlock()

	tracer := n.tracer
	spanCtx, span := tracer.Start(ctx, n.name)
	defer span.End()

	// The synthetic output node runs as a step but emits no dag:node_*
	// events of its own; only user-declared nodes are reported.
	emit := runctx.Emit
	if n.name == outputNodeName {
		emit = func(context.Context, event.Event) {}
	}

	startTime := time.Now()
	emit(spanCtx, event.Event{
		Type:       event.TypeDAGNodeStart,
		SourceNode: n.name,
		StartTime:  startTime,
		Data: event.StepStartData{
			ParentStep: runctx.ParentStep(spanCtx),
			Tags:       n.desc.Tags,
			Info:       n.desc.Info,
			Input:      inputs,
		},
	})

	isCancelled := func() bool { return spanCtx.Err() != nil }
	exitIfCancelled := func() error {
		if spanCtx.Err() != nil {
			return runnable.ErrCancelled
		}
		return nil
	}

	output, bodyErr := n.runBody(spanCtx, inputs, span, isCancelled, exitIfCancelled)

	n.mu.Lock()
	cancelledDuringBody := n.status == statusCancelled
	n.mu.Unlock()

	if cancelledDuringBody {
		if n.met != nil {
			n.met.RecordNodeLatency(n.dagName, n.name, time.Since(startTime), "cancelled")
		}
		return nil, runnable.ErrCancelled
	}

	if bodyErr != nil {
		if bodyErr == runnable.ErrCancelled {
			n.mu.Lock()
			n.status = statusCancelled
			n.mu.Unlock()
			n.cancelledOnce.Do(func() { n.cancelledEmit.Emit(struct{}{}) })
			if n.met != nil {
				n.met.RecordNodeLatency(n.dagName, n.name, time.Since(startTime), "cancelled")
			}
			return nil, runnable.ErrCancelled
		}

		n.mu.Lock()
		n.status = statusError
		n.result = bodyErr
		n.mu.Unlock()

		emit(spanCtx, event.Event{
			Type:       event.TypeDAGNodeError,
			SourceNode: n.name,
			StartTime:  startTime,
			EndTime:    time.Now(),
			Data:       event.ErrorData{Error: bodyErr},
		})
		if n.met != nil {
			n.met.RecordNodeLatency(n.dagName, n.name, time.Since(startTime), "error")
		}
		n.errorEmit.Emit(bodyErr)
		return nil, bodyErr
	}

	n.mu.Lock()
	n.status = statusFinished
	n.result = output
	n.mu.Unlock()

	emit(spanCtx, event.Event{
		Type:       event.TypeDAGNodeFinish,
		SourceNode: n.name,
		StartTime:  startTime,
		EndTime:    time.Now(),
		Data:       event.StepEndData{Output: output},
	})
	if n.met != nil {
		n.met.RecordNodeLatency(n.dagName, n.name, time.Since(startTime), "success")
	}
	n.finishEmit.Emit(output)
	return output, nil
}

func (n *nodeRunner[S]) runBody(
	ctx context.Context,
	inputs map[string]any,
	span trace.Span,
	isCancelled func() bool,
	exitIfCancelled func() error,
) (result any, err error) {
	if n.cacheImpl != nil {
		key, keyErr := cache.FingerprintKey(n.name, inputs, n.rootInput)
		if keyErr == nil {
			if cached, ok, getErr := n.cacheImpl.Get(ctx, n.name, key); getErr == nil && ok {
				span.SetAttributes(attribute.Bool("ramus.cache_hit", true))
				runctx.RecordStepInfo(ctx, map[string]any{"cache_hit": true})
				return decodeCached(cached), nil
			}
		}

		output, bodyErr := n.desc.Run(ctx, NodeInput[S]{
			Context:         n.ctxValue,
			Input:           inputs,
			RootInput:       n.rootInput,
			Span:            span,
			IsCancelled:     isCancelled,
			ExitIfCancelled: exitIfCancelled,
		})
		if bodyErr == nil && keyErr == nil {
			if encoded, encErr := encodeForCache(output); encErr == nil {
				_ = n.cacheImpl.Set(ctx, n.name, key, encoded)
			}
		}
		return output, bodyErr
	}

	return n.desc.Run(ctx, NodeInput[S]{
		Context:         n.ctxValue,
		Input:           inputs,
		RootInput:       n.rootInput,
		Span:            span,
		IsCancelled:     isCancelled,
		ExitIfCancelled: exitIfCancelled,
	})
}
