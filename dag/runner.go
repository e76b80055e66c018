package dag

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/dimfeld/ramus/cache"
	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/metrics"
	"github.com/dimfeld/ramus/runctx"
	"github.com/dimfeld/ramus/runnable"
	"github.com/dimfeld/ramus/semaphore"
	"github.com/dimfeld/ramus/tracing"
)

// Definition is an immutable user-supplied DAG: a name, a factory for
// the shared typed context value every node body receives, the node
// mapping, and the tolerate-failures policy.
type Definition[S any] struct {
	Name             string
	ContextFactory   func() S
	Nodes            map[string]*NodeDescriptor[S]
	TolerateFailures bool

	Tags        []string
	Description string
	InputSchema any
}

// Option configures a Runner.
type Option[S any] func(*runnerConfig[S])

type runnerConfig[S any] struct {
	cache      cache.ResultCache
	semaphores *semaphore.Registry
	sink       event.Emitter
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
	autorun    func() bool
}

// WithCache configures the ResultCache node bodies are memoised
// against. Nil (the default) disables caching entirely.
func WithCache[S any](c cache.ResultCache) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.cache = c }
}

// WithSemaphores configures the registry node SemaphoreKeys resolve
// against. Nil (the default) makes every SemaphoreKey a no-op.
func WithSemaphores[S any](r *semaphore.Registry) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.semaphores = r }
}

// WithSink configures the event sink every step and node event is
// delivered to.
func WithSink[S any](sink event.Emitter) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.sink = sink }
}

// WithMetrics configures the Prometheus instrumentation recorded
// against as the DAG runs.
func WithMetrics[S any](m *metrics.Metrics) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.metrics = m }
}

// WithTracer configures the OpenTelemetry tracer each node span is
// created from, wrapped in the shared tracing.Tracer helper.
func WithTracer[S any](t trace.Tracer) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.tracer = tracing.NewTracer(t) }
}

// WithAutorun overrides the default "always dispatch ready nodes"
// policy. Returning false from autorun puts newly-ready nodes into the
// ready state without running them, for interactive stepping.
func WithAutorun[S any](autorun func() bool) Option[S] {
	return func(cfg *runnerConfig[S]) { cfg.autorun = autorun }
}

const outputNodeName = "__output"

// Runner orchestrates one execution of a Definition: it compiles the
// graph, builds a nodeRunner per node plus a synthetic output-collector
// node over the leaves, wires parent/child subscriptions, and fans out
// root dispatch. Node runners are constructed lazily, inside Run, so
// every node's context correctly derives from the workflow's own step
// context (ambient run id, parent step) rather than a placeholder.
type Runner[S any] struct {
	def       Definition[S]
	cfg       runnerConfig[S]
	rootInput any

	roots, leaves []string

	buildOnce sync.Once
	nodes     map[string]*nodeRunner[S]
	output    *nodeRunner[S]

	finished *runnable.Future[any]

	finishEmit    *runnable.Emitter[any]
	cancelledEmit *runnable.Emitter[struct{}]
	errorEmit     *runnable.Emitter[error]
}

// NewRunner compiles def eagerly (so a malformed DAG fails here, before
// any scheduling begins) and returns a Runner ready for Run.
func NewRunner[S any](def Definition[S], rootInput any, opts ...Option[S]) (*Runner[S], error) {
	cfg := runnerConfig[S]{
		autorun: func() bool { return true },
		tracer:  tracing.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	roots, leaves, err := Compile(def.Nodes)
	if err != nil {
		return nil, err
	}

	return &Runner[S]{
		def:           def,
		cfg:           cfg,
		rootInput:     rootInput,
		roots:         roots,
		leaves:        leaves,
		finished:      runnable.NewFuture[any](),
		finishEmit:    &runnable.Emitter[any]{},
		cancelledEmit: &runnable.Emitter[struct{}]{},
		errorEmit:     &runnable.Emitter[error]{},
	}, nil
}

// build constructs every node runner and wires parent/child
// subscriptions, using ctx (the workflow's own step context) as the
// parent of every node's cancellable context.
func (r *Runner[S]) build(ctx context.Context) {
	r.buildOnce.Do(func() {
		var ctxValue S
		if r.def.ContextFactory != nil {
			ctxValue = r.def.ContextFactory()
		}

		r.nodes = make(map[string]*nodeRunner[S], len(r.def.Nodes)+1)
		for name, desc := range r.def.Nodes {
			r.nodes[name] = newNodeRunner(r.def.Name, name, desc, ctx, ctxValue, r.rootInput, r.cfg.cache, r.cfg.semaphores, r.cfg.metrics, r.cfg.tracer.Raw(), r.cfg.autorun)
		}
		// Subscribed before any child or the output node, so a node error
		// reaches fail() before a tolerant subscriber can run on it.
		if !r.def.TolerateFailures {
			for _, nr := range r.nodes {
				nr := nr
				nr.errorEmit.Once(func(err error) {
					r.fail(ctx, err)
				})
			}
		}
		for name, desc := range r.def.Nodes {
			parents := make(map[string]*nodeRunner[S], len(desc.Parents))
			for _, p := range desc.Parents {
				parents[p] = r.nodes[p]
			}
			r.nodes[name].init(parents)
		}

		outputParents := make(map[string]*nodeRunner[S], len(r.leaves))
		for _, leaf := range r.leaves {
			outputParents[leaf] = r.nodes[leaf]
		}
		outputDesc := &NodeDescriptor[S]{
			TolerateParentErrors: true,
			Run: func(_ context.Context, in NodeInput[S]) (any, error) {
				if len(in.Input) == 1 {
					for _, v := range in.Input {
						return v, nil
					}
				}
				return in.Input, nil
			},
		}
		r.output = newNodeRunner(r.def.Name, outputNodeName, outputDesc, ctx, ctxValue, r.rootInput, nil, nil, r.cfg.metrics, r.cfg.tracer.Raw(), r.cfg.autorun)
		r.output.init(outputParents)

		r.output.finishEmit.Once(func(output any) {
			runctx.Emit(ctx, event.Event{
				Type: event.TypeDAGFinish,
				Data: event.StepEndData{Output: output},
			})
			r.finished.Resolve(output)
			r.finishEmit.Emit(output)
		})
		r.output.errorEmit.Once(func(err error) {
			r.fail(ctx, err)
		})
		r.output.parentErrorEmit.Once(func(err error) {
			r.fail(ctx, err)
		})
	})
}

// fail is the DAG-wide first-error reaction: emit dag:error, cancel
// every other node runner, reject finished, and notify Runner
// subscribers. Only the first failure does anything — later calls race
// against an already-resolved finished future and are no-ops.
func (r *Runner[S]) fail(ctx context.Context, err error) {
	select {
	case <-r.finished.Done():
		return
	default:
	}
	runctx.Emit(ctx, event.Event{
		Type: event.TypeDAGError,
		Data: event.ErrorData{Error: err},
	})
	r.cancelAll()
	r.finished.Reject(err)
	r.errorEmit.Emit(err)
}

func (r *Runner[S]) cancelAll() {
	for _, nr := range r.nodes {
		nr.Cancel()
	}
	if r.output != nil {
		r.output.Cancel()
	}
}

// Run builds the node graph, emits dag:start, and — if autorun() is
// enabled — fans out every ready node (typically the root set). It
// returns once scheduling has been kicked off; it does not wait for
// completion. Use Finished or RunDAG for that.
func (r *Runner[S]) Run(ctx context.Context) error {
	_, err := runctx.StartRun(ctx, runctx.StartOptions{SourceName: r.def.Name, Sink: r.cfg.sink}, func(ctx context.Context) (struct{}, error) {
		_, stepErr := runctx.RunStep(ctx, runctx.StepOptions{
			Name:  fmt.Sprintf("DAG %s", r.def.Name),
			Input: r.rootInput,
		}, func(ctx context.Context) (struct{}, error) {
			r.build(ctx)

			runctx.Emit(ctx, event.Event{
				Type: event.TypeDAGStart,
				Data: event.StepStartData{
					ParentStep: runctx.ParentStep(ctx),
					Input:      r.rootInput,
				},
			})

			if len(r.leaves) == 0 {
				return struct{}{}, nil
			}

			if r.cfg.autorun() {
				var ready []*nodeRunner[S]
				for _, nr := range r.nodes {
					if nr.readyToResume() {
						ready = append(ready, nr)
					}
				}
				if r.output.readyToResume() {
					ready = append(ready, r.output)
				}
				for _, nr := range ready {
					go nr.Run(false)
				}
			}
			return struct{}{}, nil
		})
		return struct{}{}, stepErr
	})
	return err
}

// Finished returns the future that resolves with the DAG's output (the
// synthetic output node's result) or rejects with the first error.
func (r *Runner[S]) Finished() *runnable.Future[any] {
	return r.finished
}

// Cancel cancels every node runner and the synthetic output node, and
// rejects Finished with runnable.ErrCancelled if it has not settled yet.
func (r *Runner[S]) Cancel() {
	r.cancelAll()
	r.finished.Reject(runnable.ErrCancelled)
	r.cancelledEmit.Emit(struct{}{})
}

// Node exposes a node runner's manual-dispatch entry point, for
// interactive stepping when the Runner was built with
// WithAutorun(func() bool { return false }). It returns false if name
// isn't known or hasn't been built yet (call Run first).
func (r *Runner[S]) Node(name string) (dispatch func() bool, ok bool) {
	if r.nodes == nil {
		return nil, false
	}
	nr, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	return func() bool { return nr.Run(false) }, true
}

// RunDAG is the awaiting public helper: it builds a Runner, starts it,
// and blocks until the synthetic output node resolves or ctx is done.
func RunDAG[S any](ctx context.Context, def Definition[S], rootInput any, opts ...Option[S]) (any, error) {
	r, err := NewRunner(def, rootInput, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Run(ctx); err != nil {
		return nil, err
	}
	return r.Finished().Wait(ctx)
}
