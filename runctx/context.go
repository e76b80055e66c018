// Package runctx implements the ambient RunContext substrate: a scoped
// record carrying run id, source name, and the parent/current step ids
// across suspension points, plus the run_step/as_step wrappers that
// allocate step ids and emit the generic step:start/step:end/step:error
// events around arbitrary bodies.
//
// Go has no async-local storage, so ctx *is* the propagation mechanism:
// every API that needs ambient state takes a context.Context first
// parameter, and a goroutine launched from inside a step only observes
// that step as its parent if the caller threads the same ctx (or a
// context derived from it) into the goroutine — the same discipline Go
// already expects of context.Context generally.
package runctx

import (
	"context"
	"sync"
	"time"

	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/internal/idgen"
)

type ctxKey struct{}

// state is the immutable-per-scope snapshot stored in the context.
// RunStep derives a new state (with ParentStep/CurrentStep updated) and
// installs it under the same key, shadowing the parent's.
type state struct {
	runID       string
	sourceName  string
	parentStep  string
	currentStep string
	sink        event.Emitter
}

// stepInfo is the mutable bag a step's body can append to via
// RecordStepInfo; it's merged into the *:end event for that step.
type stepInfo struct {
	mu   sync.Mutex
	data map[string]any
}

type infoKey struct{}

func fromContext(ctx context.Context) (*state, bool) {
	s, ok := ctx.Value(ctxKey{}).(*state)
	return s, ok
}

func infoFromContext(ctx context.Context) (*stepInfo, bool) {
	i, ok := ctx.Value(infoKey{}).(*stepInfo)
	return i, ok
}

// StartOptions configures StartRun.
type StartOptions struct {
	// SourceName is the human name of the enclosing workflow (DAG or
	// state machine name).
	SourceName string

	// ForceNewContext allocates a fresh RunContext even if one is
	// already active on ctx. When false (the default) and a RunContext
	// already exists, body runs in the existing context unchanged.
	ForceNewContext bool

	// RunID, if non-empty, is used instead of generating a fresh
	// UUIDv7 — the hook future "revival" support will need, though
	// revival itself is out of scope here.
	RunID string

	// Sink receives every event emitted for this run. If nil, events
	// emitted under this run are discarded.
	Sink event.Emitter
}

// StartRun establishes (or inherits) an ambient RunContext and runs body
// inside it. If ctx already carries a RunContext and opts.ForceNewContext
// is false, body runs unchanged in the existing context — nested
// StartRun calls from within a workflow's own step bodies don't spawn a
// new run id by accident.
func StartRun[T any](ctx context.Context, opts StartOptions, body func(ctx context.Context) (T, error)) (T, error) {
	if existing, ok := fromContext(ctx); ok && !opts.ForceNewContext {
		_ = existing
		return body(ctx)
	}

	runID := opts.RunID
	if runID == "" {
		runID = idgen.New()
	}
	sink := opts.Sink
	if sink == nil {
		sink = event.NewNullEmitter()
	}

	s := &state{
		runID:      runID,
		sourceName: opts.SourceName,
		sink:       sink,
	}
	return body(context.WithValue(ctx, ctxKey{}, s))
}

// RunID returns the active run's id, or "" if no RunContext is active.
func RunID(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.runID
	}
	return ""
}

// SourceName returns the active run's workflow name, or "" if no
// RunContext is active.
func SourceName(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.sourceName
	}
	return ""
}

// CurrentStep returns the innermost active step id, or "" if none.
func CurrentStep(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.currentStep
	}
	return ""
}

// ParentStep returns the step id of the step enclosing the current one,
// or "" if there is none.
func ParentStep(ctx context.Context) string {
	if s, ok := fromContext(ctx); ok {
		return s.parentStep
	}
	return ""
}

// Sink returns the active run's event sink, or a NullEmitter if no
// RunContext is active.
func Sink(ctx context.Context) event.Emitter {
	if s, ok := fromContext(ctx); ok {
		return s.sink
	}
	return event.NewNullEmitter()
}

// Emit sends e through the active run's sink, back-filling RunID and
// Step from the ambient context when the caller left them zero. This is
// the hook node bodies use to emit their own user events alongside the
// framework's.
func Emit(ctx context.Context, e event.Event) {
	s, ok := fromContext(ctx)
	if !ok {
		return
	}
	if e.RunID == "" {
		e.RunID = s.runID
	}
	if e.Step == "" {
		e.Step = s.currentStep
	}
	if e.Source == "" {
		e.Source = s.sourceName
	}
	s.sink.Emit(e)
}

// RecordStepInfo attaches kv to the currently active step's *:end event,
// merging repeated calls. It is a no-op outside of a RunStep body.
func RecordStepInfo(ctx context.Context, kv map[string]any) {
	info, ok := infoFromContext(ctx)
	if !ok {
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.data == nil {
		info.data = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		info.data[k] = v
	}
}

// now exists so tests can stub wall-clock timestamps if ever needed;
// production code always calls time.Now.
var now = time.Now
