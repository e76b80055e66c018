package runctx

import (
	"context"

	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/internal/idgen"
	"github.com/dimfeld/ramus/runnable"
)

// StepOptions configures RunStep.
type StepOptions struct {
	// Name identifies the step for observability (e.g. "dag-name:node-name").
	Name string

	// SkipLogging suppresses the automatic step:start/step:end/step:error
	// emission. The step id is still allocated and still becomes
	// CurrentStep/ParentStep for nested work.
	SkipLogging bool

	// Tags and Info are attached to the step:start event's data.
	Tags []string
	Info map[string]any

	// Input is recorded on the step:start event for observability.
	Input any
}

// RunStep allocates a child step id, threads it through ctx as the new
// CurrentStep (with ParentStep set to the outer CurrentStep), and runs
// body inside it. Unless opts.SkipLogging, it emits step:start before
// body and exactly one of step:end / step:error afterward, carrying the
// same step id.
//
// If body returns runnable.ErrCancelled, RunStep treats it as
// non-error termination: it still emits step:end (so every start is
// matched by exactly one terminal event) but never step:error, and
// propagates the sentinel to the caller unchanged.
func RunStep[T any](ctx context.Context, opts StepOptions, body func(ctx context.Context) (T, error)) (T, error) {
	parent, ok := fromContext(ctx)
	if !ok {
		// No ambient RunContext yet: bootstrap one implicitly, the same
		// way StartRun would, rather than requiring every caller to
		// wrap every call in StartRun explicitly.
		var zero T
		var result T
		var err error
		_, startErr := StartRun(ctx, StartOptions{}, func(ctx context.Context) (struct{}, error) {
			result, err = RunStep(ctx, opts, body)
			return struct{}{}, nil
		})
		if startErr != nil {
			return zero, startErr
		}
		return result, err
	}

	stepID := idgen.New()
	child := &state{
		runID:       parent.runID,
		sourceName:  parent.sourceName,
		parentStep:  parent.currentStep,
		currentStep: stepID,
		sink:        parent.sink,
	}
	info := &stepInfo{}
	ctx = context.WithValue(ctx, ctxKey{}, child)
	ctx = context.WithValue(ctx, infoKey{}, info)

	startTime := now()
	if !opts.SkipLogging {
		child.sink.Emit(event.Event{
			Type:       event.TypeStepStart,
			RunID:      child.runID,
			Step:       stepID,
			Source:     child.sourceName,
			SourceNode: opts.Name,
			StartTime:  startTime,
			Data: event.StepStartData{
				ParentStep: child.parentStep,
				Tags:       opts.Tags,
				Info:       opts.Info,
				Input:      opts.Input,
			},
		})
	}

	result, err := body(ctx)
	endTime := now()

	info.mu.Lock()
	mergedInfo := info.data
	info.mu.Unlock()

	if !opts.SkipLogging {
		if err != nil && err != runnable.ErrCancelled {
			child.sink.Emit(event.Event{
				Type:       event.TypeStepError,
				RunID:      child.runID,
				Step:       stepID,
				Source:     child.sourceName,
				SourceNode: opts.Name,
				StartTime:  startTime,
				EndTime:    endTime,
				Data:       event.ErrorData{Error: err},
			})
		} else {
			child.sink.Emit(event.Event{
				Type:       event.TypeStepEnd,
				RunID:      child.runID,
				Step:       stepID,
				Source:     child.sourceName,
				SourceNode: opts.Name,
				StartTime:  startTime,
				EndTime:    endTime,
				Data:       event.StepEndData{Output: result, Info: mergedInfo},
			})
		}
	}

	return result, err
}

// AsStep wraps f so that, when called, it runs f inside RunStep using
// name and the call's argument as Input.
func AsStep[In, Out any](name string, f func(ctx context.Context, in In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		return RunStep(ctx, StepOptions{Name: name, Input: in}, func(ctx context.Context) (Out, error) {
			return f(ctx, in)
		})
	}
}
