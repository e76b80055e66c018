package statemachine_test

import (
	"context"
	"testing"

	"github.com/dimfeld/ramus/event"
	"github.com/dimfeld/ramus/statemachine"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) Emit(e event.Event) { r.events = append(r.events, e) }
func (r *recorder) EmitBatch(_ context.Context, events []event.Event) error {
	r.events = append(r.events, events...)
	return nil
}
func (r *recorder) Flush(_ context.Context) error { return nil }

func (r *recorder) count(t event.Type) int {
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type counterCtx struct {
	Value int
}

// Scenario F — state machine round trip.
func roundTripDefinition(shared *counterCtx) statemachine.Definition[*counterCtx] {
	return statemachine.Definition[*counterCtx]{
		Name:       "roundtrip",
		Initial:    "start",
		ContextFactory: func() *counterCtx { return shared },
		Nodes: map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"start": {
				Run: func(_ context.Context, in statemachine.NodeInput[*counterCtx]) (any, error) {
					in.Context.Value++
					return in.RootInput, nil
				},
				Transition: statemachine.To("one"),
			},
			"one": {
				Run: func(_ context.Context, in statemachine.NodeInput[*counterCtx]) (any, error) {
					in.Context.Value++
					return in.Input.(int) * 2, nil
				},
				Transition: statemachine.OnEvent(map[string][]statemachine.TransitionCandidate{
					"": {
						{Target: "two", Condition: func(any) bool { return shared.Value < 6 }},
						{Target: "done"},
					},
				}),
			},
			"two": {
				Run: func(_ context.Context, in statemachine.NodeInput[*counterCtx]) (any, error) {
					in.Context.Value++
					return in.Input.(int) * 3, nil
				},
				Transition: statemachine.To("one"),
			},
			"done": {Final: true},
		},
	}
}

func TestRoundTripScenarioF(t *testing.T) {
	rec := &recorder{}
	shared := &counterCtx{Value: 1}
	def := roundTripDefinition(shared)

	r, err := statemachine.NewRunner(def, 1, statemachine.WithSink[*counterCtx](rec))
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	cur := r.CurrentState()
	if cur.Input != 72 {
		t.Fatalf("expected terminal input 72, got %v", cur.Input)
	}
	if r.Status() != statemachine.StatusFinal {
		t.Fatalf("expected status final, got %v", r.Status())
	}
	if got := rec.count(event.TypeSMNodeStart); got != 6 {
		t.Fatalf("expected 6 state_machine:node_start events, got %d", got)
	}
}

// Invariant #8: determinism of transition traces across repeated runs
// with no external events.
func TestDeterminismInvariant(t *testing.T) {
	trace := func() []string {
		shared := &counterCtx{Value: 1}
		def := roundTripDefinition(shared)
		rec := &recorder{}
		r, err := statemachine.NewRunner(def, 1, statemachine.WithSink[*counterCtx](rec))
		if err != nil {
			t.Fatalf("NewRunner returned error: %v", err)
		}
		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		var states []string
		for _, e := range rec.events {
			if e.Type == event.TypeSMTransition {
				if data, ok := e.Data.(event.TransitionData); ok {
					states = append(states, data.From+"->"+data.To)
				}
			}
		}
		return states
	}

	first := trace()
	second := trace()
	if len(first) != len(second) {
		t.Fatalf("trace lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("trace diverged at index %d: %q vs %q", i, first[i], second[i])
		}
	}
}

// Construction-time validation rejects an unknown initial state,
// unknown error_state, and unknown transition target.
func TestConstructionValidation(t *testing.T) {
	base := func() map[string]*statemachine.NodeDescriptor[*counterCtx] {
		return map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"a": {Transition: statemachine.To("b")},
			"b": {Final: true},
		}
	}

	if _, err := statemachine.NewRunner(statemachine.Definition[*counterCtx]{
		Name: "badinitial", Initial: "missing", Nodes: base(),
	}, nil); err == nil {
		t.Fatal("expected error for unknown initial state")
	}

	if _, err := statemachine.NewRunner(statemachine.Definition[*counterCtx]{
		Name: "badtarget", Initial: "a",
		Nodes: map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"a": {Transition: statemachine.To("nowhere")},
		},
	}, nil); err == nil {
		t.Fatal("expected error for unknown transition target")
	}

	if _, err := statemachine.NewRunner(statemachine.Definition[*counterCtx]{
		Name: "baderrorstate", Initial: "a", ErrorState: "missing", Nodes: base(),
	}, nil); err == nil {
		t.Fatal("expected error for unknown error_state")
	}
}

// available_events excludes the always/empty-string entry.
func TestAvailableEventsExcludesAlways(t *testing.T) {
	def := statemachine.Definition[*counterCtx]{
		Name:    "events",
		Initial: "a",
		Nodes: map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"a": {
				Transition: statemachine.OnEvent(map[string][]statemachine.TransitionCandidate{
					"":      {{Target: "b"}},
					"click": {{Target: "b"}},
				}),
			},
			"b": {Final: true},
		},
	}
	r, err := statemachine.NewRunner(def, nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	evts := r.AvailableEvents()
	if len(evts) != 1 || evts[0] != "click" {
		t.Fatalf("expected [click], got %v", evts)
	}
}

// send(queue=true) on an event with no handler in the current state is
// queued instead of attempted, so it does not transition the machine; a
// later event the state does handle still transitions it.
func TestSendQueuesUnhandledEvent(t *testing.T) {
	def := statemachine.Definition[*counterCtx]{
		Name:    "queueing",
		Initial: "waiting",
		Nodes: map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"waiting": {
				Transition: statemachine.OnEvent(map[string][]statemachine.TransitionCandidate{
					"go": {{Target: "done"}},
				}),
			},
			"done": {Final: true},
		},
	}
	r, err := statemachine.NewRunner(def, nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	r.Send("other", nil, true)
	if r.Status() == statemachine.StatusFinal {
		t.Fatal("unrelated event should not have transitioned the machine")
	}
	r.Send("go", 42, true)
	if r.Status() != statemachine.StatusFinal {
		t.Fatalf("expected final after handled event, got %v", r.Status())
	}
}

// An event sent from within a running state's body is queued (status is
// running at send time) and drained once the body returns, firing the
// transition declared for it in the current state.
func TestQueueDrainsDuringStep(t *testing.T) {
	var r *statemachine.Runner[*counterCtx]
	def := statemachine.Definition[*counterCtx]{
		Name:    "drain",
		Initial: "working",
		Nodes: map[string]*statemachine.NodeDescriptor[*counterCtx]{
			"working": {
				Run: func(context.Context, statemachine.NodeInput[*counterCtx]) (any, error) {
					r.Send("go", 7, true)
					return nil, nil
				},
				Transition: statemachine.OnEvent(map[string][]statemachine.TransitionCandidate{
					"go": {{Target: "done"}},
				}),
			},
			"done": {Final: true},
		},
	}
	var err error
	r, err = statemachine.NewRunner(def, nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if r.Status() != statemachine.StatusFinal {
		t.Fatalf("expected final after queued event drained, got %v", r.Status())
	}
	if r.CurrentState().Input != 7 {
		t.Fatalf("expected terminal input 7, got %v", r.CurrentState().Input)
	}
}
