package dag_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dimfeld/ramus/dag"
	"github.com/dimfeld/ramus/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) EmitBatch(_ context.Context, events []event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) Flush(_ context.Context) error { return nil }

func (r *recorder) byType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type ctxState struct {
	ctxValue int
}

func intNode(f func(in dag.NodeInput[ctxState]) int) dag.NodeFunc[ctxState] {
	return func(_ context.Context, in dag.NodeInput[ctxState]) (any, error) {
		return f(in), nil
	}
}

// Scenario A: diamond DAG, expected output 24, exactly 4 node_start
// events plus 1 dag:start.
func TestDiamondDAGScenarioA(t *testing.T) {
	rec := &recorder{}
	def := dag.Definition[ctxState]{
		Name:           "diamond",
		ContextFactory: func() ctxState { return ctxState{ctxValue: 5} },
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root": {
				Run: intNode(func(in dag.NodeInput[ctxState]) int { return in.Context.ctxValue + 1 }),
			},
			"intone": {
				Parents: []string{"root"},
				Run:     intNode(func(in dag.NodeInput[ctxState]) int { return in.Input["root"].(int) + 1 }),
			},
			"inttwo": {
				Parents: []string{"root"},
				Run:     intNode(func(in dag.NodeInput[ctxState]) int { return in.Input["root"].(int) + 1 }),
			},
			"collector": {
				Parents: []string{"intone", "inttwo"},
				Run: func(_ context.Context, in dag.NodeInput[ctxState]) (any, error) {
					return in.Input["intone"].(int) + in.Input["inttwo"].(int) + in.RootInput.(int), nil
				},
			},
		},
	}

	out, err := dag.RunDAG(context.Background(), def, 10, dag.WithSink[ctxState](rec))
	if err != nil {
		t.Fatalf("RunDAG returned error: %v", err)
	}
	if out != 24 {
		t.Fatalf("expected output 24, got %v", out)
	}

	if got := len(rec.byType(event.TypeDAGNodeStart)); got != 4 {
		t.Fatalf("expected 4 dag:node_start events, got %d", got)
	}
	if got := len(rec.byType(event.TypeDAGStart)); got != 1 {
		t.Fatalf("expected 1 dag:start event, got %d", got)
	}
}

// Scenario B: empty DAG rejects at construction with a message
// containing "DAG has no nodes".
func TestEmptyDAGScenarioB(t *testing.T) {
	def := dag.Definition[ctxState]{
		Name:  "empty",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{},
	}
	_, err := dag.NewRunner(def, nil)
	if err == nil {
		t.Fatal("expected error for empty DAG, got nil")
	}
	if !strings.Contains(err.Error(), "DAG has no nodes") {
		t.Fatalf("expected error to mention %q, got %q", "DAG has no nodes", err.Error())
	}
}

// Scenario C: two leaves with no explicit collector produce a map
// output keyed by node name.
func TestTwoLeavesScenarioC(t *testing.T) {
	def := dag.Definition[ctxState]{
		Name: "fanout",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root":      {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"outputOne": {Parents: []string{"root"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 7 })},
			"outputTwo": {Parents: []string{"root"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 8 })},
		},
	}
	out, err := dag.RunDAG(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("RunDAG returned error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map output, got %T", out)
	}
	if m["outputOne"] != 7 || m["outputTwo"] != 8 {
		t.Fatalf("unexpected map output: %#v", m)
	}
}

// Scenario D: tolerate_failures=true confines a node's error to its own
// subtree; the sibling's output still reaches the partial result.
func TestToleratedFailureScenarioD(t *testing.T) {
	def := dag.Definition[ctxState]{
		Name:             "partial",
		TolerateFailures: true,
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root": {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"outputOne": {
				Parents: []string{"root"},
				Run: func(context.Context, dag.NodeInput[ctxState]) (any, error) {
					return nil, errBoom
				},
			},
			"outputTwo": {Parents: []string{"root"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 8 })},
		},
	}
	out, err := dag.RunDAG(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("expected no top-level error, got %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map output, got %T", out)
	}
	if m["outputOne"] != nil {
		t.Fatalf("expected outputOne to be nil after tolerated failure, got %v", m["outputOne"])
	}
	if m["outputTwo"] != 8 {
		t.Fatalf("expected outputTwo 8, got %v", m["outputTwo"])
	}
}

// Scenario E: tolerate_failures=false rejects the whole run with the
// original error.
func TestFailFastScenarioE(t *testing.T) {
	def := dag.Definition[ctxState]{
		Name: "failfast",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root": {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"bad": {
				Parents: []string{"root"},
				Run: func(context.Context, dag.NodeInput[ctxState]) (any, error) {
					return nil, errBoom
				},
			},
			"slow": {
				Parents: []string{"root"},
				Run: func(ctx context.Context, in dag.NodeInput[ctxState]) (any, error) {
					select {
					case <-time.After(50 * time.Millisecond):
						return 1, nil
					case <-ctx.Done():
						return nil, in.ExitIfCancelled()
					}
				},
			},
		},
	}
	_, err := dag.RunDAG(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected the run to reject")
	}
	if err != errBoom {
		t.Fatalf("expected original error, got %v", err)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

// Invariant #1: a malformed graph (cycle) is rejected at construction.
func TestCycleDetectionInvariant(t *testing.T) {
	def := dag.Definition[ctxState]{
		Name: "cyclic",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"a": {Parents: []string{"b"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"b": {Parents: []string{"a"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
		},
	}
	_, err := dag.NewRunner(def, nil)
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

// Invariant #3: every *_start is matched by exactly one *_end/*_error,
// with start_time <= end_time.
func TestEveryStartHasOneTerminalEvent(t *testing.T) {
	rec := &recorder{}
	def := dag.Definition[ctxState]{
		Name: "matched",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root":   {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"middle": {Parents: []string{"root"}, Run: intNode(func(dag.NodeInput[ctxState]) int { return 2 })},
		},
	}
	_, err := dag.RunDAG(context.Background(), def, nil, dag.WithSink[ctxState](rec))
	if err != nil {
		t.Fatalf("RunDAG returned error: %v", err)
	}

	starts := rec.byType(event.TypeDAGNodeStart)
	finishes := rec.byType(event.TypeDAGNodeFinish)
	errors := rec.byType(event.TypeDAGNodeError)
	if len(starts) != len(finishes)+len(errors) {
		t.Fatalf("mismatched start/terminal counts: %d starts, %d finishes, %d errors", len(starts), len(finishes), len(errors))
	}
	for _, e := range finishes {
		if e.EndTime.Before(e.StartTime) {
			t.Fatalf("end time before start time for node %q", e.SourceNode)
		}
	}
}

// Invariant #4: dag:node_start.data.parent_step equals the workflow's
// dag:start step.
func TestNodeStartParentStepMatchesDAGStep(t *testing.T) {
	rec := &recorder{}
	def := dag.Definition[ctxState]{
		Name: "parentstep",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root": {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
		},
	}
	_, err := dag.RunDAG(context.Background(), def, nil, dag.WithSink[ctxState](rec))
	if err != nil {
		t.Fatalf("RunDAG returned error: %v", err)
	}

	starts := rec.byType(event.TypeDAGStart)
	nodeStarts := rec.byType(event.TypeDAGNodeStart)
	if len(starts) != 1 || len(nodeStarts) != 1 {
		t.Fatalf("expected exactly 1 dag:start and 1 dag:node_start, got %d/%d", len(starts), len(nodeStarts))
	}
	dagStep := starts[0].Step
	nodeData, ok := nodeStarts[0].Data.(event.StepStartData)
	if !ok {
		t.Fatalf("expected StepStartData, got %T", nodeStarts[0].Data)
	}
	if nodeData.ParentStep != dagStep {
		t.Fatalf("node start parent_step %q does not match dag:start step %q", nodeData.ParentStep, dagStep)
	}
}

// Invariant #5: under tolerate_failures=false, one failure cancels every
// other non-terminal node. The synthetic output collector is still
// pending when "bad" fails, so it is cancelled and no dag:finish is
// emitted; the run rejects with the original error.
func TestFailFastCancelsSiblings(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	def := dag.Definition[ctxState]{
		Name: "cascadecancel",
		Nodes: map[string]*dag.NodeDescriptor[ctxState]{
			"root": {Run: intNode(func(dag.NodeInput[ctxState]) int { return 1 })},
			"bad": {
				Parents: []string{"root"},
				Run: func(context.Context, dag.NodeInput[ctxState]) (any, error) {
					return nil, errBoom
				},
			},
			"blocked": {
				Parents: []string{"root"},
				Run: func(ctx context.Context, in dag.NodeInput[ctxState]) (any, error) {
					select {
					case <-release:
						return 1, nil
					case <-ctx.Done():
						return nil, in.ExitIfCancelled()
					}
				},
			},
		},
	}
	close(release)
	_, err := dag.RunDAG(context.Background(), def, nil, dag.WithSink[ctxState](rec))
	if err == nil {
		t.Fatal("expected the run to reject")
	}
	if err != errBoom {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := len(rec.byType(event.TypeDAGFinish)); got != 0 {
		t.Fatalf("expected the output collector to be cancelled (no dag:finish), got %d dag:finish events", got)
	}
}
