package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flowmill/flowmill/internal/graph"
	"github.com/flowmill/flowmill/internal/registry"
	"github.com/flowmill/flowmill/internal/runner"
	"github.com/flowmill/flowmill/internal/runstore"
	"github.com/flowmill/flowmill/pkg/types"
)

const testTimeout = 5 * time.Second

// fakeHandler implements registry.Handler with pluggable behavior.
type fakeHandler struct {
	exec    func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error)
	inputs  []string
	outputs []string
}

func (f *fakeHandler) Execute(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
	if f.exec != nil {
		return f.exec(ctx, in)
	}
	items := in.MainItems()
	if items == nil {
		items = types.ItemList{}
	}
	return types.OutputData{types.MainHandle: items}, nil
}

func (f *fakeHandler) InputHandles() []string {
	if f.inputs != nil {
		return f.inputs
	}
	return []string{types.MainHandle}
}

func (f *fakeHandler) OutputHandles() []string {
	if f.outputs != nil {
		return f.outputs
	}
	return []string{types.MainHandle}
}

// chanSink delivers run results to the test.
type chanSink struct {
	ch chan *types.RunResult
}

func (s *chanSink) HandleResult(ctx context.Context, result *types.RunResult) {
	s.ch <- result
}

type testHarness struct {
	engine *Engine
	store  *runstore.MemoryStore
	reg    *registry.MemoryRegistry
	sink   *chanSink
}

func newHarness(t *testing.T, maxParallel int) *testHarness {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	reg := registry.NewMemoryRegistry()
	sink := &chanSink{ch: make(chan *types.RunResult, 1)}
	eng := New(store, reg, runner.New(slog.Default()), sink, slog.Default(), Config{MaxParallelism: maxParallel})
	return &testHarness{engine: eng, store: store, reg: reg, sink: sink}
}

func (h *testHarness) register(t *testing.T, nodeType string, handler registry.Handler) {
	t.Helper()
	if err := h.reg.Register(nodeType, handler); err != nil {
		t.Fatalf("register %s: %v", nodeType, err)
	}
}

func (h *testHarness) await(t *testing.T) *types.RunResult {
	t.Helper()
	select {
	case result := <-h.sink.ch:
		return result
	case <-time.After(testTimeout):
		t.Fatal("run did not finish in time")
		return nil
	}
}

func conn(src, out, dst, in string) types.Connection {
	return types.Connection{SourceNode: src, SourceOutput: out, TargetNode: dst, TargetInput: in}
}

func node(id, nodeType string) types.Node {
	return types.Node{ID: id, Type: nodeType}
}

func TestLinearRunDeliversData(t *testing.T) {
	h := newHarness(t, 2)

	var received types.ItemList
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "double", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		out := types.ItemList{}
		for _, item := range in.MainItems() {
			x, _ := item["x"].(int)
			out = append(out, map[string]interface{}{"x": x * 2})
		}
		return types.OutputData{types.MainHandle: out}, nil
	}})
	h.register(t, "capture", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		received = in.MainItems()
		return types.OutputData{types.MainHandle: received}, nil
	}})

	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "double"), node("b", "capture")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
				conn("a", "", "b", ""),
			},
		},
		TriggerNode:    "t",
		TriggerPayload: types.ItemList{{"x": 21}},
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)

	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}
	if len(received) != 1 || received[0]["x"] != 42 {
		t.Fatalf("capture received %v, want [{x:42}]", received)
	}
	for _, id := range []string{"t", "a", "b"} {
		if result.Records[id].Status != types.NodeStatusSucceeded {
			t.Fatalf("node %s status = %s, want succeeded", id, result.Records[id].Status)
		}
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != types.RunStatusSucceeded {
		t.Fatalf("stored run status = %s", stored.Status)
	}
}

func TestBranchNotTakenSkipsOnlyThatPath(t *testing.T) {
	h := newHarness(t, 4)

	zCalls := 0
	h.register(t, "trigger", &fakeHandler{})
	// route emits only on "yes"
	h.register(t, "route", &fakeHandler{
		outputs: []string{"yes", "no"},
		exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
			return types.OutputData{"yes": types.ItemList{{"v": 1}}}, nil
		},
	})
	h.register(t, "work", &fakeHandler{})
	h.register(t, "join", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		zCalls++
		return types.OutputData{types.MainHandle: in.MainItems()}, nil
	}})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{
				node("t", "trigger"), node("r", "route"),
				node("x", "work"), node("y", "work"), node("z", "join"),
			},
			Connections: []types.Connection{
				conn("t", "", "r", ""),
				conn("r", "yes", "x", ""),
				conn("r", "no", "y", ""),
				conn("x", "", "z", ""),
				conn("y", "", "z", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)

	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (skips are not failures)", result.Status)
	}
	if result.Records["y"].Status != types.NodeStatusSkipped {
		t.Fatalf("y status = %s, want skipped", result.Records["y"].Status)
	}
	if result.Records["x"].Status != types.NodeStatusSucceeded {
		t.Fatalf("x status = %s, want succeeded", result.Records["x"].Status)
	}
	// z has one live input path (via x), so it must run exactly once
	if result.Records["z"].Status != types.NodeStatusSucceeded {
		t.Fatalf("z status = %s, want succeeded", result.Records["z"].Status)
	}
	if zCalls != 1 {
		t.Fatalf("z executed %d times, want 1", zCalls)
	}
	if len(result.Records["z"].Input[types.MainHandle]) != 1 {
		t.Fatalf("z input = %v, want one item from x", result.Records["z"].Input)
	}
}

func TestAllInputPathsDeadSkipsCascade(t *testing.T) {
	h := newHarness(t, 4)

	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "route", &fakeHandler{
		outputs: []string{"yes", "no"},
		exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
			return types.OutputData{"yes": types.ItemList{}}, nil
		},
	})
	h.register(t, "work", &fakeHandler{})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{
				node("t", "trigger"), node("r", "route"),
				node("a", "work"), node("b", "work"),
			},
			Connections: []types.Connection{
				conn("t", "", "r", ""),
				conn("r", "no", "a", ""),
				conn("a", "", "b", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)

	if result.Records["a"].Status != types.NodeStatusSkipped {
		t.Fatalf("a status = %s, want skipped", result.Records["a"].Status)
	}
	if result.Records["b"].Status != types.NodeStatusSkipped {
		t.Fatalf("b status = %s, want skipped (cascade)", result.Records["b"].Status)
	}
	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}
}

func TestNodeFailureSkipsDownstreamAndFailsRun(t *testing.T) {
	h := newHarness(t, 2)

	downstream := 0
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "explode", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		return nil, errors.New("kaput")
	}})
	h.register(t, "work", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		downstream++
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("f", "explode"), node("d", "work")},
			Connections: []types.Connection{
				conn("t", "", "f", ""),
				conn("f", "", "d", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)

	if result.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", result.Status)
	}
	if result.Records["f"].Status != types.NodeStatusFailed {
		t.Fatalf("f status = %s, want failed", result.Records["f"].Status)
	}
	if result.Records["d"].Status != types.NodeStatusSkipped {
		t.Fatalf("d status = %s, want skipped", result.Records["d"].Status)
	}
	if downstream != 0 {
		t.Fatalf("downstream executed %d times after failure, want 0", downstream)
	}
	if result.Records["t"].Status != types.NodeStatusSucceeded {
		t.Fatalf("t status = %s, completed work must keep its record", result.Records["t"].Status)
	}
}

func TestContinueOnFailFeedsErrorDownstream(t *testing.T) {
	h := newHarness(t, 2)

	var received types.ItemList
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "explode", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		return nil, errors.New("kaput")
	}})
	h.register(t, "capture", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		received = in.MainItems()
		return types.OutputData{types.MainHandle: received}, nil
	}})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{
				node("t", "trigger"),
				{ID: "f", Type: "explode", Settings: types.NodeSettings{ContinueOnFail: true}},
				node("d", "capture"),
			},
			Connections: []types.Connection{
				conn("t", "", "f", ""),
				conn("f", "", "d", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)

	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded under continueOnFail", result.Status)
	}
	if result.Records["f"].Status != types.NodeStatusSucceeded {
		t.Fatalf("f status = %s, want succeeded", result.Records["f"].Status)
	}
	if result.Records["f"].Error == nil {
		t.Fatal("f must retain its error on the record")
	}
	if len(received) != 1 || received[0]["error"] != "kaput" {
		t.Fatalf("downstream received %v, want the error item", received)
	}
}

func TestCancelRunStopsPendingWork(t *testing.T) {
	h := newHarness(t, 2)

	running := make(chan struct{})
	release := make(chan struct{})
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "slow", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		close(running)
		<-release // hold until the test finishes so cancellation must interrupt
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})
	h.register(t, "work", &fakeHandler{})

	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("s", "slow"), node("d", "work")},
			Connections: []types.Connection{
				conn("t", "", "s", ""),
				conn("s", "", "d", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer close(release)

	select {
	case <-running:
	case <-time.After(testTimeout):
		t.Fatal("slow node never started")
	}

	if err := h.engine.CancelRun(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	result := h.await(t)

	if result.Status != types.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", result.Status)
	}
	if result.Records["t"].Status != types.NodeStatusSucceeded {
		t.Fatalf("t status = %s, finished work stays succeeded", result.Records["t"].Status)
	}
	if result.Records["s"].Status != types.NodeStatusCancelled {
		t.Fatalf("s status = %s, want cancelled", result.Records["s"].Status)
	}
	if result.Records["d"].Status != types.NodeStatusCancelled {
		t.Fatalf("d status = %s, want cancelled", result.Records["d"].Status)
	}
}

func TestIndependentNodesRunConcurrently(t *testing.T) {
	h := newHarness(t, 2)

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "left", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		close(aStarted)
		select {
		case <-bStarted:
		case <-time.After(testTimeout):
			return nil, errors.New("peer never started; nodes did not overlap")
		}
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})
	h.register(t, "right", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		close(bStarted)
		select {
		case <-aStarted:
		case <-time.After(testTimeout):
			return nil, errors.New("peer never started; nodes did not overlap")
		}
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "left"), node("b", "right")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
				conn("t", "", "b", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result := h.await(t)
	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}
}

func TestDeferredRunWaitsForLaunch(t *testing.T) {
	h := newHarness(t, 2)
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "work", &fakeHandler{})

	auto := false
	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "work")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
			},
		},
		TriggerNode: "t",
		AutoStart:   &auto,
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != types.RunStatusPending {
		t.Fatalf("run status = %s, want pending", run.Status)
	}

	select {
	case result := <-h.sink.ch:
		t.Fatalf("deferred run executed without launch: %v", result.Status)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.engine.LaunchRun(context.Background(), run.ID); err != nil {
		t.Fatalf("launch run: %v", err)
	}
	result := h.await(t)
	if result.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}

	// a second launch must be rejected
	if err := h.engine.LaunchRun(context.Background(), run.ID); err == nil {
		t.Fatal("expected error launching an already-started run")
	}
}

func TestCancelDeferredRunFinalizesWithoutExecution(t *testing.T) {
	h := newHarness(t, 2)
	calls := 0
	h.register(t, "trigger", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		calls++
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})

	auto := false
	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph:       &types.WorkflowGraph{Nodes: []types.Node{node("t", "trigger")}},
		TriggerNode: "t",
		AutoStart:   &auto,
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := h.engine.CancelRun(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != types.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", stored.Status)
	}
	if calls != 0 {
		t.Fatalf("trigger executed %d times on a cancelled pending run", calls)
	}

	if err := h.engine.LaunchRun(context.Background(), run.ID); err == nil {
		t.Fatal("expected error launching a cancelled run")
	}
}

func TestCycleRejectedBeforeAnyExecution(t *testing.T) {
	h := newHarness(t, 2)

	calls := 0
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "work", &fakeHandler{exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
		calls++
		return types.OutputData{types.MainHandle: types.ItemList{}}, nil
	}})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "work"), node("b", "work")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
				conn("a", "", "b", ""),
				conn("b", "", "a", ""),
			},
		},
		TriggerNode: "t",
	})

	var cerr *graph.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("handlers executed %d times for a rejected run, want 0", calls)
	}

	runs, _ := h.store.ListRuns(context.Background())
	if len(runs) != 0 {
		t.Fatalf("rejected run must not be persisted, found %v", runs)
	}
}

func TestUnknownNodeTypeRejectsRun(t *testing.T) {
	h := newHarness(t, 2)
	h.register(t, "trigger", &fakeHandler{})

	_, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "nonexistent")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
			},
		},
		TriggerNode: "t",
	})
	if err == nil {
		t.Fatal("expected error for unknown node type")
	}
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	h := newHarness(t, 2)
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "work", &fakeHandler{})

	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{node("t", "trigger"), node("a", "work")},
			Connections: []types.Connection{
				conn("t", "", "a", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	h.await(t)

	events, err := h.store.GetEventsSince(context.Background(), run.ID, "")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected events for the run")
	}
	if events[0].Type != types.EventTypeRunStatus {
		t.Fatalf("first event = %s, want run_status", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != types.EventTypeStreamEnd {
		t.Fatalf("last event = %s, want stream_end", last.Type)
	}

	sawNodeStatus := false
	for _, evt := range events {
		if evt.Type == types.EventTypeNodeStatus {
			sawNodeStatus = true
		}
	}
	if !sawNodeStatus {
		t.Fatal("expected node_status events")
	}
}

func TestBranchEventsReportSelection(t *testing.T) {
	h := newHarness(t, 2)
	h.register(t, "trigger", &fakeHandler{})
	h.register(t, "route", &fakeHandler{
		outputs: []string{"yes", "no"},
		exec: func(ctx context.Context, in registry.ExecuteInput) (types.OutputData, error) {
			return types.OutputData{"yes": types.ItemList{}}, nil
		},
	})
	h.register(t, "work", &fakeHandler{})

	run, err := h.engine.StartRun(context.Background(), &types.RunRequest{
		Graph: &types.WorkflowGraph{
			Nodes: []types.Node{
				node("t", "trigger"), node("r", "route"),
				node("x", "work"), node("y", "work"),
			},
			Connections: []types.Connection{
				conn("t", "", "r", ""),
				conn("r", "yes", "x", ""),
				conn("r", "no", "y", ""),
			},
		},
		TriggerNode: "t",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	h.await(t)

	events, _ := h.store.GetEventsSince(context.Background(), run.ID, "")
	selected, skipped := false, false
	for _, evt := range events {
		switch evt.Type {
		case types.EventTypeBranchSelected:
			selected = true
		case types.EventTypeBranchSkipped:
			skipped = true
		}
	}
	if !selected || !skipped {
		t.Fatalf("expected both branch_selected and branch_skipped events (selected=%v skipped=%v)", selected, skipped)
	}
}
