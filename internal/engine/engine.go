// Package engine coordinates workflow runs: it resolves the execution plan,
// schedules nodes as their inputs become ready, propagates branch skips, and
// records state and events through the run store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmill/flowmill/internal/graph"
	"github.com/flowmill/flowmill/internal/metrics"
	"github.com/flowmill/flowmill/internal/registry"
	"github.com/flowmill/flowmill/internal/runner"
	"github.com/flowmill/flowmill/internal/runstore"
	"github.com/flowmill/flowmill/pkg/types"
)

// ResultSink receives the terminal result of each run. Implementations must
// not block for long; the coordinator calls them synchronously.
type ResultSink interface {
	HandleResult(ctx context.Context, result *types.RunResult)
}

// Config tunes the engine.
type Config struct {
	// MaxParallelism bounds concurrently executing nodes per run.
	MaxParallelism int
}

// Engine owns the lifecycle of workflow runs.
type Engine struct {
	store    runstore.RunStore
	registry registry.Registry
	runner   *runner.Runner
	sink     ResultSink
	logger   *slog.Logger
	tracer   trace.Tracer

	maxParallel int

	runs *activeRuns

	// prepared holds runs created with auto_start=false until LaunchRun.
	prepMu   sync.Mutex
	prepared map[string]*preparedRun
}

// preparedRun is a planned run waiting for an explicit start.
type preparedRun struct {
	name     string
	plan     *types.ExecutionPlan
	handlers map[string]registry.Handler
	payload  types.ItemList
}

// New creates an Engine. sink may be nil.
func New(store runstore.RunStore, reg registry.Registry, run *runner.Runner, sink ResultSink, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallelism
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Engine{
		store:       store,
		registry:    reg,
		runner:      run,
		sink:        sink,
		logger:      logger,
		tracer:      otel.Tracer("flowmill/engine"),
		maxParallel: maxParallel,
		runs:        newActiveRuns(),
		prepared:    make(map[string]*preparedRun),
	}
}

// StartRun validates the request, plans the graph, persists the run, and
// launches its coordinator. Planning and handler resolution failures are
// returned synchronously; nothing is persisted for a rejected request.
func (e *Engine) StartRun(ctx context.Context, req *types.RunRequest) (*types.Run, error) {
	if req.Graph == nil {
		return nil, fmt.Errorf("start run: missing graph")
	}
	if req.TriggerNode == "" {
		return nil, fmt.Errorf("start run: missing trigger node")
	}

	plan, err := graph.PlanFor(req.Graph, req.TriggerNode, e.registry)
	if err != nil {
		return nil, err
	}

	// Resolve every handler up front so a bad node type rejects the run
	// instead of failing it mid-flight.
	handlers := make(map[string]registry.Handler, len(plan.Nodes))
	for id, node := range plan.Nodes {
		h, err := e.registry.Resolve(node.Type)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		handlers[id] = h
	}

	run := &types.Run{
		ID:      uuid.NewString(),
		Name:    req.Name,
		Status:  types.RunStatusPending,
		Trigger: plan.Trigger,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if req.AutoStart != nil && !*req.AutoStart {
		e.prepMu.Lock()
		e.prepared[run.ID] = &preparedRun{
			name:     run.Name,
			plan:     plan,
			handlers: handlers,
			payload:  req.TriggerPayload,
		}
		e.prepMu.Unlock()

		e.logger.Info("run created, waiting for start",
			slog.String("run_id", run.ID),
			slog.String("trigger", plan.Trigger),
		)
		return run, nil
	}

	e.launch(run.ID, run.Name, plan, handlers, req.TriggerPayload)
	return run, nil
}

// LaunchRun starts a run that was created with auto_start=false.
func (e *Engine) LaunchRun(ctx context.Context, runID string) error {
	e.prepMu.Lock()
	prep, ok := e.prepared[runID]
	if ok {
		delete(e.prepared, runID)
	}
	e.prepMu.Unlock()

	if !ok {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == types.RunStatusPending {
			return fmt.Errorf("run %s is not startable on this instance", runID)
		}
		return fmt.Errorf("run %s already started with status %s", runID, run.Status)
	}

	e.launch(runID, prep.name, prep.plan, prep.handlers, prep.payload)
	return nil
}

func (e *Engine) launch(runID, name string, plan *types.ExecutionPlan, handlers map[string]registry.Handler, payload types.ItemList) {
	cancelCh := make(chan struct{})
	e.runs.add(runID, cancelCh)

	go e.execute(runID, name, plan, handlers, payload, cancelCh)

	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("trigger", plan.Trigger),
		slog.Int("nodes", len(plan.Nodes)),
	)
}

// CancelRun requests cooperative cancellation of an active run. Nodes not yet
// started are cancelled immediately; in-flight nodes are abandoned at their
// next cancellation point.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	if e.runs.cancel(runID) {
		return nil
	}

	// A run waiting for its explicit start never executed anything.
	e.prepMu.Lock()
	_, prepared := e.prepared[runID]
	if prepared {
		delete(e.prepared, runID)
	}
	e.prepMu.Unlock()
	if prepared {
		e.emit(ctx, runID, &types.EventInput{
			Type: types.EventTypeRunStatus,
			Data: types.RunStatusEvent{Status: types.RunStatusCancelled, Error: "run cancelled"},
		})
		e.emit(ctx, runID, &types.EventInput{Type: types.EventTypeStreamEnd})
		finished := time.Now().UTC().Format(time.RFC3339)
		e.setRunStatus(ctx, runID, types.RunStatusCancelled, "run cancelled", nil, &finished)
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already finished with status %s", runID, run.Status)
	}
	// Run exists but has no local coordinator (stale state after restart).
	return fmt.Errorf("run %s is not active on this instance", runID)
}

// ActiveRuns reports how many run coordinators are live on this instance.
func (e *Engine) ActiveRuns() int {
	return e.runs.count()
}

type completion struct {
	nodeID  string
	outcome runner.Outcome
}

// runState is the coordinator's private view of one run. It is touched only
// by the coordinator goroutine.
type runState struct {
	plan      *types.ExecutionPlan
	records   map[string]*types.NodeExecutionRecord
	preds     map[string][]string // deduped upstream node ids
	remaining int
	failed    bool
	failMsg   string
	cancelled bool
}

// execute is the per-run coordinator. It is the only writer of the run's
// records; workers report back over the completions channel.
func (e *Engine) execute(runID, name string, plan *types.ExecutionPlan, handlers map[string]registry.Handler, payload types.ItemList, cancelCh chan struct{}) {
	runCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	defer e.runs.remove(runID)

	runCtx, span := e.tracer.Start(runCtx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.name", name),
			attribute.Int("run.nodes", len(plan.Nodes)),
		))
	defer span.End()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	st := &runState{
		plan:      plan,
		records:   make(map[string]*types.NodeExecutionRecord, len(plan.Nodes)),
		preds:     make(map[string][]string, len(plan.Nodes)),
		remaining: len(plan.Nodes),
	}
	for id := range plan.Nodes {
		st.records[id] = &types.NodeExecutionRecord{NodeID: id, Status: types.NodeStatusWaiting}
		st.preds[id] = dedupeSources(plan.Upstream[id])
	}

	startedAt := time.Now().UTC()
	startedStr := startedAt.Format(time.RFC3339)
	e.setRunStatus(runCtx, runID, types.RunStatusRunning, "", &startedStr, nil)

	sem := make(chan struct{}, e.maxParallel)
	completions := make(chan completion)
	starts := make(chan string)

	// Trigger input is the request payload on the main handle.
	triggerInput := types.InputData{types.MainHandle: payload}
	if payload == nil {
		triggerInput[types.MainHandle] = types.ItemList{}
	}
	e.queueNode(runCtx, runID, st, plan.Trigger, triggerInput, handlers[plan.Trigger], sem, starts, completions)

	for st.remaining > 0 {
		select {
		case id := <-starts:
			rec := st.records[id]
			if rec.Status != types.NodeStatusQueued {
				continue // cancelled while waiting on the semaphore
			}
			now := time.Now().UTC()
			rec.Status = types.NodeStatusRunning
			rec.StartedAt = &now
			e.persistRecord(runCtx, runID, rec)
			e.emitNodeStatus(runCtx, runID, rec)

		case c := <-completions:
			e.completeNode(runCtx, runID, st, c)
			e.advance(runCtx, runID, st, []string{c.nodeID}, handlers, sem, starts, completions)

		case <-cancelCh:
			cancelCh = nil
			st.cancelled = true
			cancelFn()
			// Nodes that never started terminate here; queued and running
			// ones come back through completions with a cancelled outcome.
			for id, rec := range st.records {
				if rec.Status == types.NodeStatusWaiting {
					e.markTerminal(runCtx, runID, st, id, types.NodeStatusCancelled,
						&types.NodeError{Kind: types.NodeErrorCancelled, Message: "run cancelled"})
				}
			}
		}
	}

	finishedAt := time.Now().UTC()
	status := types.RunStatusSucceeded
	errMsg := ""
	switch {
	case st.cancelled:
		status = types.RunStatusCancelled
		errMsg = "run cancelled"
	case st.failed:
		status = types.RunStatusFailed
		errMsg = st.failMsg
	}

	// Terminal events go out before the status flip closes subscribers.
	e.emit(runCtx, runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: status, Error: errMsg},
	})
	e.emit(runCtx, runID, &types.EventInput{Type: types.EventTypeStreamEnd})

	finishedStr := finishedAt.Format(time.RFC3339)
	e.setRunStatus(runCtx, runID, status, errMsg, nil, &finishedStr)

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(finishedAt.Sub(startedAt).Seconds())
	if status == types.RunStatusFailed {
		span.SetStatus(codes.Error, errMsg)
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	e.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Duration("duration", finishedAt.Sub(startedAt)),
	)

	if e.sink != nil {
		result := &types.RunResult{
			RunID:      runID,
			Status:     status,
			Records:    st.records,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		e.sink.HandleResult(runCtx, result)
	}
}

// completeNode folds a worker's outcome into the run state.
func (e *Engine) completeNode(ctx context.Context, runID string, st *runState, c completion) {
	rec := st.records[c.nodeID]
	node := st.plan.Nodes[c.nodeID]
	now := time.Now().UTC()

	rec.Attempts = c.outcome.Attempts
	rec.FinishedAt = &now
	rec.Error = c.outcome.Err

	switch {
	case c.outcome.Status == types.NodeStatusSucceeded:
		rec.Status = types.NodeStatusSucceeded
		rec.Output = c.outcome.Output
	case c.outcome.Err != nil && c.outcome.Err.Kind == types.NodeErrorCancelled:
		rec.Status = types.NodeStatusCancelled
	default:
		rec.Status = types.NodeStatusFailed
		if !st.failed {
			st.failed = true
			st.failMsg = fmt.Sprintf("node %s: %s", c.nodeID, c.outcome.Err.Error())
		}
	}
	st.remaining--

	e.persistRecord(ctx, runID, rec)
	e.emitNodeStatus(ctx, runID, rec)

	metrics.NodesTotal.WithLabelValues(node.Type, string(rec.Status)).Inc()
	if rec.StartedAt != nil {
		metrics.NodeDuration.WithLabelValues(node.Type).Observe(now.Sub(*rec.StartedAt).Seconds())
	}
	if c.outcome.Attempts > 1 {
		metrics.NodeRetries.WithLabelValues(node.Type).Add(float64(c.outcome.Attempts - 1))
	}

	if rec.Status == types.NodeStatusSucceeded {
		e.emitBranchEvents(ctx, runID, st, c.nodeID, rec.Output)
	}
}

// advance walks downstream of newly terminal nodes, queueing targets whose
// inputs are complete and skipping targets with no live input path left.
// A target is skipped only when every one of its input paths is dead.
func (e *Engine) advance(ctx context.Context, runID string, st *runState, seed []string, handlers map[string]registry.Handler, sem chan struct{}, starts chan string, completions chan completion) {
	if st.cancelled {
		return
	}
	work := append([]string(nil), seed...)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]

		for _, conn := range st.plan.Downstream[id] {
			target := conn.TargetNode
			rec := st.records[target]
			if rec.Status != types.NodeStatusWaiting {
				continue
			}
			if !e.predsTerminal(st, target) {
				continue
			}
			if e.hasLiveInput(st, target) {
				input := runner.GatherInput(st.plan.Upstream[target], st.records)
				e.queueNode(ctx, runID, st, target, input, handlers[target], sem, starts, completions)
			} else {
				e.markTerminal(ctx, runID, st, target, types.NodeStatusSkipped, nil)
				work = append(work, target)
			}
		}
	}
}

func (e *Engine) predsTerminal(st *runState, id string) bool {
	for _, src := range st.preds[id] {
		if !st.records[src].Status.Terminal() {
			return false
		}
	}
	return true
}

// hasLiveInput reports whether at least one incoming connection carries data:
// its source succeeded and populated the connected output handle.
func (e *Engine) hasLiveInput(st *runState, id string) bool {
	for _, conn := range st.plan.Upstream[id] {
		src := st.records[conn.SourceNode]
		if src.Status != types.NodeStatusSucceeded {
			continue
		}
		if _, taken := src.Output[conn.SourceOutput]; taken {
			return true
		}
	}
	return false
}

// queueNode transitions a node to queued and hands it to a worker goroutine.
// The worker acquires the parallelism semaphore, announces the running
// transition, executes, and reports the outcome.
func (e *Engine) queueNode(ctx context.Context, runID string, st *runState, id string, input types.InputData, h registry.Handler, sem chan struct{}, starts chan string, completions chan completion) {
	rec := st.records[id]
	rec.Status = types.NodeStatusQueued
	rec.Input = input
	e.persistRecord(ctx, runID, rec)
	e.emitNodeStatus(ctx, runID, rec)

	node := st.plan.Nodes[id]

	go func() {
		select {
		case <-ctx.Done():
			completions <- completion{nodeID: id, outcome: runner.Outcome{
				Status: types.NodeStatusFailed,
				Err:    &types.NodeError{Kind: types.NodeErrorCancelled, Message: "run cancelled"},
			}}
			return
		case sem <- struct{}{}:
		}
		defer func() { <-sem }()

		select {
		case starts <- id:
		case <-ctx.Done():
		}

		nodeCtx, span := e.tracer.Start(ctx, "engine.node",
			trace.WithAttributes(
				attribute.String("run.id", runID),
				attribute.String("node.id", id),
				attribute.String("node.type", node.Type),
			))
		outcome := e.runner.Run(nodeCtx, runID, node, h, input)
		if outcome.Status == types.NodeStatusFailed {
			span.SetStatus(codes.Error, outcome.Err.Error())
		}
		span.End()

		completions <- completion{nodeID: id, outcome: outcome}
	}()
}

// markTerminal finalizes a node that never ran (skipped or cancelled).
func (e *Engine) markTerminal(ctx context.Context, runID string, st *runState, id string, status types.NodeStatus, nerr *types.NodeError) {
	rec := st.records[id]
	rec.Status = status
	rec.Error = nerr
	st.remaining--

	e.persistRecord(ctx, runID, rec)
	e.emitNodeStatus(ctx, runID, rec)
	metrics.NodesTotal.WithLabelValues(st.plan.Nodes[id].Type, string(status)).Inc()
}

// emitBranchEvents reports, for every output handle wired downstream, whether
// the node selected it.
func (e *Engine) emitBranchEvents(ctx context.Context, runID string, st *runState, id string, output types.OutputData) {
	seen := make(map[string]bool)
	for _, conn := range st.plan.Downstream[id] {
		if seen[conn.SourceOutput] {
			continue
		}
		seen[conn.SourceOutput] = true

		evType := types.EventTypeBranchSkipped
		if _, taken := output[conn.SourceOutput]; taken {
			evType = types.EventTypeBranchSelected
		}
		e.emit(ctx, runID, &types.EventInput{
			Type:   evType,
			NodeID: id,
			Data:   types.BranchEvent{SourceNode: id, Handle: conn.SourceOutput},
		})
	}
}

func (e *Engine) persistRecord(ctx context.Context, runID string, rec *types.NodeExecutionRecord) {
	if err := e.store.UpdateRecord(ctx, runID, rec); err != nil {
		e.logger.Error("persist node record",
			slog.String("run_id", runID),
			slog.String("node_id", rec.NodeID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) emitNodeStatus(ctx context.Context, runID string, rec *types.NodeExecutionRecord) {
	data := types.NodeStatusEvent{Status: rec.Status, Attempts: rec.Attempts}
	if rec.Error != nil {
		data.Error = rec.Error.Error()
	}
	e.emit(ctx, runID, &types.EventInput{
		Type:   types.EventTypeNodeStatus,
		NodeID: rec.NodeID,
		Data:   data,
	})
}

func (e *Engine) setRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *string) {
	if !status.Terminal() {
		e.emit(ctx, runID, &types.EventInput{
			Type: types.EventTypeRunStatus,
			Data: types.RunStatusEvent{Status: status, Error: errMsg},
		})
	}
	if err := e.store.UpdateRunStatus(ctx, runID, status, errMsg, startedAt, finishedAt); err != nil {
		e.logger.Error("update run status",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) emit(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := e.store.AppendEvent(ctx, runID, input); err != nil {
		e.logger.Error("append event",
			slog.String("run_id", runID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err),
		)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

func dedupeSources(conns []types.Connection) []string {
	seen := make(map[string]bool, len(conns))
	var out []string
	for _, c := range conns {
		if !seen[c.SourceNode] {
			seen[c.SourceNode] = true
			out = append(out, c.SourceNode)
		}
	}
	return out
}
