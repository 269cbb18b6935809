// Package runner executes a single node: input gathering, timeout, retry and
// continue-on-fail policy.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmill/flowmill/internal/registry"
	"github.com/flowmill/flowmill/pkg/types"
)

// Outcome is the resolved result of running one node, after retry and
// continue-on-fail policy have been applied.
type Outcome struct {
	Status   types.NodeStatus // NodeStatusSucceeded or NodeStatusFailed
	Output   types.OutputData
	Err      *types.NodeError // set on failure, and kept on continue-on-fail success
	Attempts int
}

// Runner invokes node handlers. It is stateless and safe for concurrent use.
type Runner struct {
	logger *slog.Logger

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, sleep: sleepCtx}
}

// GatherInput assembles a node's input from upstream records: for each
// incoming connection, in declaration order, the items the source produced on
// the connection's output handle are appended to the target input handle.
// Upstream nodes that were skipped, failed, or did not take the branch
// contribute nothing.
func GatherInput(incoming []types.Connection, records map[string]*types.NodeExecutionRecord) types.InputData {
	input := types.InputData{}
	for _, c := range incoming {
		rec, ok := records[c.SourceNode]
		if !ok || rec.Status != types.NodeStatusSucceeded {
			continue
		}
		items, taken := rec.Output[c.SourceOutput]
		if !taken {
			continue
		}
		if _, ok := input[c.TargetInput]; !ok {
			input[c.TargetInput] = types.ItemList{}
		}
		input[c.TargetInput] = append(input[c.TargetInput], items...)
	}
	return input
}

// Run executes the node with its policy: up to settings.MaxAttempts attempts
// separated by a fixed settings.RetryDelay, each attempt bounded by
// settings.Timeout. Exhausted failures become error-as-data output when
// continueOnFail is set.
func (r *Runner) Run(ctx context.Context, runID string, node *types.Node, h registry.Handler, input types.InputData) Outcome {
	in := registry.ExecuteInput{
		RunID:      runID,
		NodeID:     node.ID,
		Parameters: node.Parameters,
		Credential: node.Credential,
		Input:      input,
	}

	maxAttempts := node.Settings.MaxAttempts()
	var lastErr *types.NodeError
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		out, nerr := r.invoke(ctx, node, h, in)
		if nerr == nil {
			if node.Settings.AlwaysOutputData && len(out) == 0 {
				out = types.OutputData{types.MainHandle: types.ItemList{}}
			}
			return Outcome{Status: types.NodeStatusSucceeded, Output: out, Attempts: attempt}
		}
		lastErr = nerr

		if nerr.Kind == types.NodeErrorCancelled {
			break
		}
		if attempt < maxAttempts {
			r.logger.Warn("node attempt failed, retrying",
				slog.String("run_id", runID),
				slog.String("node_id", node.ID),
				slog.Int("attempt", attempt),
				slog.String("error", nerr.Message),
			)
			if err := r.sleep(ctx, node.Settings.RetryDelay()); err != nil {
				lastErr = &types.NodeError{Kind: types.NodeErrorCancelled, Message: err.Error()}
				break
			}
		}
	}

	if node.Settings.ContinueOnFail && lastErr.Kind != types.NodeErrorCancelled {
		// surface the error as data so downstream nodes can process it
		out := types.OutputData{types.MainHandle: types.ItemList{
			map[string]interface{}{"error": lastErr.Message, "kind": string(lastErr.Kind)},
		}}
		return Outcome{Status: types.NodeStatusSucceeded, Output: out, Err: lastErr, Attempts: attempts}
	}
	return Outcome{Status: types.NodeStatusFailed, Err: lastErr, Attempts: attempts}
}

// invoke runs one attempt. The handler executes in its own goroutine so an
// overrunning or hung handler can be abandoned at the deadline without
// stalling the run; the goroutine is left to drain on its own.
func (r *Runner) invoke(ctx context.Context, node *types.Node, h registry.Handler, in registry.ExecuteInput) (types.OutputData, *types.NodeError) {
	timeout := node.Settings.Timeout()
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out types.OutputData
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		out, err := h.Execute(attemptCtx, in)
		done <- result{out: out, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		if timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &types.NodeError{
				Kind:    types.NodeErrorTimeout,
				Message: fmt.Sprintf("node exceeded deadline of %s", timeout),
			}
		}
		return nil, &types.NodeError{Kind: types.NodeErrorCancelled, Message: "run cancelled"}
	case res := <-done:
		if res.err != nil {
			return nil, &types.NodeError{Kind: types.NodeErrorHandler, Message: res.err.Error()}
		}
		return res.out, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
