package engine

import (
	"context"
	"log/slog"

	"github.com/flowmill/flowmill/pkg/types"
)

// LogSink is the default ResultSink: it logs a per-node summary of every
// finished run. External persistence replaces it by wiring another sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) HandleResult(ctx context.Context, result *types.RunResult) {
	counts := make(map[types.NodeStatus]int, 4)
	for _, rec := range result.Records {
		counts[rec.Status]++
	}
	s.logger.Info("run result",
		slog.String("run_id", result.RunID),
		slog.String("status", string(result.Status)),
		slog.Int("nodes", len(result.Records)),
		slog.Int("succeeded", counts[types.NodeStatusSucceeded]),
		slog.Int("failed", counts[types.NodeStatusFailed]),
		slog.Int("skipped", counts[types.NodeStatusSkipped]),
		slog.Int("cancelled", counts[types.NodeStatusCancelled]),
		slog.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
}

var _ ResultSink = (*LogSink)(nil)
