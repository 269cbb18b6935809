// Package runstore persists run state and streams run events.
package runstore

import (
	"context"
	"errors"

	"github.com/flowmill/flowmill/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRecordNotFound = errors.New("node record not found")
)

// RunStore is the persistence and event-streaming interface for runs.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *string) error

	// DeleteRun removes a run and everything recorded under it. Remaining
	// subscribers are closed.
	DeleteRun(ctx context.Context, runID string) error

	// Per-node execution records
	UpdateRecord(ctx context.Context, runID string, rec *types.NodeExecutionRecord) error
	GetRecord(ctx context.Context, runID, nodeID string) (*types.NodeExecutionRecord, error)
	ListRecords(ctx context.Context, runID string) (map[string]*types.NodeExecutionRecord, error)

	// Event streaming.
	// AppendEvent assigns the event a monotonically increasing ID within the
	// run and fans it out to subscribers.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns the whole retained history.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the run. The
	// cleanup function must be called when done. The channel is closed once
	// the run reaches a terminal status.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds tuning shared by RunStore implementations.
type Config struct {
	// Maximum number of events retained per run (ring buffer)
	EventMaxLen int64

	// TTL for run data in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60,
	}
}
