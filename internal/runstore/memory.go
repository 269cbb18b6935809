package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowmill/flowmill/pkg/types"
)

// memoryRun holds all state for one run.
type memoryRun struct {
	mu          sync.RWMutex
	run         types.Run
	records     map[string]*types.NodeExecutionRecord
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
	closed      bool
}

// MemoryStore is an in-memory RunStore. Suitable for development and tests;
// data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates an in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := time.Now().UTC()
	r := *run
	r.CreatedAt = now
	r.UpdatedAt = now

	s.runs[run.ID] = &memoryRun{
		run:         r,
		records:     make(map[string]*types.NodeExecutionRecord),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := run.run
	return &out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	run.run.Status = status
	run.run.UpdatedAt = time.Now().UTC()
	if errMsg != "" {
		run.run.Error = errMsg
	}
	if startedAt != nil {
		if t, perr := time.Parse(time.RFC3339, *startedAt); perr == nil {
			run.run.StartedAt = &t
		}
	}
	if finishedAt != nil {
		if t, perr := time.Parse(time.RFC3339, *finishedAt); perr == nil {
			run.run.FinishedAt = &t
		}
	}

	var toClose []chan *types.Event
	if status.Terminal() && !run.closed {
		run.closed = true
		for ch := range run.subscribers {
			toClose = append(toClose, ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
	}
	run.mu.Unlock()

	for _, ch := range toClose {
		close(ch)
	}
	return nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	var toClose []chan *types.Event
	if !run.closed {
		run.closed = true
		for ch := range run.subscribers {
			toClose = append(toClose, ch)
		}
		run.subscribers = nil
	}
	run.mu.Unlock()

	for _, ch := range toClose {
		close(ch)
	}
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, runID string, rec *types.NodeExecutionRecord) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.records[rec.NodeID] = rec.Clone()
	run.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, runID, nodeID string) (*types.NodeExecutionRecord, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	rec, ok := run.records[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in run %s", ErrRecordNotFound, nodeID, runID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, runID string) (map[string]*types.NodeExecutionRecord, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := make(map[string]*types.NodeExecutionRecord, len(run.records))
	for id, rec := range run.records {
		out[id] = rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        fmt.Sprintf("%d", run.nextSeq),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.run.UpdatedAt = event.Timestamp

	// copy subscribers so fan-out happens outside the lock
	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// subscriber too slow, it can catch up via GetEventsSince
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range run.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.closed {
		run.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		if !run.closed {
			run.closed = true
			for ch := range run.subscribers {
				close(ch)
			}
			run.subscribers = nil
		}
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
