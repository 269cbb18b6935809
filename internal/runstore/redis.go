package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmill/flowmill/pkg/types"
)

// RedisStore implements RunStore backed by Redis. Run metadata lives in a
// hash, node records in a second hash keyed by node id, and events in a
// Redis Stream capped at EventMaxLen.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	mu     sync.Mutex
	closed bool

	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{} // runID -> set of channels
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	Password string
	DB       int

	// Prefix for all keys (default: "flowmill")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps the per-run event stream
	EventMaxLen int64

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "flowmill",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a Redis-backed RunStore and verifies connectivity.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flowmill"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
		subs:   make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyRecords(runID string) string {
	return fmt.Sprintf("%s:%s:records", s.prefix, runID)
}
func (s *RedisStore) keyEvents(runID string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, runID)
}
func (s *RedisStore) keySeq(runID string) string { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes the TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyRecords(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateRun(ctx context.Context, run *types.Run) error {
	now := time.Now().UTC()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(run.ID), map[string]interface{}{
		"runId":      run.ID,
		"name":       run.Name,
		"status":     string(run.Status),
		"trigger":    run.Trigger,
		"error":      "",
		"startedAt":  "",
		"finishedAt": "",
		"createdAt":  now.Format(time.RFC3339),
		"updatedAt":  now.Format(time.RFC3339),
	})
	pipe.Set(ctx, s.keySeq(run.ID), "0", 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, run.ID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := &types.Run{
		ID:      runID,
		Name:    meta["name"],
		Status:  types.RunStatus(meta["status"]),
		Trigger: meta["trigger"],
		Error:   meta["error"],
	}

	if meta["startedAt"] != "" {
		if t, perr := time.Parse(time.RFC3339, meta["startedAt"]); perr == nil {
			run.StartedAt = &t
		}
	}
	if meta["finishedAt"] != "" {
		if t, perr := time.Parse(time.RFC3339, meta["finishedAt"]); perr == nil {
			run.FinishedAt = &t
		}
	}
	if meta["createdAt"] != "" {
		if t, perr := time.Parse(time.RFC3339, meta["createdAt"]); perr == nil {
			run.CreatedAt = t
		}
	}
	if meta["updatedAt"] != "" {
		if t, perr := time.Parse(time.RFC3339, meta["updatedAt"]); perr == nil {
			run.UpdatedAt = t
		}
	}
	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) >= 3 {
				runIDs = append(runIDs, parts[1])
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return runIDs, nil
}

func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if startedAt != nil {
		fields["startedAt"] = *startedAt
	}
	if finishedAt != nil {
		fields["finishedAt"] = *finishedAt
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.setTTL(ctx, runID)

	if status.Terminal() {
		s.closeRunSubscribers(runID)
	}
	return nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	deleted, err := s.client.Del(ctx,
		s.keyMeta(runID),
		s.keyRecords(runID),
		s.keyEvents(runID),
		s.keySeq(runID),
	).Result()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if deleted == 0 {
		return ErrRunNotFound
	}
	s.closeRunSubscribers(runID)
	return nil
}

func (s *RedisStore) UpdateRecord(ctx context.Context, runID string, rec *types.NodeExecutionRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyRecords(runID), rec.NodeID, string(recJSON)).Err(); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, runID, nodeID string) (*types.NodeExecutionRecord, error) {
	recJSON, err := s.client.HGet(ctx, s.keyRecords(runID), nodeID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s in run %s", ErrRecordNotFound, nodeID, runID)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec types.NodeExecutionRecord
	if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) ListRecords(ctx context.Context, runID string) (map[string]*types.NodeExecutionRecord, error) {
	all, err := s.client.HGetAll(ctx, s.keyRecords(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make(map[string]*types.NodeExecutionRecord, len(all))
	for nodeID, recJSON := range all {
		var rec types.NodeExecutionRecord
		if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", nodeID, err)
		}
		out[nodeID] = &rec
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: now,
		Data:      dataBytes,
	}

	streamFields := map[string]interface{}{
		"seq":    eventID,
		"ts":     now.Format(time.RFC3339),
		"type":   string(input.Type),
		"data":   string(dataBytes),
		"nodeId": input.NodeID,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: streamFields,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	s.notifySubscribers(runID, event)

	return event, nil
}

func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		evt := eventFromStream(runID, entry.Values)
		if lastSeq > 0 {
			seq, _ := strconv.ParseInt(evt.ID, 10, 64)
			if seq <= lastSeq {
				continue
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan *types.Event]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		if set, ok := s.subs[runID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subs, runID)
			}
		}
		s.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

// notifySubscribers fans an event out to local subscribers. Events appended
// from other processes are picked up through GetEventsSince on reconnect.
func (s *RedisStore) notifySubscribers(runID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs[runID] {
		select {
		case ch <- event:
		default:
			// channel full, subscriber resyncs via GetEventsSince
		}
	}
}

// closeRunSubscribers closes every local subscriber channel for a run.
func (s *RedisStore) closeRunSubscribers(runID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for ch := range s.subs[runID] {
		close(ch)
	}
	delete(s.subs, runID)
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.subsMu.Lock()
	for runID, set := range s.subs {
		for ch := range set {
			close(ch)
		}
		delete(s.subs, runID)
	}
	s.subsMu.Unlock()

	return s.client.Close()
}

func eventFromStream(runID string, values map[string]interface{}) *types.Event {
	seqStr, _ := values["seq"].(string)
	ts, _ := values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339, ts)
	eventType, _ := values["type"].(string)
	data, _ := values["data"].(string)
	nodeID, _ := values["nodeId"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		NodeID:    nodeID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
