package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeNodeStatus     EventType = "node_status"
	EventTypeRunStatus      EventType = "run_status"
	EventTypeBranchSelected EventType = "branch_selected"
	EventTypeBranchSkipped  EventType = "branch_skipped"
	EventTypeLog            EventType = "log"
	EventTypeStreamEnd      EventType = "stream_end"
)

// Event is a single entry in a run's event stream. IDs are monotonically
// increasing per run, so a subscriber can resume with GetEventsSince.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	NodeID string      `json:"node_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// NodeStatusEvent is the data payload for node status change events.
type NodeStatusEvent struct {
	Status   NodeStatus `json:"status"`
	Attempts int        `json:"attempts,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// RunStatusEvent is the data payload for run status change events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// BranchEvent is the data payload for branch selection/skip events.
type BranchEvent struct {
	SourceNode string `json:"source_node"`
	Handle     string `json:"handle"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
