package types

import "time"

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusQueued    NodeStatus = "queued"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// ItemList is an ordered sequence of data items flowing along a connection.
type ItemList []map[string]interface{}

// InputData maps an input handle to the items produced by all upstream
// connections feeding that handle, in connection declaration order.
type InputData map[string]ItemList

// OutputData maps an output handle to the items a node produced on it. A
// handle key that is present with an empty list means "taken but empty";
// an absent key means the branch was not taken.
type OutputData map[string]ItemList

// NodeErrorKind classifies a node failure.
type NodeErrorKind string

const (
	NodeErrorHandler   NodeErrorKind = "handler"
	NodeErrorTimeout   NodeErrorKind = "timeout"
	NodeErrorCancelled NodeErrorKind = "cancelled"
)

// NodeError is the failure recorded on a NodeExecutionRecord.
type NodeError struct {
	Kind    NodeErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *NodeError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NodeExecutionRecord tracks one node's lifecycle within a run. It is created
// when the node enters the plan and mutated only by the coordinator owning
// the run; it is retained after run completion for inspection.
type NodeExecutionRecord struct {
	NodeID     string     `json:"node_id"`
	Status     NodeStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Input      InputData  `json:"input,omitempty"`
	Output     OutputData `json:"output,omitempty"`
	Error      *NodeError `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a shallow-safe copy: the record struct and handle maps are
// copied, item maps are shared (treated as read-only once recorded).
func (r *NodeExecutionRecord) Clone() *NodeExecutionRecord {
	c := *r
	if r.Input != nil {
		c.Input = make(InputData, len(r.Input))
		for k, v := range r.Input {
			c.Input[k] = v
		}
	}
	if r.Output != nil {
		c.Output = make(OutputData, len(r.Output))
		for k, v := range r.Output {
			c.Output[k] = v
		}
	}
	return &c
}

// RunRequest starts a run: a frozen graph snapshot, the trigger node to start
// from, and the trigger's payload (delivered as the trigger node's main input).
// AutoStart defaults to true; when false the run is created pending and waits
// for an explicit start.
type RunRequest struct {
	Name           string         `json:"name,omitempty"`
	Graph          *WorkflowGraph `json:"graph"`
	TriggerNode    string         `json:"trigger_node"`
	TriggerPayload ItemList       `json:"trigger_payload,omitempty"`
	AutoStart      *bool          `json:"auto_start,omitempty"`
}

// Run is the stored representation of a single graph execution.
type Run struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Status     RunStatus  `json:"status"`
	Trigger    string     `json:"trigger,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunResult is the terminal outcome of a run, handed to the persistence
// collaborator once the coordinator finishes.
type RunResult struct {
	RunID      string                          `json:"run_id"`
	Status     RunStatus                       `json:"status"`
	Records    map[string]*NodeExecutionRecord `json:"records"`
	StartedAt  time.Time                       `json:"started_at"`
	FinishedAt time.Time                       `json:"finished_at"`
}
