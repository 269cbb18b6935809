// Package types provides shared types for the workflow engine.
package types

import "time"

// MainHandle is the default input/output handle name. Branching nodes emit on
// other handle names ("true", "false", case labels) to select downstream paths.
const MainHandle = "main"

// WorkflowGraph is the persisted node graph a run executes. It is validated
// and frozen before execution; nothing mutates it during a run.
type WorkflowGraph struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (g *WorkflowGraph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Node is a unit of work in a workflow graph, backed by a handler resolved
// from the registry by Type. Parameters are opaque to the engine and passed
// through to the handler, as is the Credential reference.
type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Disabled   bool                   `json:"disabled,omitempty"`
	Credential string                 `json:"credential,omitempty"`
	Settings   NodeSettings           `json:"settings,omitempty"`
}

// NodeSettings holds per-node failure policy. Zero values mean "use default";
// pointer fields distinguish an explicit 0 from unset.
type NodeSettings struct {
	ContinueOnFail   bool `json:"continue_on_fail,omitempty"`
	RetryOnFail      bool `json:"retry_on_fail,omitempty"`
	MaxRetries       *int `json:"max_retries,omitempty"`     // default 3
	RetryDelayMs     int  `json:"retry_delay_ms,omitempty"`  // default 1000
	TimeoutMs        *int `json:"timeout_ms,omitempty"`      // default 30000, 0 = no deadline
	AlwaysOutputData bool `json:"always_output_data,omitempty"`
}

const (
	defaultMaxRetries   = 3
	defaultRetryDelayMs = 1000
	defaultTimeoutMs    = 30000
)

// MaxAttempts returns the total attempt budget: 1 without retryOnFail,
// otherwise 1 + maxRetries.
func (s NodeSettings) MaxAttempts() int {
	if !s.RetryOnFail {
		return 1
	}
	retries := defaultMaxRetries
	if s.MaxRetries != nil {
		retries = *s.MaxRetries
	}
	if retries < 0 {
		retries = 0
	}
	return 1 + retries
}

// RetryDelay returns the fixed delay between attempts.
func (s NodeSettings) RetryDelay() time.Duration {
	ms := s.RetryDelayMs
	if ms <= 0 {
		ms = defaultRetryDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Timeout returns the per-attempt deadline, or 0 for none.
func (s NodeSettings) Timeout() time.Duration {
	ms := defaultTimeoutMs
	if s.TimeoutMs != nil {
		ms = *s.TimeoutMs
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Connection is a directed data edge from a source node's output handle to a
// target node's input handle. Empty handle names default to MainHandle.
type Connection struct {
	SourceNode   string `json:"source_node"`
	SourceOutput string `json:"source_output,omitempty"`
	TargetNode   string `json:"target_node"`
	TargetInput  string `json:"target_input,omitempty"`
}

// Normalized returns the connection with empty handles replaced by MainHandle.
func (c Connection) Normalized() Connection {
	if c.SourceOutput == "" {
		c.SourceOutput = MainHandle
	}
	if c.TargetInput == "" {
		c.TargetInput = MainHandle
	}
	return c
}
