// Package graph validates workflow graphs and resolves execution plans.
package graph

import (
	"fmt"
	"strings"
)

// Issue is a single validation failure.
type Issue struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// ValidationError reports a malformed graph. It is fatal before run start.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid graph"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		if iss.NodeID != "" {
			parts = append(parts, fmt.Sprintf("node %s: %s", iss.NodeID, iss.Message))
		} else {
			parts = append(parts, iss.Message)
		}
	}
	return "invalid graph: " + strings.Join(parts, "; ")
}

// CycleError reports a cycle reachable from the trigger node. The run never
// starts and no node executes.
type CycleError struct {
	Nodes []string `json:"nodes"`
}

func (e *CycleError) Error() string {
	return "cycle detected involving nodes: " + strings.Join(e.Nodes, ", ")
}
