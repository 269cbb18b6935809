package graph

import (
	"sort"

	"github.com/flowmill/flowmill/pkg/types"
)

// Resolve computes the execution plan for a normalized graph: the subgraph
// reachable forward from startNodeID in deterministic topological order. A
// cycle reachable from the start node yields a *CycleError and the run never
// starts.
func Resolve(g *types.WorkflowGraph, startNodeID string) (*types.ExecutionPlan, error) {
	start := g.NodeByID(startNodeID)
	if start == nil {
		return nil, &ValidationError{Issues: []Issue{{NodeID: startNodeID, Message: "trigger node does not exist"}}}
	}

	// insertion order drives tie-breaking
	index := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		index[g.Nodes[i].ID] = i
	}

	downstream := make(map[string][]types.Connection)
	upstream := make(map[string][]types.Connection)
	for _, raw := range g.Connections {
		c := raw.Normalized()
		downstream[c.SourceNode] = append(downstream[c.SourceNode], c)
		upstream[c.TargetNode] = append(upstream[c.TargetNode], c)
	}

	// forward reachability from the trigger
	reachable := map[string]bool{startNodeID: true}
	stack := []string{startNodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range downstream[id] {
			if !reachable[c.TargetNode] {
				reachable[c.TargetNode] = true
				stack = append(stack, c.TargetNode)
			}
		}
	}

	plan := &types.ExecutionPlan{
		Trigger:    startNodeID,
		Nodes:      make(map[string]*types.Node, len(reachable)),
		Upstream:   make(map[string][]types.Connection),
		Downstream: make(map[string][]types.Connection),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if reachable[n.ID] {
			plan.Nodes[n.ID] = n
		}
	}
	indegree := make(map[string]int, len(reachable))
	for id := range reachable {
		indegree[id] = 0
	}
	for id := range reachable {
		for _, c := range upstream[id] {
			if !reachable[c.SourceNode] {
				continue
			}
			plan.Upstream[id] = append(plan.Upstream[id], c)
			indegree[id]++
		}
		for _, c := range downstream[id] {
			if reachable[c.TargetNode] {
				plan.Downstream[id] = append(plan.Downstream[id], c)
			}
		}
	}

	// Kahn's algorithm with an insertion-order priority frontier.
	frontier := make([]string, 0, len(reachable))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortByIndex(frontier, index)

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		plan.Order = append(plan.Order, id)
		ready := false
		for _, c := range plan.Downstream[id] {
			indegree[c.TargetNode]--
			if indegree[c.TargetNode] == 0 {
				frontier = append(frontier, c.TargetNode)
				ready = true
			}
		}
		if ready {
			sortByIndex(frontier, index)
		}
	}

	if len(plan.Order) != len(reachable) {
		var leftover []string
		ordered := toSet(plan.Order)
		for id := range reachable {
			if !ordered[id] {
				leftover = append(leftover, id)
			}
		}
		sortByIndex(leftover, index)
		return nil, &CycleError{Nodes: leftover}
	}
	return plan, nil
}

// PlanFor validates, normalizes and resolves a graph in one step.
func PlanFor(g *types.WorkflowGraph, startNodeID string, handles HandleResolver) (*types.ExecutionPlan, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, &ValidationError{Issues: []Issue{{Message: "graph has no nodes"}}}
	}
	if err := Validate(g, handles); err != nil {
		return nil, err
	}
	start := g.NodeByID(startNodeID)
	if start == nil {
		return nil, &ValidationError{Issues: []Issue{{NodeID: startNodeID, Message: "trigger node does not exist"}}}
	}
	if start.Disabled {
		return nil, &ValidationError{Issues: []Issue{{NodeID: startNodeID, Message: "trigger node is disabled"}}}
	}
	return Resolve(Normalize(g), startNodeID)
}

func sortByIndex(ids []string, index map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool {
		return index[ids[i]] < index[ids[j]]
	})
}
