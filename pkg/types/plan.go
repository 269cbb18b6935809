package types

// ExecutionPlan is the derived, read-only schedule for one run: the nodes
// reachable from the trigger in topological order, plus adjacency in both
// directions. Connections are stored normalized and in declaration order so
// input gathering is deterministic.
type ExecutionPlan struct {
	Trigger string `json:"trigger"`

	// Order lists reachable node ids so that every node appears after all
	// nodes it depends on. Ties are broken by insertion order in the
	// original node list, making replays deterministic.
	Order []string `json:"order"`

	Nodes map[string]*Node `json:"nodes"`

	// Upstream maps a node id to its incoming connections, Downstream to its
	// outgoing ones. Only connections between reachable nodes appear.
	Upstream   map[string][]Connection `json:"upstream"`
	Downstream map[string][]Connection `json:"downstream"`
}

// Contains reports whether the node id is part of the plan.
func (p *ExecutionPlan) Contains(id string) bool {
	_, ok := p.Nodes[id]
	return ok
}
