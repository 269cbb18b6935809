package graph

import (
	"github.com/flowmill/flowmill/pkg/types"
)

// HandleResolver reports the declared input and output handle names for a
// node type. The handler registry implements this; a nil resolver skips
// handle checks (structural checks still apply).
type HandleResolver interface {
	Handles(nodeType string) (inputs, outputs []string, err error)
}

// Validate checks a graph for structural problems: duplicate node ids,
// connections referencing unknown nodes, and connections referencing handles
// the node's type does not declare. It returns a *ValidationError listing
// every issue found, or nil.
func Validate(g *types.WorkflowGraph, handles HandleResolver) error {
	var issues []Issue

	seen := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			issues = append(issues, Issue{Message: "node with empty id"})
			continue
		}
		if seen[n.ID] {
			issues = append(issues, Issue{NodeID: n.ID, Message: "duplicate node id"})
		}
		seen[n.ID] = true
		if n.Type == "" {
			issues = append(issues, Issue{NodeID: n.ID, Message: "node has no type"})
		}
	}

	declared := make(map[string][2]map[string]bool) // node id -> [inputs, outputs]
	if handles != nil {
		for i := range g.Nodes {
			n := &g.Nodes[i]
			ins, outs, err := handles.Handles(n.Type)
			if err != nil {
				issues = append(issues, Issue{NodeID: n.ID, Message: "unknown node type " + n.Type})
				continue
			}
			declared[n.ID] = [2]map[string]bool{toSet(ins), toSet(outs)}
		}
	}

	for _, raw := range g.Connections {
		c := raw.Normalized()
		srcOK := seen[c.SourceNode]
		dstOK := seen[c.TargetNode]
		if !srcOK {
			issues = append(issues, Issue{NodeID: c.SourceNode, Message: "connection source does not exist"})
		}
		if !dstOK {
			issues = append(issues, Issue{NodeID: c.TargetNode, Message: "connection target does not exist"})
		}
		if handles == nil || !srcOK || !dstOK {
			continue
		}
		// an empty declared set means the type routes on dynamic handles
		if d, ok := declared[c.SourceNode]; ok && len(d[1]) > 0 && !d[1][c.SourceOutput] {
			issues = append(issues, Issue{NodeID: c.SourceNode, Message: "undeclared output handle " + c.SourceOutput})
		}
		if d, ok := declared[c.TargetNode]; ok && len(d[0]) > 0 && !d[0][c.TargetInput] {
			issues = append(issues, Issue{NodeID: c.TargetNode, Message: "undeclared input handle " + c.TargetInput})
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Normalize returns a copy of the graph with handle names defaulted and
// disabled nodes removed. A disabled node with exactly one incoming
// connection is transparently bridged: each of its outgoing connections is
// rewired to its upstream source, so disabling a node does not break the
// chain. Disabled nodes that cannot be bridged are dropped along with their
// connections.
func Normalize(g *types.WorkflowGraph) *types.WorkflowGraph {
	out := &types.WorkflowGraph{ID: g.ID, Name: g.Name}

	disabled := make(map[string]bool)
	for i := range g.Nodes {
		n := g.Nodes[i]
		if n.Disabled {
			disabled[n.ID] = true
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}
	if len(disabled) == 0 {
		for _, c := range g.Connections {
			out.Connections = append(out.Connections, c.Normalized())
		}
		return out
	}

	conns := make([]types.Connection, 0, len(g.Connections))
	for _, c := range g.Connections {
		conns = append(conns, c.Normalized())
	}

	// Repeatedly splice disabled nodes out of the connection list. A pass per
	// disabled node is enough even for chains of disabled nodes.
	for range disabled {
		changed := false
		for id := range disabled {
			var incoming []types.Connection
			for _, c := range conns {
				if c.TargetNode == id {
					incoming = append(incoming, c)
				}
			}
			next := conns[:0:0]
			for _, c := range conns {
				switch {
				case c.TargetNode == id:
					// dropped; re-added via bridging below
				case c.SourceNode == id:
					if len(incoming) == 1 {
						up := incoming[0]
						next = append(next, types.Connection{
							SourceNode:   up.SourceNode,
							SourceOutput: up.SourceOutput,
							TargetNode:   c.TargetNode,
							TargetInput:  c.TargetInput,
						})
					}
					// not bridgeable: connection dropped
				default:
					next = append(next, c)
				}
			}
			if len(next) != len(conns) || !equalConnections(next, conns) {
				changed = true
			}
			conns = next
		}
		if !changed {
			break
		}
	}

	// Connections still touching a disabled (or now unknown) node are gone at
	// this point unless the disabled node never had connections; filter any
	// stragglers referencing disabled ids.
	for _, c := range conns {
		if disabled[c.SourceNode] || disabled[c.TargetNode] {
			continue
		}
		out.Connections = append(out.Connections, c)
	}
	return out
}

func equalConnections(a, b []types.Connection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}
