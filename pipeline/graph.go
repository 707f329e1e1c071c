package pipeline

import (
	"strconv"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/record"
)

// Node is one node of a built graph. Nodes are never modified after Build.
type Node struct {
	id         string
	parent     string
	position   int
	name       string
	kind       record.NodeKind
	bestEffort bool
	activity   Activity
	kwargs     flowctx.Data
	global     flowctx.Data // overrides for a sub-pipeline scope
	children   []*Node      // parallel members, or the sequence of a sub-pipeline
}

// ID returns the positional id of the node, e.g. "2.1".
func (n *Node) ID() string { return n.id }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Kind returns the node kind.
func (n *Node) Kind() record.NodeKind { return n.kind }

// BestEffort reports whether a failure of this node is tolerated by its parallel set.
func (n *Node) BestEffort() bool { return n.bestEffort }

// Children returns the child nodes.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// writes returns the trans declarations of n and all its descendants.
func (n *Node) writes() []flowctx.Decl {
	var out []flowctx.Decl
	if w, ok := n.activity.(ContextWriter); ok {
		out = append(out, w.Writes()...)
	}
	for _, c := range n.children {
		out = append(out, c.writes()...)
	}
	return out
}

// Graph is an immutable pipeline graph.
type Graph struct {
	name  string
	nodes []*Node
}

// Name returns the pipeline name.
func (g *Graph) Name() string { return g.name }

// Nodes returns the top-level sequence.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Walk calls fn for every node, parents before children.
func (g *Graph) Walk(fn func(*Node)) {
	var walk func([]*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			walk(n.children)
		}
	}
	walk(g.nodes)
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	count := 0
	g.Walk(func(*Node) { count++ })
	return count
}

// place returns copies of nodes with positional ids under prefix.
func place(nodes []*Node, prefix string) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		cp := *n
		cp.id = strconv.Itoa(i)
		if prefix != "" {
			cp.id = prefix + "." + cp.id
		}
		cp.parent = prefix
		cp.position = i
		cp.children = place(n.children, cp.id)
		out[i] = &cp
	}
	return out
}
