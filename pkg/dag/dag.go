package dag

import (
	"github.com/cuemby/flowjob/pkg/types"
)

// Node is a vertex that declares its outgoing edges by id
type Node interface {
	NodeID() string
	NodeChildren() []string
}

type colour uint8

const (
	unvisited colour = iota
	inProgress
	done
)

// DAG is an immutable, validated directed acyclic graph. Parent edges are
// derived from the declared children and kept in the graph's own index.
type DAG[T Node] struct {
	nodes    map[string]T
	order    []string
	children map[string][]string
	parents  map[string][]string
	roots    []string
	leaves   []string
}

// New indexes nodes and validates the graph. It returns a
// *types.StructureError when the node list is empty, an id repeats, a child
// is undeclared, there is no root or leaf, or a cycle exists.
func New[T Node](nodes []T) (*DAG[T], error) {
	if len(nodes) == 0 {
		return nil, &types.StructureError{Reason: "no nodes"}
	}

	d := &DAG[T]{
		nodes:    make(map[string]T, len(nodes)),
		order:    make([]string, 0, len(nodes)),
		children: make(map[string][]string, len(nodes)),
		parents:  make(map[string][]string, len(nodes)),
	}

	for _, n := range nodes {
		id := n.NodeID()
		if _, ok := d.nodes[id]; ok {
			return nil, &types.StructureError{Reason: "duplicate node id", NodeID: id}
		}
		d.nodes[id] = n
		d.order = append(d.order, id)
	}

	for _, id := range d.order {
		seen := make(map[string]bool)
		for _, child := range d.nodes[id].NodeChildren() {
			if _, ok := d.nodes[child]; !ok {
				return nil, &types.StructureError{Reason: "child " + child + " is not declared", NodeID: id}
			}
			if seen[child] {
				continue
			}
			seen[child] = true
			d.children[id] = append(d.children[id], child)
			d.parents[child] = append(d.parents[child], id)
		}
	}

	for _, id := range d.order {
		if len(d.parents[id]) == 0 {
			d.roots = append(d.roots, id)
		}
		if len(d.children[id]) == 0 {
			d.leaves = append(d.leaves, id)
		}
	}
	if len(d.roots) == 0 {
		return nil, &types.StructureError{Reason: "no root node"}
	}
	if len(d.leaves) == 0 {
		return nil, &types.StructureError{Reason: "no leaf node"}
	}

	state := make(map[string]colour, len(d.order))
	for _, root := range d.roots {
		if id, ok := visit(root, d.children, state); !ok {
			return nil, &types.StructureError{Reason: "cycle detected", NodeID: id}
		}
	}
	// A node that no root reaches sits on, or below, a cycle.
	for _, id := range d.order {
		if state[id] == unvisited {
			return nil, &types.StructureError{Reason: "cycle detected", NodeID: id}
		}
	}

	return d, nil
}

// HasCycle reports whether any path v -> ... -> v exists among nodes.
// Edges to undeclared ids are ignored.
func HasCycle[T Node](nodes []T) bool {
	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		edges[n.NodeID()] = append(edges[n.NodeID()], n.NodeChildren()...)
	}
	state := make(map[string]colour, len(edges))
	for _, n := range nodes {
		if state[n.NodeID()] != unvisited {
			continue
		}
		if _, ok := visit(n.NodeID(), edges, state); !ok {
			return true
		}
	}
	return false
}

type frame struct {
	id   string
	next int
}

// visit runs an iterative three-colour DFS from start. It returns false and
// the id where a back edge was found when a cycle exists.
func visit(start string, edges map[string][]string, state map[string]colour) (string, bool) {
	if state[start] == done {
		return "", true
	}
	state[start] = inProgress
	stack := []frame{{id: start}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		children := edges[top.id]
		if top.next == len(children) {
			state[top.id] = done
			stack = stack[:len(stack)-1]
			continue
		}

		child := children[top.next]
		top.next++
		switch state[child] {
		case inProgress:
			return child, false
		case unvisited:
			state[child] = inProgress
			stack = append(stack, frame{id: child})
		}
	}
	return "", true
}

// Node returns the node with the given id
func (d *DAG[T]) Node(id string) (T, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Len returns the number of nodes
func (d *DAG[T]) Len() int {
	return len(d.order)
}

// Nodes returns every node in declaration order
func (d *DAG[T]) Nodes() []T {
	return d.lookup(d.order)
}

// Roots returns the nodes without parents
func (d *DAG[T]) Roots() []T {
	return d.lookup(d.roots)
}

// Leaves returns the nodes without children
func (d *DAG[T]) Leaves() []T {
	return d.lookup(d.leaves)
}

// Children returns the direct successors of id
func (d *DAG[T]) Children(id string) []T {
	return d.lookup(d.children[id])
}

// Parents returns the direct predecessors of id
func (d *DAG[T]) Parents(id string) []T {
	return d.lookup(d.parents[id])
}

// Descendants returns every node reachable from id, excluding id itself, in
// breadth-first order.
func (d *DAG[T]) Descendants(id string) []T {
	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), d.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, d.children[next]...)
	}
	return d.lookup(out)
}

// TopologicalOrder returns the nodes so that every parent precedes its
// children. Ties keep declaration order.
func (d *DAG[T]) TopologicalOrder() []T {
	indegree := make(map[string]int, len(d.order))
	for _, id := range d.order {
		indegree[id] = len(d.parents[id])
	}

	out := make([]string, 0, len(d.order))
	ready := append([]string(nil), d.roots...)
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, child := range d.children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return d.lookup(out)
}

func (d *DAG[T]) lookup(ids []string) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.nodes[id])
	}
	return out
}
