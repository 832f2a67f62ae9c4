package dag

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	id       string
	children []string
}

func (n node) NodeID() string         { return n.id }
func (n node) NodeChildren() []string { return n.children }

func n(id string, children ...string) node {
	return node{id: id, children: children}
}

func ids(nodes []node) []string {
	out := make([]string, 0, len(nodes))
	for _, x := range nodes {
		out = append(out, x.id)
	}
	return out
}

func diamond() []node {
	return []node{n("A", "B", "C"), n("B", "D"), n("C", "D"), n("D")}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		nodes      []node
		wantErr    bool
		wantReason string
	}{
		{name: "single node", nodes: []node{n("A")}},
		{name: "diamond", nodes: diamond()},
		{name: "two roots", nodes: []node{n("A", "C"), n("B", "C"), n("C")}},
		{name: "empty", nodes: nil, wantErr: true, wantReason: "no nodes"},
		{name: "duplicate id", nodes: []node{n("A"), n("A")}, wantErr: true, wantReason: "duplicate node id"},
		{name: "missing child", nodes: []node{n("A", "X")}, wantErr: true, wantReason: "child X is not declared"},
		{name: "self loop only", nodes: []node{n("A", "A")}, wantErr: true, wantReason: "no root node"},
		{name: "two node cycle", nodes: []node{n("A", "B"), n("B", "A")}, wantErr: true, wantReason: "no root node"},
		{name: "cycle below root", nodes: []node{n("R", "A"), n("A", "B"), n("B", "A", "L"), n("L")}, wantErr: true, wantReason: "cycle detected"},
		{name: "self loop below root", nodes: []node{n("R", "A", "L"), n("A", "A"), n("L")}, wantErr: true, wantReason: "cycle detected"},
		{name: "unreachable cycle", nodes: []node{n("R", "L"), n("L"), n("X", "Y"), n("Y", "X")}, wantErr: true, wantReason: "cycle detected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.nodes)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, len(tt.nodes), d.Len())
				return
			}
			var se *types.StructureError
			require.True(t, errors.As(err, &se), "want StructureError, got %v", err)
			assert.Equal(t, tt.wantReason, se.Reason)
		})
	}
}

func TestRootsLeavesParents(t *testing.T) {
	d, err := New(diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(d.Roots()))
	assert.Equal(t, []string{"D"}, ids(d.Leaves()))
	assert.Equal(t, []string{"B", "C"}, ids(d.Children("A")))
	assert.Equal(t, []string{"B", "C"}, ids(d.Parents("D")))
	assert.Empty(t, d.Parents("A"))
	assert.Empty(t, d.Children("D"))

	got, ok := d.Node("C")
	assert.True(t, ok)
	assert.Equal(t, "C", got.id)
	_, ok = d.Node("Z")
	assert.False(t, ok)
}

func TestDuplicateChildEdge(t *testing.T) {
	d, err := New([]node{n("A", "B", "B"), n("B")})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, ids(d.Children("A")))
	assert.Equal(t, []string{"A"}, ids(d.Parents("B")))
}

func TestDescendants(t *testing.T) {
	nodes := []node{n("A", "B", "C"), n("B", "D"), n("C", "E"), n("D", "F"), n("E", "F"), n("F")}
	d, err := New(nodes)
	require.NoError(t, err)

	assert.Equal(t, []string{"D", "F"}, ids(d.Descendants("B")))
	assert.Equal(t, []string{"B", "C", "D", "E", "F"}, ids(d.Descendants("A")))
	assert.Empty(t, d.Descendants("F"))
}

func TestTopologicalOrder(t *testing.T) {
	nodes := []node{n("D"), n("B", "D"), n("A", "B", "C"), n("C", "D")}
	d, err := New(nodes)
	require.NoError(t, err)

	order := ids(d.TopologicalOrder())
	require.Len(t, order, 4)
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, x := range nodes {
		for _, c := range x.children {
			assert.Less(t, pos[x.id], pos[c], "%s must precede %s", x.id, c)
		}
	}
}

func TestHasCycle(t *testing.T) {
	tests := []struct {
		name  string
		nodes []node
		want  bool
	}{
		{"self loop", []node{n("A", "A")}, true},
		{"two hop", []node{n("A", "B"), n("B", "A")}, true},
		{"multi hop", []node{n("A", "B"), n("B", "C"), n("C", "D"), n("D", "B")}, true},
		{"acyclic diamond", diamond(), false},
		{"disconnected acyclic", []node{n("A"), n("B"), n("C", "A")}, false},
		{"undeclared child ignored", []node{n("A", "Z")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasCycle(tt.nodes))
		})
	}
}

// Random graphs: a cycle is reported iff some node reaches itself.
func TestHasCycleMatchesReachability(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		size := 2 + r.Intn(7)
		nodes := make([]node, size)
		for i := range nodes {
			nodes[i].id = fmt.Sprintf("n%d", i)
		}
		for i := range nodes {
			for j := range nodes {
				if r.Intn(5) == 0 {
					nodes[i].children = append(nodes[i].children, nodes[j].id)
				}
			}
		}

		assert.Equal(t, reachesSelf(nodes), HasCycle(nodes), "graph %v", nodes)
	}
}

func reachesSelf(nodes []node) bool {
	edges := make(map[string][]string)
	for _, x := range nodes {
		edges[x.id] = x.children
	}
	for _, start := range nodes {
		seen := make(map[string]bool)
		queue := append([]string(nil), edges[start.id]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur == start.id {
				return true
			}
			if seen[cur] {
				continue
			}
			seen[cur] = true
			queue = append(queue, edges[cur]...)
		}
	}
	return false
}

// Parents are the exact inverse of children.
func TestParentsInverseOfChildren(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for iter := 0; iter < 100; iter++ {
		size := 1 + r.Intn(10)
		nodes := make([]node, size)
		for i := range nodes {
			nodes[i].id = fmt.Sprintf("n%d", i)
			// Edges only point forward so the graph stays acyclic.
			for j := i + 1; j < size; j++ {
				if r.Intn(3) == 0 {
					nodes[i].children = append(nodes[i].children, fmt.Sprintf("n%d", j))
				}
			}
		}

		d, err := New(nodes)
		require.NoError(t, err)

		var forward, backward []string
		for _, x := range d.Nodes() {
			for _, c := range d.Children(x.id) {
				forward = append(forward, x.id+">"+c.id)
			}
			for _, p := range d.Parents(x.id) {
				backward = append(backward, p.id+">"+x.id)
			}
		}
		sort.Strings(forward)
		sort.Strings(backward)
		assert.Equal(t, forward, backward)
	}
}

func TestDeepChainDoesNotRecurse(t *testing.T) {
	const depth = 100000
	nodes := make([]node, depth)
	for i := range nodes {
		nodes[i].id = fmt.Sprintf("n%d", i)
		if i+1 < depth {
			nodes[i].children = []string{fmt.Sprintf("n%d", i+1)}
		}
	}

	d, err := New(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"n0"}, ids(d.Roots()))
	assert.Equal(t, []string{fmt.Sprintf("n%d", depth-1)}, ids(d.Leaves()))
}
