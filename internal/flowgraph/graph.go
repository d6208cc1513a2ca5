// Package flowgraph compiles flow definitions into validated,
// immutable graphs. Compilation happens once per flow version; runs
// only ever borrow the compiled result read-only.
package flowgraph

import "github.com/devicehub/flowengine/pkg/types"

// Graph is the compiled form of a flow: node lookup, adjacency in both
// directions, a topological order, and the entry nodes. Never mutated
// after Compile returns it.
type Graph struct {
	FlowID  string
	Version string
	Name    string
	Trigger *types.Trigger

	nodes      map[string]*types.NodeSpec
	order      []string            // topological order
	deps       map[string][]string // node -> direct predecessors
	dependents map[string][]string // node -> direct successors
	entries    []string            // nodes with no predecessors
}

// Node returns the spec for a node ID.
func (g *Graph) Node(id string) (*types.NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Order returns node IDs in topological order.
func (g *Graph) Order() []string { return g.order }

// Entries returns the graph entry points (nodes with no dependencies).
func (g *Graph) Entries() []string { return g.entries }

// Deps returns the direct predecessors of a node.
func (g *Graph) Deps(id string) []string { return g.deps[id] }

// Dependents returns the direct successors of a node.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Downstream returns every node transitively reachable from id.
func (g *Graph) Downstream(id string) []string {
	visited := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, next := range g.dependents[n] {
			if !visited[next] {
				visited[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(id)
	return out
}
