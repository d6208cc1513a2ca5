package flowgraph

import (
	"fmt"

	"github.com/devicehub/flowengine/internal/metrics"
	"github.com/devicehub/flowengine/pkg/types"
)

// ErrorKind classifies a compilation failure.
type ErrorKind string

const (
	ErrCycle            ErrorKind = "cycle"
	ErrDuplicateNode    ErrorKind = "duplicate_node"
	ErrDanglingEdge     ErrorKind = "dangling_edge"
	ErrDanglingBinding  ErrorKind = "dangling_binding"
	ErrUnknownConnector ErrorKind = "unknown_connector"
	ErrBadScript        ErrorKind = "bad_script"
	ErrBadDefinition    ErrorKind = "bad_definition"
)

// CompileError is a structural flow defect. It is surfaced at load
// time; a compiled graph can never produce one during a run.
type CompileError struct {
	Kind   ErrorKind
	NodeID string
	Detail string
}

func (e *CompileError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("compile flow: %s at node %q: %s", e.Kind, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("compile flow: %s: %s", e.Kind, e.Detail)
}

func compileErr(kind ErrorKind, nodeID, format string, args ...any) error {
	metrics.CompileErrors.WithLabelValues(string(kind)).Inc()
	return &CompileError{Kind: kind, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}

// ScriptCompiler pre-compiles function node scripts so malformed
// scripts fail at flow load, not during a run. The sandbox evaluator
// satisfies this.
type ScriptCompiler interface {
	Compile(script string) error
}

// ConnectorSet answers whether an integration ID has a connector. The
// connector registry satisfies this.
type ConnectorSet interface {
	Has(id string) bool
}

// Compile validates a flow definition and builds its immutable graph.
// It rejects duplicate or dangling references, unknown connectors,
// malformed scripts, cycles, and bindings that do not reference a
// strict topological predecessor or an event field.
func Compile(flow *types.Flow, scripts ScriptCompiler, connectors ConnectorSet) (*Graph, error) {
	if len(flow.Nodes) == 0 {
		return nil, compileErr(ErrBadDefinition, "", "flow %q has no nodes", flow.ID)
	}

	nodes := make(map[string]*types.NodeSpec, len(flow.Nodes))
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if n.ID == "" {
			return nil, compileErr(ErrBadDefinition, "", "node %d has no id", i)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, compileErr(ErrDuplicateNode, n.ID, "node id appears twice")
		}
		switch n.Kind {
		case types.NodeKindFunction:
			if n.Script == "" {
				return nil, compileErr(ErrBadScript, n.ID, "function node has no script")
			}
			if err := scripts.Compile(n.Script); err != nil {
				return nil, compileErr(ErrBadScript, n.ID, "%v", err)
			}
		case types.NodeKindIntegration:
			if n.IntegrationID == "" {
				return nil, compileErr(ErrUnknownConnector, n.ID, "integration node has no integration_id")
			}
			if connectors != nil && !connectors.Has(n.IntegrationID) {
				return nil, compileErr(ErrUnknownConnector, n.ID, "no connector registered for %q", n.IntegrationID)
			}
		default:
			return nil, compileErr(ErrBadDefinition, n.ID, "unknown node kind %q", n.Kind)
		}
		nodes[n.ID] = n
	}

	deps := make(map[string][]string, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, e := range flow.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, compileErr(ErrDanglingEdge, "", "edge references unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, compileErr(ErrDanglingEdge, "", "edge references unknown node %q", e.To)
		}
		deps[e.To] = append(deps[e.To], e.From)
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	order, err := topoSort(nodes, deps, dependents)
	if err != nil {
		return nil, err
	}

	// Ancestor sets in topological order; bindings may only reference
	// strict predecessors or fields of the triggering event.
	ancestors := make(map[string]map[string]bool, len(nodes))
	for _, id := range order {
		set := make(map[string]bool)
		for _, p := range deps[id] {
			set[p] = true
			for a := range ancestors[p] {
				set[a] = true
			}
		}
		ancestors[id] = set
	}

	for _, id := range order {
		for _, b := range nodes[id].Bindings {
			switch b.Source {
			case types.BindingSourceEvent:
				// Event fields are always in scope.
			case types.BindingSourceNode:
				if b.NodeID == "" {
					return nil, compileErr(ErrDanglingBinding, id, "binding %q has no node_id", b.Name)
				}
				if !ancestors[id][b.NodeID] {
					return nil, compileErr(ErrDanglingBinding, id,
						"binding %q references %q, which is not an upstream node", b.Name, b.NodeID)
				}
			default:
				return nil, compileErr(ErrDanglingBinding, id, "binding %q has unknown source %q", b.Name, b.Source)
			}
		}
	}

	var entries []string
	for _, id := range order {
		if len(deps[id]) == 0 {
			entries = append(entries, id)
		}
	}

	return &Graph{
		FlowID:     flow.ID,
		Version:    flow.Version,
		Name:       flow.Name,
		Trigger:    flow.Trigger,
		nodes:      nodes,
		order:      order,
		deps:       deps,
		dependents: dependents,
		entries:    entries,
	}, nil
}

// topoSort orders nodes with Kahn's algorithm; leftover nodes mean a
// cycle.
func topoSort(nodes map[string]*types.NodeSpec, deps, dependents map[string][]string) ([]string, error) {
	remaining := make(map[string]int, len(nodes))
	var queue []string
	for id := range nodes {
		remaining[id] = len(deps[id])
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		for id, n := range remaining {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, compileErr(ErrCycle, "", "cycle involving nodes %v", stuck)
	}
	return order, nil
}
