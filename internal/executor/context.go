// Package executor walks a compiled flow graph for one ingestion
// event: it schedules ready nodes, runs them through the sandbox or a
// connector, applies per-node retry policy, and aggregates a
// FlowOutcome. All failure is represented in the outcome; a run never
// raises out of band.
package executor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/devicehub/flowengine/pkg/types"
)

// ExecutionContext is the per-run state: the triggering event payload
// and the outputs recorded as nodes complete. It is owned exclusively
// by one run and never shared across runs. The output map is
// write-once per node.
type ExecutionContext struct {
	RunID    string
	DeviceID string
	Event    map[string]any

	mu      sync.RWMutex
	outputs map[string]any
}

// NewContext creates the context for one run with a fresh correlation ID.
func NewContext(deviceID string, event map[string]any) *ExecutionContext {
	return &ExecutionContext{
		RunID:    uuid.NewString(),
		DeviceID: deviceID,
		Event:    event,
		outputs:  make(map[string]any),
	}
}

// SetOutput records a node's produced value. A node's output, once
// recorded, is immutable for the remainder of the run.
func (c *ExecutionContext) SetOutput(nodeID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[nodeID]; exists {
		return fmt.Errorf("output for node %q already recorded", nodeID)
	}
	c.outputs[nodeID] = value
	return nil
}

// Output returns the recorded output of a node.
func (c *ExecutionContext) Output(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// ResolveBindings materializes a node's declared inputs from the event
// payload and upstream outputs. The whole event is always in scope as
// "event". An input that cannot be resolved is reported before the
// node body runs.
func (c *ExecutionContext) ResolveBindings(node *types.NodeSpec) (map[string]any, error) {
	env := map[string]any{"event": c.Event}

	for _, b := range node.Bindings {
		switch b.Source {
		case types.BindingSourceEvent:
			if b.Field == "" {
				env[b.Name] = c.Event
				continue
			}
			v, ok := c.Event[b.Field]
			if !ok {
				return nil, fmt.Errorf("binding %q: event has no field %q", b.Name, b.Field)
			}
			env[b.Name] = v
		case types.BindingSourceNode:
			v, ok := c.Output(b.NodeID)
			if !ok {
				return nil, fmt.Errorf("binding %q: no output recorded for node %q", b.Name, b.NodeID)
			}
			env[b.Name] = v
		default:
			return nil, fmt.Errorf("binding %q: unknown source %q", b.Name, b.Source)
		}
	}
	return env, nil
}

// payloadFor picks what an integration node sends: a single declared
// binding is sent as-is, several are sent as a named map, and a node
// with no bindings forwards the event payload unchanged.
func payloadFor(node *types.NodeSpec, env map[string]any, event map[string]any) any {
	switch len(node.Bindings) {
	case 0:
		return event
	case 1:
		return env[node.Bindings[0].Name]
	default:
		out := make(map[string]any, len(node.Bindings))
		for _, b := range node.Bindings {
			out[b.Name] = env[b.Name]
		}
		return out
	}
}
