package flowgraph

import (
	"fmt"
	"sync"

	"github.com/devicehub/flowengine/pkg/types"
)

// Cache holds compiled graphs keyed by (flow ID, version). A flow is
// compiled at most once per version; concurrent runs share the same
// read-only graph.
type Cache struct {
	scripts    ScriptCompiler
	connectors ConnectorSet

	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCache creates a compile cache using the given script compiler and
// connector set for validation.
func NewCache(scripts ScriptCompiler, connectors ConnectorSet) *Cache {
	return &Cache{
		scripts:    scripts,
		connectors: connectors,
		graphs:     make(map[string]*Graph),
	}
}

func cacheKey(id, version string) string {
	return fmt.Sprintf("%s@%s", id, version)
}

// Get returns the compiled graph for a flow version, compiling it on
// first use. Compilation failures are not cached; a corrected
// definition under the same version would be unusual but not fatal.
func (c *Cache) Get(flow *types.Flow) (*Graph, error) {
	key := cacheKey(flow.ID, flow.Version)

	c.mu.RLock()
	g, ok := c.graphs[key]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := Compile(flow, c.scripts, c.connectors)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another goroutine may have compiled the same version; keep the
	// first so every run borrows one identical graph.
	if existing, ok := c.graphs[key]; ok {
		g = existing
	} else {
		c.graphs[key] = g
	}
	c.mu.Unlock()
	return g, nil
}

// Lookup returns an already-compiled graph without compiling.
func (c *Cache) Lookup(id, version string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[cacheKey(id, version)]
	return g, ok
}

// All returns every compiled graph currently cached.
func (c *Cache) All() []*Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Graph, 0, len(c.graphs))
	for _, g := range c.graphs {
		out = append(out, g)
	}
	return out
}
