package connector

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/devicehub/flowengine/pkg/types"
)

// Registry holds the process-wide connector singletons, constructed at
// startup from resolved integration configs and injected into runs by
// reference. Safe for concurrent reads after Build.
type Registry struct {
	conns map[string]Connector
}

// RegistryConfig bounds outbound traffic across all HTTP connectors.
type RegistryConfig struct {
	// SendRPS limits sends per second per connector (0 = unlimited).
	SendRPS   float64
	SendBurst int
}

// Build constructs one connector per integration config. Unknown
// connector types are an error here so they surface at startup, not
// mid-run.
func Build(configs []types.IntegrationConfig, cfg RegistryConfig) (*Registry, error) {
	r := &Registry{conns: make(map[string]Connector, len(configs))}

	for _, ic := range configs {
		if _, dup := r.conns[ic.ID]; dup {
			return nil, fmt.Errorf("duplicate integration id %q", ic.ID)
		}

		var limiter *rate.Limiter
		if cfg.SendRPS > 0 {
			burst := cfg.SendBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.SendRPS), burst)
		}

		switch ic.Type {
		case types.ConnectorTypeHTTP:
			if ic.HTTP == nil {
				return nil, fmt.Errorf("integration %q: missing http config", ic.ID)
			}
			r.conns[ic.ID] = NewHTTP(*ic.HTTP, limiter)
		case types.ConnectorTypeMQTT:
			if ic.MQTT == nil {
				return nil, fmt.Errorf("integration %q: missing mqtt config", ic.ID)
			}
			r.conns[ic.ID] = NewMQTT(*ic.MQTT)
		default:
			return nil, fmt.Errorf("integration %q: unknown connector type %q", ic.ID, ic.Type)
		}
	}

	return r, nil
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (Connector, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Has reports whether a connector is registered under id. Flow
// compilation uses this to reject dangling integration references.
func (r *Registry) Has(id string) bool {
	_, ok := r.conns[id]
	return ok
}

// Close shuts down every connector.
func (r *Registry) Close() {
	for _, c := range r.conns {
		c.Close()
	}
}
