// Package dispatcher fans one ingestion event out to every flow that
// applies to the originating device. Each flow runs in isolation; one
// flow's failure never affects another's run, and the caller always
// receives the complete set of outcomes.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devicehub/flowengine/internal/executor"
	"github.com/devicehub/flowengine/internal/flowgraph"
	"github.com/devicehub/flowengine/internal/metrics"
	"github.com/devicehub/flowengine/internal/statestore"
	"github.com/devicehub/flowengine/pkg/types"
)

// deviceOnline is the status recorded for a device whenever one of its
// events is dispatched.
const deviceOnline = "online"

// FlowResolver selects the compiled graphs that apply to a device.
type FlowResolver interface {
	FlowsFor(deviceID string, labels []string) []*flowgraph.Graph
}

// CacheResolver resolves flows from a compile cache by evaluating each
// flow's trigger against the device.
type CacheResolver struct {
	Cache *flowgraph.Cache
}

func (r CacheResolver) FlowsFor(deviceID string, labels []string) []*flowgraph.Graph {
	var out []*flowgraph.Graph
	for _, g := range r.Cache.All() {
		if g.Trigger.Matches(deviceID, labels) {
			out = append(out, g)
		}
	}
	return out
}

// Config holds dispatcher configuration.
type Config struct {
	// EventTimeout bounds the handling of one whole event across all
	// its flow runs (0 = no limit).
	EventTimeout time.Duration
}

// Dispatcher routes ingestion events into flow runs.
type Dispatcher struct {
	resolver FlowResolver
	exec     *executor.Executor
	store    statestore.Store
	cfg      Config
}

// New creates a dispatcher. store may be nil, in which case outcomes
// and device status are not persisted.
func New(resolver FlowResolver, exec *executor.Executor, store statestore.Store, cfg Config) *Dispatcher {
	return &Dispatcher{resolver: resolver, exec: exec, store: store, cfg: cfg}
}

// HandleIngestEvent runs every applicable flow for the event and
// returns one outcome per flow, in resolver order. The only error case
// is a malformed payload; run failures are reported inside the
// outcomes.
func (d *Dispatcher) HandleIngestEvent(ctx context.Context, ev *types.IngestEvent) ([]*types.FlowOutcome, error) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("event payload for device %q is not a JSON object: %w", ev.DeviceID, err)
		}
	}

	metrics.EventsTotal.Inc()

	graphs := d.resolver.FlowsFor(ev.DeviceID, ev.Labels)
	metrics.FlowsPerEvent.Observe(float64(len(graphs)))

	if d.store != nil {
		if err := d.store.SetDeviceStatus(ctx, ev.DeviceID, deviceOnline); err != nil {
			log.Printf("device %s: status write failed: %v", ev.DeviceID, err)
		}
	}

	if len(graphs) == 0 {
		return nil, nil
	}

	if d.cfg.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.EventTimeout)
		defer cancel()
	}

	outcomes := make([]*types.FlowOutcome, len(graphs))
	var wg sync.WaitGroup
	for i, g := range graphs {
		wg.Add(1)
		go func(i int, g *flowgraph.Graph) {
			defer wg.Done()
			outcomes[i] = d.exec.Run(ctx, g, ev.DeviceID, payload)
		}(i, g)
	}
	wg.Wait()

	if d.store != nil {
		for _, outcome := range outcomes {
			if err := d.store.RecordOutcome(ctx, outcome); err != nil {
				log.Printf("run %s: outcome write failed: %v", outcome.RunID, err)
			}
		}
	}

	return outcomes, nil
}
