package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/devicehub/flowengine/internal/connector"
	"github.com/devicehub/flowengine/internal/flowgraph"
	"github.com/devicehub/flowengine/internal/metrics"
	"github.com/devicehub/flowengine/internal/sandbox"
	"github.com/devicehub/flowengine/pkg/types"
)

// Config holds executor configuration.
type Config struct {
	// MaxParallelism limits concurrent node executions within a run
	// (0 = unlimited).
	MaxParallelism int

	// Retry is the default policy for transient node failures; a node
	// spec may override it.
	Retry types.RetryPolicy

	// FlowTimeout bounds one whole run (0 = no limit).
	FlowTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelism: 0,
		Retry:          types.DefaultRetryPolicy(),
		FlowTimeout:    30 * time.Second,
	}
}

// ConnectorSource resolves integration IDs to shared connector
// instances. The connector registry satisfies this.
type ConnectorSource interface {
	Get(id string) (connector.Connector, bool)
}

// Executor runs compiled flow graphs. It holds no per-run state; one
// Executor serves concurrent runs.
type Executor struct {
	sandbox    *sandbox.Evaluator
	connectors ConnectorSource
	cfg        Config
}

// New creates an executor sharing the given sandbox and connectors.
func New(sb *sandbox.Evaluator, conns ConnectorSource, cfg Config) *Executor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = types.DefaultRetryPolicy()
	}
	return &Executor{sandbox: sb, connectors: conns, cfg: cfg}
}

// nodeDone carries a terminal node result back to the run loop.
type nodeDone struct {
	nodeID string
	result *types.NodeResult
}

// Run executes one flow graph over one event and returns the outcome.
// Independent nodes execute concurrently; dependent nodes execute
// strictly after their dependencies succeed. Cancellation of ctx stops
// scheduling new nodes and abandons in-flight ones.
func (e *Executor) Run(ctx context.Context, g *flowgraph.Graph, deviceID string, event map[string]any) *types.FlowOutcome {
	if e.cfg.FlowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FlowTimeout)
		defer cancel()
	}

	ectx := NewContext(deviceID, event)
	started := time.Now().UTC()
	outcome := &types.FlowOutcome{
		RunID:     ectx.RunID,
		FlowID:    g.FlowID,
		Version:   g.Version,
		DeviceID:  deviceID,
		Nodes:     make(map[string]*types.NodeResult, g.Len()),
		StartedAt: started,
	}

	var sem chan struct{}
	if e.cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, e.cfg.MaxParallelism)
	}

	// All scheduling state is owned by this goroutine; workers only
	// report through doneCh.
	remaining := make(map[string]int, g.Len())
	launched := make(map[string]bool, g.Len())
	for _, id := range g.Order() {
		remaining[id] = len(g.Deps(id))
	}

	doneCh := make(chan nodeDone, g.Len())

	launch := func(id string) {
		launched[id] = true
		node, _ := g.Node(id)
		go func() {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					doneCh <- nodeDone{id, e.cancelledResult(node, ctx)}
					return
				}
			}
			doneCh <- nodeDone{id, e.runNode(ctx, node, ectx)}
		}()
	}

	skip := func(id, cause string) {
		if _, terminal := outcome.Nodes[id]; terminal || launched[id] {
			return
		}
		outcome.Nodes[id] = &types.NodeResult{
			NodeID: id,
			Status: types.NodeStatusSkipped,
			Error:  fmt.Sprintf("skipped: upstream node %q failed", cause),
		}
	}

	for _, id := range g.Entries() {
		launch(id)
	}

	cancelled := false
	ctxDone := ctx.Done()
	for len(outcome.Nodes) < g.Len() {
		inFlight := 0
		for id := range launched {
			if _, terminal := outcome.Nodes[id]; !terminal {
				inFlight++
			}
		}
		if cancelled && inFlight == 0 {
			// Nothing running and nothing schedulable.
			break
		}

		select {
		case d := <-doneCh:
			if _, dup := outcome.Nodes[d.nodeID]; dup {
				continue
			}
			outcome.Nodes[d.nodeID] = d.result
			node, _ := g.Node(d.nodeID)
			metrics.NodesTotal.WithLabelValues(string(node.Kind), string(d.result.Status)).Inc()
			metrics.NodeRetries.WithLabelValues(string(d.result.Status)).Observe(float64(d.result.Attempts))

			if d.result.Status == types.NodeStatusSucceeded {
				if !cancelled {
					for _, next := range g.Dependents(d.nodeID) {
						remaining[next]--
						if remaining[next] == 0 {
							launch(next)
						}
					}
				}
			} else {
				// Terminal failure: everything transitively downstream
				// is skipped and never becomes ready.
				for _, down := range g.Downstream(d.nodeID) {
					skip(down, d.nodeID)
				}
			}
		case <-ctxDone:
			ctxDone = nil // only handle cancellation once
			cancelled = true
			for _, id := range g.Order() {
				if _, terminal := outcome.Nodes[id]; !terminal && !launched[id] {
					outcome.Nodes[id] = &types.NodeResult{
						NodeID: id,
						Status: types.NodeStatusSkipped,
						Error:  "run cancelled before node became ready",
					}
				}
			}
		}
	}

	outcome.FinishedAt = time.Now().UTC()
	outcome.Status = runStatus(g, outcome)
	outcome.Routed = routedOutputs(g, outcome)

	metrics.RunsTotal.WithLabelValues(string(outcome.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(outcome.Status)).Observe(outcome.FinishedAt.Sub(started).Seconds())
	log.Printf("run %s flow=%s device=%s status=%s nodes=%d", outcome.RunID, g.FlowID, deviceID, outcome.Status, g.Len())

	return outcome
}

// runNode executes one node, retrying transient failures per policy.
func (e *Executor) runNode(ctx context.Context, node *types.NodeSpec, ectx *ExecutionContext) *types.NodeResult {
	startedAt := time.Now().UTC()
	res := &types.NodeResult{NodeID: node.ID, StartedAt: &startedAt}
	defer func() {
		finished := time.Now().UTC()
		res.FinishedAt = &finished
		metrics.NodeDuration.WithLabelValues(string(node.Kind)).Observe(finished.Sub(startedAt).Seconds())
	}()

	env, err := ectx.ResolveBindings(node)
	if err != nil {
		res.Status = types.NodeStatusFailed
		res.ErrorKind = types.ErrKindBindingError
		res.Error = err.Error()
		return res
	}

	policy := e.cfg.Retry
	if node.Retry != nil {
		policy = *node.Retry
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		value, kind, detail := e.invoke(ctx, node, env, ectx)
		if kind == "" {
			if err := ectx.SetOutput(node.ID, value); err != nil {
				// Write-once violation would mean the node ran twice.
				res.Status = types.NodeStatusFailed
				res.ErrorKind = types.ErrKindPermanent
				res.Error = err.Error()
				return res
			}
			res.Status = types.NodeStatusSucceeded
			res.Value = value
			return res
		}

		if !kind.Retryable() || attempt >= policy.MaxAttempts {
			res.Status = types.NodeStatusFailed
			res.ErrorKind = kind
			res.Error = detail
			return res
		}

		backoff := policy.InitialBackoff << (attempt - 1)
		if policy.BackoffCap > 0 && backoff > policy.BackoffCap {
			backoff = policy.BackoffCap
		}
		log.Printf("node %s attempt %d/%d failed (%s), retrying in %s", node.ID, attempt, policy.MaxAttempts, detail, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			res.Status = types.NodeStatusFailed
			res.ErrorKind = kind
			res.Error = fmt.Sprintf("%s (retry abandoned: %v)", detail, ctx.Err())
			return res
		}
	}
}

// invoke runs the node body once. An empty kind means success.
func (e *Executor) invoke(ctx context.Context, node *types.NodeSpec, env map[string]any, ectx *ExecutionContext) (any, types.NodeErrorKind, string) {
	switch node.Kind {
	case types.NodeKindFunction:
		value, fault := e.sandbox.Evaluate(ctx, node.Script, env)
		if fault != nil {
			metrics.SandboxFaults.WithLabelValues(string(fault.Kind)).Inc()
			return nil, types.ErrKindScriptFailure, fault.Error()
		}
		return value, "", ""

	case types.NodeKindIntegration:
		conn, ok := e.connectors.Get(node.IntegrationID)
		if !ok {
			// Compilation checks this; a miss here means connectors
			// were rebuilt without the integration.
			return nil, types.ErrKindPermanent, fmt.Sprintf("no connector for %q", node.IntegrationID)
		}
		payload := payloadFor(node, env, ectx.Event)
		result := conn.Send(ctx, payload)
		if !result.OK() {
			return nil, result.ErrorKind(), result.Error()
		}
		return result.Response, "", ""

	default:
		return nil, types.ErrKindPermanent, fmt.Sprintf("unknown node kind %q", node.Kind)
	}
}

// cancelledResult is the terminal result for a node abandoned while
// waiting on the parallelism limiter.
func (e *Executor) cancelledResult(node *types.NodeSpec, ctx context.Context) *types.NodeResult {
	return &types.NodeResult{
		NodeID:    node.ID,
		Status:    types.NodeStatusFailed,
		ErrorKind: types.ErrKindTransient,
		Error:     fmt.Sprintf("cancelled before execution: %v", ctx.Err()),
	}
}

// runStatus derives the aggregate status: Succeeded only when every
// node succeeded, Failed when every entry node failed (or nothing
// succeeded), PartiallyFailed otherwise.
func runStatus(g *flowgraph.Graph, outcome *types.FlowOutcome) types.RunStatus {
	succeeded, failed, skipped := outcome.Counts()

	if failed == 0 && skipped == 0 && succeeded == g.Len() {
		return types.RunStatusSucceeded
	}

	entriesFailed := 0
	for _, id := range g.Entries() {
		if r, ok := outcome.Nodes[id]; ok && r.Status == types.NodeStatusFailed {
			entriesFailed++
		}
	}
	if entriesFailed == len(g.Entries()) || succeeded == 0 {
		return types.RunStatusFailed
	}
	return types.RunStatusPartiallyFailed
}

// routedOutputs collects the values produced by succeeded leaf nodes;
// these are the run's explicit hand-offs to the ingestion boundary.
func routedOutputs(g *flowgraph.Graph, outcome *types.FlowOutcome) []types.RoutedOutput {
	var routed []types.RoutedOutput
	for _, id := range g.Order() {
		if len(g.Dependents(id)) > 0 {
			continue
		}
		if r, ok := outcome.Nodes[id]; ok && r.Status == types.NodeStatusSucceeded && r.Value != nil {
			routed = append(routed, types.RoutedOutput{NodeID: id, Value: r.Value})
		}
	}
	return routed
}
