package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicehub/flowengine/internal/connector"
	"github.com/devicehub/flowengine/internal/flowgraph"
	"github.com/devicehub/flowengine/internal/sandbox"
	"github.com/devicehub/flowengine/pkg/types"
)

// fakeConnector replays a scripted sequence of results and counts
// sends. The last result repeats once the script is exhausted.
type fakeConnector struct {
	mu      sync.Mutex
	script  []connector.Result
	sends   int32
	payload any
}

func (f *fakeConnector) Type() types.ConnectorType { return types.ConnectorTypeHTTP }

func (f *fakeConnector) Send(ctx context.Context, payload any) connector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt32(&f.sends, 1)
	f.payload = payload
	i := int(f.sends) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i]
}

func (f *fakeConnector) Close() {}

func (f *fakeConnector) sendCount() int { return int(atomic.LoadInt32(&f.sends)) }

// fakeSource maps integration IDs to fake connectors.
type fakeSource map[string]connector.Connector

func (s fakeSource) Get(id string) (connector.Connector, bool) {
	c, ok := s[id]
	return c, ok
}

func okResult() connector.Result {
	return connector.Result{Kind: connector.ResultOK}
}

func unreachable() connector.Result {
	return connector.Result{Kind: connector.ResultUnreachable, Detail: "connection refused"}
}

func rejected(status int) connector.Result {
	return connector.Result{Kind: connector.ResultRejected, StatusCode: status, Detail: "rejected"}
}

func compile(t *testing.T, flow *types.Flow) *flowgraph.Graph {
	t.Helper()
	g, err := flowgraph.Compile(flow, sandbox.New(sandbox.DefaultOptions()), nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return g
}

func newExecutor(conns fakeSource, cfg Config) *Executor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = types.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffCap: 10 * time.Millisecond}
	}
	return New(sandbox.New(sandbox.DefaultOptions()), conns, cfg)
}

func TestRunLinearFlowSucceeds(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "decode", Kind: types.NodeKindFunction, Script: "event.raw * 2"},
			{ID: "wrap", Kind: types.NodeKindFunction, Script: `{"value": decoded}`,
				Bindings: []types.Binding{{Name: "decoded", Source: types.BindingSourceNode, NodeID: "decode"}}},
			{ID: "post", Kind: types.NodeKindIntegration, IntegrationID: "webhook",
				Bindings: []types.Binding{{Name: "body", Source: types.BindingSourceNode, NodeID: "wrap"}}},
		},
		Edges: []types.EdgeSpec{
			{From: "decode", To: "wrap"},
			{From: "wrap", To: "post"},
		},
	}
	g := compile(t, flow)

	hook := &fakeConnector{script: []connector.Result{okResult()}}
	exec := newExecutor(fakeSource{"webhook": hook}, Config{})

	out := exec.Run(context.Background(), g, "dev-1", map[string]any{"raw": 21})

	if out.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s: %+v", out.Status, out.Nodes)
	}
	if out.Nodes["decode"].Value != 42 {
		t.Errorf("decode value = %v", out.Nodes["decode"].Value)
	}
	sent, ok := hook.payload.(map[string]any)
	if !ok || sent["value"] != 42 {
		t.Errorf("connector payload = %v", hook.payload)
	}
	if out.RunID == "" || out.DeviceID != "dev-1" {
		t.Errorf("outcome identity: %+v", out)
	}
}

// A 3-node graph A -> B -> C where B's connector returns Rejected(403):
// B fails permanently with one send, C is skipped, outcome is
// PartiallyFailed with exactly one success and one failure.
func TestPermanentFailureSkipsDownstream(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "a", Kind: types.NodeKindFunction, Script: "event"},
			{ID: "b", Kind: types.NodeKindIntegration, IntegrationID: "hook"},
			{ID: "c", Kind: types.NodeKindFunction, Script: "1"},
		},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	g := compile(t, flow)

	hook := &fakeConnector{script: []connector.Result{rejected(403)}}
	exec := newExecutor(fakeSource{"hook": hook}, Config{})

	out := exec.Run(context.Background(), g, "dev", map[string]any{})

	if out.Nodes["a"].Status != types.NodeStatusSucceeded {
		t.Errorf("a = %s", out.Nodes["a"].Status)
	}
	if b := out.Nodes["b"]; b.Status != types.NodeStatusFailed || b.ErrorKind != types.ErrKindPermanent {
		t.Errorf("b = %+v", b)
	}
	if out.Nodes["c"].Status != types.NodeStatusSkipped {
		t.Errorf("c = %s", out.Nodes["c"].Status)
	}
	if hook.sendCount() != 1 {
		t.Errorf("rejected send retried: %d sends", hook.sendCount())
	}
	if out.Status != types.RunStatusPartiallyFailed {
		t.Errorf("status = %s", out.Status)
	}
	succeeded, failed, skipped := out.Counts()
	if succeeded != 1 || failed != 1 || skipped != 1 {
		t.Errorf("counts = %d/%d/%d", succeeded, failed, skipped)
	}
}

// N transient failures followed by success: the node succeeds with
// exactly N+1 sends when N < max attempts, and fails terminally when
// the budget is exhausted.
func TestTransientRetry(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{{ID: "send", Kind: types.NodeKindIntegration, IntegrationID: "hook"}},
	}

	t.Run("recovers within budget", func(t *testing.T) {
		g := compile(t, flow)
		hook := &fakeConnector{script: []connector.Result{unreachable(), unreachable(), okResult()}}
		exec := newExecutor(fakeSource{"hook": hook}, Config{})

		out := exec.Run(context.Background(), g, "dev", map[string]any{})

		if out.Nodes["send"].Status != types.NodeStatusSucceeded {
			t.Fatalf("send = %+v", out.Nodes["send"])
		}
		if hook.sendCount() != 3 {
			t.Errorf("sends = %d, want 3", hook.sendCount())
		}
		if out.Nodes["send"].Attempts != 3 {
			t.Errorf("attempts = %d", out.Nodes["send"].Attempts)
		}
	})

	t.Run("exhausts budget", func(t *testing.T) {
		g := compile(t, flow)
		hook := &fakeConnector{script: []connector.Result{unreachable()}}
		exec := newExecutor(fakeSource{"hook": hook}, Config{})

		out := exec.Run(context.Background(), g, "dev", map[string]any{})

		res := out.Nodes["send"]
		if res.Status != types.NodeStatusFailed || res.ErrorKind != types.ErrKindTransient {
			t.Fatalf("send = %+v", res)
		}
		if hook.sendCount() != 3 {
			t.Errorf("sends = %d, want max attempts 3", hook.sendCount())
		}
		if out.Status != types.RunStatusFailed {
			t.Errorf("status = %s", out.Status)
		}
	})
}

// A script referencing an unresolvable binding fails with BindingError
// before any sandbox evaluation happens.
func TestBindingErrorBeforeNodeBody(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "fn", Kind: types.NodeKindFunction, Script: "missing * 2",
				Bindings: []types.Binding{{Name: "missing", Source: types.BindingSourceEvent, Field: "absent"}}},
		},
	}
	g := compile(t, flow)
	exec := newExecutor(fakeSource{}, Config{})

	out := exec.Run(context.Background(), g, "dev", map[string]any{"present": 1})

	res := out.Nodes["fn"]
	if res.Status != types.NodeStatusFailed || res.ErrorKind != types.ErrKindBindingError {
		t.Fatalf("fn = %+v", res)
	}
	if res.Attempts != 0 {
		t.Errorf("node body ran %d times despite binding error", res.Attempts)
	}
}

// Two independent entry nodes both execute without waiting on each
// other; a diamond joins only after both sides complete.
func TestIndependentEntriesRunConcurrently(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "left", Kind: types.NodeKindFunction, Script: "1"},
			{ID: "right", Kind: types.NodeKindFunction, Script: "2"},
			{ID: "join", Kind: types.NodeKindFunction, Script: "l + r",
				Bindings: []types.Binding{
					{Name: "l", Source: types.BindingSourceNode, NodeID: "left"},
					{Name: "r", Source: types.BindingSourceNode, NodeID: "right"},
				}},
		},
		Edges: []types.EdgeSpec{{From: "left", To: "join"}, {From: "right", To: "join"}},
	}
	g := compile(t, flow)

	if entries := g.Entries(); len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}

	exec := newExecutor(fakeSource{}, Config{})
	out := exec.Run(context.Background(), g, "dev", map[string]any{})

	if out.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s: %+v", out.Status, out.Nodes)
	}
	if out.Nodes["join"].Value != 3 {
		t.Errorf("join value = %v", out.Nodes["join"].Value)
	}
}

// Script runtime faults are permanent ScriptFailure, never retried.
func TestScriptFaultIsPermanent(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "bad", Kind: types.NodeKindFunction, Script: "undefined_name + 1"},
			{ID: "after", Kind: types.NodeKindFunction, Script: "1"},
		},
		Edges: []types.EdgeSpec{{From: "bad", To: "after"}},
	}
	g := compile(t, flow)
	exec := newExecutor(fakeSource{}, Config{})

	out := exec.Run(context.Background(), g, "dev", map[string]any{})

	res := out.Nodes["bad"]
	if res.Status != types.NodeStatusFailed || res.ErrorKind != types.ErrKindScriptFailure {
		t.Fatalf("bad = %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("script failure retried: attempts = %d", res.Attempts)
	}
	if out.Nodes["after"].Status != types.NodeStatusSkipped {
		t.Errorf("after = %s", out.Nodes["after"].Status)
	}
}

// Re-running the same compiled graph with the same event yields the
// same terminal states.
func TestDeterministicRerun(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "a", Kind: types.NodeKindFunction, Script: "event.v + 1"},
			{ID: "b", Kind: types.NodeKindFunction, Script: "undefined_ref"},
			{ID: "c", Kind: types.NodeKindFunction, Script: "x",
				Bindings: []types.Binding{{Name: "x", Source: types.BindingSourceNode, NodeID: "a"}}},
			{ID: "d", Kind: types.NodeKindFunction, Script: "1",
				Bindings: []types.Binding{{Name: "y", Source: types.BindingSourceNode, NodeID: "b"}}},
		},
		Edges: []types.EdgeSpec{{From: "a", To: "c"}, {From: "b", To: "d"}},
	}
	g := compile(t, flow)
	exec := newExecutor(fakeSource{}, Config{})
	event := map[string]any{"v": 10}

	first := exec.Run(context.Background(), g, "dev", event)
	for i := 0; i < 5; i++ {
		again := exec.Run(context.Background(), g, "dev", event)
		if again.Status != first.Status {
			t.Fatalf("run %d status = %s, first = %s", i, again.Status, first.Status)
		}
		for id, want := range first.Nodes {
			if got := again.Nodes[id]; got.Status != want.Status {
				t.Errorf("run %d node %s = %s, first = %s", i, id, got.Status, want.Status)
			}
		}
	}
}

// Cancellation stops scheduling: unstarted nodes are skipped and the
// run returns promptly.
func TestRunCancellation(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "slow", Kind: types.NodeKindIntegration, IntegrationID: "slow"},
			{ID: "next", Kind: types.NodeKindFunction, Script: "1"},
		},
		Edges: []types.EdgeSpec{{From: "slow", To: "next"}},
	}
	g := compile(t, flow)

	slow := &slowConnector{delay: 5 * time.Second}
	exec := newExecutor(fakeSource{"slow": slow}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := exec.Run(ctx, g, "dev", map[string]any{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run blocked for %s after cancellation", elapsed)
	}

	if out.Nodes["next"].Status != types.NodeStatusSkipped {
		t.Errorf("next = %s", out.Nodes["next"].Status)
	}
	if out.Status == types.RunStatusSucceeded {
		t.Errorf("status = %s", out.Status)
	}
}

// slowConnector blocks until its delay elapses or ctx is cancelled.
type slowConnector struct {
	delay time.Duration
}

func (s *slowConnector) Type() types.ConnectorType { return types.ConnectorTypeHTTP }

func (s *slowConnector) Send(ctx context.Context, payload any) connector.Result {
	select {
	case <-time.After(s.delay):
		return okResult()
	case <-ctx.Done():
		return connector.Result{Kind: connector.ResultTimeout, Detail: ctx.Err().Error()}
	}
}

func (s *slowConnector) Close() {}

func TestMaxParallelism(t *testing.T) {
	var active, peak int32
	probe := &probeConnector{active: &active, peak: &peak}

	nodes := make([]types.NodeSpec, 0, 6)
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		nodes = append(nodes, types.NodeSpec{ID: id, Kind: types.NodeKindIntegration, IntegrationID: "probe"})
	}
	g := compile(t, &types.Flow{ID: "f", Version: "1", Nodes: nodes})

	exec := newExecutor(fakeSource{"probe": probe}, Config{MaxParallelism: 2})
	out := exec.Run(context.Background(), g, "dev", map[string]any{})

	if out.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s", out.Status)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, limit 2", p)
	}
}

// probeConnector tracks peak concurrent sends.
type probeConnector struct {
	active *int32
	peak   *int32
}

func (p *probeConnector) Type() types.ConnectorType { return types.ConnectorTypeHTTP }

func (p *probeConnector) Send(ctx context.Context, payload any) connector.Result {
	n := atomic.AddInt32(p.active, 1)
	for {
		old := atomic.LoadInt32(p.peak)
		if n <= old || atomic.CompareAndSwapInt32(p.peak, old, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(p.active, -1)
	return okResult()
}

func (p *probeConnector) Close() {}

func TestRoutedOutputs(t *testing.T) {
	flow := &types.Flow{
		ID: "f", Version: "1",
		Nodes: []types.NodeSpec{
			{ID: "decode", Kind: types.NodeKindFunction, Script: `{"status": "online"}`},
			{ID: "leaf", Kind: types.NodeKindFunction, Script: "d",
				Bindings: []types.Binding{{Name: "d", Source: types.BindingSourceNode, NodeID: "decode"}}},
		},
		Edges: []types.EdgeSpec{{From: "decode", To: "leaf"}},
	}
	g := compile(t, flow)
	exec := newExecutor(fakeSource{}, Config{})

	out := exec.Run(context.Background(), g, "dev", map[string]any{})

	if len(out.Routed) != 1 || out.Routed[0].NodeID != "leaf" {
		t.Fatalf("routed = %+v", out.Routed)
	}
	v, ok := out.Routed[0].Value.(map[string]any)
	if !ok || v["status"] != "online" {
		t.Errorf("routed value = %v", out.Routed[0].Value)
	}
}
