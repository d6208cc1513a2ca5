package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	eval := New(DefaultOptions())

	tests := []struct {
		name     string
		script   string
		bindings map[string]any
		want     any
	}{
		{
			name:     "arithmetic on event field",
			script:   "temperature * 2",
			bindings: map[string]any{"temperature": 21},
			want:     42,
		},
		{
			name:   "map construction",
			script: `{"celsius": raw - 252}`,
			bindings: map[string]any{
				"raw": 273,
			},
			want: map[string]any{"celsius": 21},
		},
		{
			name:     "string transform",
			script:   `upper(eui)`,
			bindings: map[string]any{"eui": "a1b2c3"},
			want:     "A1B2C3",
		},
		{
			name: "nested payload access",
			script: "payload.battery.level",
			bindings: map[string]any{
				"payload": map[string]any{
					"battery": map[string]any{"level": 87},
				},
			},
			want: 87,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fault := eval.Evaluate(context.Background(), tt.script, tt.bindings)
			if fault != nil {
				t.Fatalf("unexpected fault: %v", fault)
			}
			switch want := tt.want.(type) {
			case map[string]any:
				gotMap, ok := got.(map[string]any)
				if !ok {
					t.Fatalf("got %T, want map", got)
				}
				for k, v := range want {
					if gotMap[k] != v {
						t.Errorf("key %q = %v, want %v", k, gotMap[k], v)
					}
				}
			default:
				if got != tt.want {
					t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
				}
			}
		})
	}
}

func TestEvaluateRuntimeFault(t *testing.T) {
	eval := New(DefaultOptions())

	// Undefined references fail at run time in dynamic mode.
	_, fault := eval.Evaluate(context.Background(), "missing + 1", map[string]any{"present": 1})
	if fault == nil {
		t.Fatal("expected fault for undefined reference")
	}
	if fault.Kind != FaultRuntime {
		t.Errorf("fault kind = %s, want %s", fault.Kind, FaultRuntime)
	}
}

func TestCompileRejectsMalformedScript(t *testing.T) {
	eval := New(DefaultOptions())

	if err := eval.Compile("1 +"); err == nil {
		t.Fatal("expected compile error for malformed script")
	}
	if err := eval.Compile("value * 2"); err != nil {
		t.Fatalf("valid script rejected: %v", err)
	}
}

func TestStepBudget(t *testing.T) {
	eval := New(Options{MaxSteps: 5, Timeout: time.Second, MaxScriptLen: 4096})

	if err := eval.Compile("a + b + c + d + e + f + g + h"); err == nil {
		t.Fatal("expected step budget violation")
	}
}

func TestScriptLengthBudget(t *testing.T) {
	eval := New(Options{MaxScriptLen: 16, MaxSteps: 1000, Timeout: time.Second})

	long := "1 + " + strings.Repeat("1 + ", 20) + "1"
	if err := eval.Compile(long); err == nil {
		t.Fatal("expected length budget violation")
	}
}

func TestEvaluateCompilePathFaultKinds(t *testing.T) {
	eval := New(Options{MaxSteps: 5, Timeout: time.Second, MaxScriptLen: 4096})

	// A script that never went through flow compilation: a parse error
	// is a runtime fault, not a budget violation.
	_, fault := eval.Evaluate(context.Background(), "1 +", nil)
	if fault == nil || fault.Kind != FaultRuntime {
		t.Fatalf("fault = %v, want %s", fault, FaultRuntime)
	}

	// Exceeding the step budget is a step limit fault.
	_, fault = eval.Evaluate(context.Background(), "a + b + c + d + e + f + g + h", nil)
	if fault == nil || fault.Kind != FaultStepLimit {
		t.Fatalf("fault = %v, want %s", fault, FaultStepLimit)
	}
}

func TestEvaluateTimeoutViaContext(t *testing.T) {
	eval := New(DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, fault := eval.Evaluate(ctx, "1 + 1", nil)
	if fault == nil || fault.Kind != FaultTimeout {
		t.Fatalf("fault = %v, want timeout", fault)
	}
}

func TestCompileCaching(t *testing.T) {
	eval := New(DefaultOptions())

	if err := eval.Compile("x * 10"); err != nil {
		t.Fatalf("compile: %v", err)
	}

	eval.mu.RLock()
	_, cached := eval.compiled["x * 10"]
	eval.mu.RUnlock()
	if !cached {
		t.Fatal("program not cached after compile")
	}

	got, fault := eval.Evaluate(context.Background(), "x * 10", map[string]any{"x": 4})
	if fault != nil {
		t.Fatalf("evaluate: %v", fault)
	}
	if got != 40 {
		t.Errorf("got %v, want 40", got)
	}
}
