// Package sandbox evaluates user-authored transform scripts against an
// event's data. Scripts see only the bindings supplied per call; there
// is no ambient access to network, filesystem, or process state, and
// every evaluation is bounded by a time budget and a step budget.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// FaultKind classifies a script fault.
type FaultKind string

const (
	FaultTimeout   FaultKind = "timeout"
	FaultStepLimit FaultKind = "step_limit"
	FaultRuntime   FaultKind = "runtime_error"
)

// Fault is a script failure. Faults are values; a fault never escapes
// the sandbox as a panic.
type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("script fault (%s): %s", f.Kind, f.Detail)
}

// Options bounds script compilation and evaluation.
type Options struct {
	// MaxScriptLen limits script source size in bytes.
	MaxScriptLen int

	// MaxSteps limits the number of AST nodes a script may contain.
	// Expressions have no recursion or unbounded loops, so the AST
	// size bounds the work per evaluation step.
	MaxSteps int

	// Timeout is the per-evaluation wall clock budget.
	Timeout time.Duration
}

// DefaultOptions returns the engine-wide sandbox budgets.
func DefaultOptions() Options {
	return Options{
		MaxScriptLen: 4096,
		MaxSteps:     1000,
		Timeout:      5 * time.Second,
	}
}

// Evaluator compiles and runs scripts. Programs are compiled once per
// script text and cached; the cache is safe for concurrent use.
type Evaluator struct {
	opts     Options
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// New creates an evaluator with the given budgets.
func New(opts Options) *Evaluator {
	if opts.MaxScriptLen <= 0 {
		opts.MaxScriptLen = DefaultOptions().MaxScriptLen
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Evaluator{
		opts:     opts,
		compiled: make(map[string]*vm.Program),
	}
}

// Compile parses and compiles a script without running it, enforcing
// the size and step budgets. Flow compilation calls this so malformed
// scripts surface at load time, never during a run.
func (e *Evaluator) Compile(script string) error {
	if _, fault := e.program(script); fault != nil {
		return fault
	}
	return nil
}

// program returns the cached compiled program for the script,
// compiling and caching it on first use. Budget overruns are step
// limit faults; parse and compile errors are runtime faults.
func (e *Evaluator) program(script string) (*vm.Program, *Fault) {
	e.mu.RLock()
	prog, ok := e.compiled[script]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	if len(script) > e.opts.MaxScriptLen {
		return nil, &Fault{Kind: FaultStepLimit, Detail: fmt.Sprintf("script exceeds maximum length of %d bytes", e.opts.MaxScriptLen)}
	}

	tree, err := parser.Parse(script)
	if err != nil {
		return nil, &Fault{Kind: FaultRuntime, Detail: fmt.Sprintf("parse script: %v", err)}
	}
	if n := countNodes(tree.Node); n > e.opts.MaxSteps {
		return nil, &Fault{Kind: FaultStepLimit, Detail: fmt.Sprintf("script has %d nodes, exceeds step budget of %d", n, e.opts.MaxSteps)}
	}

	prog, err = expr.Compile(script)
	if err != nil {
		return nil, &Fault{Kind: FaultRuntime, Detail: fmt.Sprintf("compile script: %v", err)}
	}

	e.mu.Lock()
	e.compiled[script] = prog
	e.mu.Unlock()
	return prog, nil
}

// Evaluate runs a script with only the supplied bindings in scope and
// returns its value. Runtime errors, budget exhaustion, and context
// cancellation are reported as Faults, never as panics.
func (e *Evaluator) Evaluate(ctx context.Context, script string, bindings map[string]any) (any, *Fault) {
	prog, fault := e.program(script)
	if fault != nil {
		// A script that slipped past flow compilation still fails
		// closed here rather than crashing the run.
		return nil, fault
	}

	if err := ctx.Err(); err != nil {
		return nil, &Fault{Kind: FaultTimeout, Detail: err.Error()}
	}

	env := make(map[string]any, len(bindings))
	for k, v := range bindings {
		env[k] = v
	}

	type evalResult struct {
		value any
		fault *Fault
	}
	done := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{fault: &Fault{Kind: FaultRuntime, Detail: fmt.Sprint(r)}}
			}
		}()
		out, err := expr.Run(prog, env)
		if err != nil {
			done <- evalResult{fault: &Fault{Kind: FaultRuntime, Detail: err.Error()}}
			return
		}
		done <- evalResult{value: out}
	}()

	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.value, res.fault
	case <-timer.C:
		return nil, &Fault{Kind: FaultTimeout, Detail: fmt.Sprintf("evaluation exceeded %s budget", e.opts.Timeout)}
	case <-ctx.Done():
		return nil, &Fault{Kind: FaultTimeout, Detail: ctx.Err().Error()}
	}
}

// nodeCounter tallies AST nodes for the step budget.
type nodeCounter struct {
	n int
}

func (c *nodeCounter) Visit(node *ast.Node) {
	c.n++
}

func countNodes(node ast.Node) int {
	c := &nodeCounter{}
	ast.Walk(&node, c)
	return c.n
}
