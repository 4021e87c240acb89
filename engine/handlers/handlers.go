// Package handlers implements the built-in node types. Each handler follows
// the executor contract: its config arrives with {{...}} tokens already
// resolved, it never mutates the snapshot it reads, and the scheduler adopts
// whatever output it returns.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/weftlabs/weft/engine/condition"
	"github.com/weftlabs/weft/engine/executor"
	"github.com/weftlabs/weft/engine/waits"
	"github.com/weftlabs/weft/engine/workflow"
)

// Logger is the minimal logging surface handlers need
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Deps carries the shared services the built-in handlers use
type Deps struct {
	Conditions *condition.Evaluator
	Waits      *waits.Coordinator
	HTTPClient *http.Client
	Guard      *URLGuard
	LLM        LLMOptions
	Logger     Logger
}

func (d Deps) withDefaults() Deps {
	if d.Conditions == nil {
		d.Conditions = condition.NewEvaluator()
	}
	if d.Waits == nil {
		d.Waits = waits.NewCoordinator()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Guard == nil {
		d.Guard = NewURLGuard()
	}
	if d.Logger == nil {
		d.Logger = nopLogger{}
	}
	return d
}

// Register wires every built-in node type into the registry
func Register(reg *executor.Registry, deps Deps) {
	deps = deps.withDefaults()
	runner := newExprRunner()

	reg.RegisterFunc(workflow.NodeInput, inputHandler)
	reg.RegisterFunc(workflow.NodeOutput, outputHandler)
	reg.RegisterFunc(workflow.NodeTransform, transformHandler(runner))
	reg.RegisterFunc(workflow.NodeCode, codeHandler(runner))
	reg.RegisterFunc(workflow.NodeConditional, conditionalHandler(deps))
	reg.RegisterFunc(workflow.NodeLoop, loopHandler)
	reg.RegisterFunc(workflow.NodeLoopStart, loopStartHandler)
	reg.RegisterFunc(workflow.NodeLoopEnd, loopEndHandler(deps))
	reg.RegisterFunc(workflow.NodeWait, waitHandler(deps))

	httpH := httpHandler(deps)
	reg.Register(workflow.NodeHTTP, httpH)
	// integrations are HTTP calls with connection details in the config
	reg.Register(workflow.NodeIntegration, httpH)

	reg.Register(workflow.NodeLLM, newLLMHandler(deps))
}

// inputHandler surfaces the execution inputs as the trigger's output.
// Config values act as defaults; runtime inputs win on collision.
func inputHandler(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in.Config)+len(in.Snapshot.Inputs))
	for k, v := range in.Config {
		out[k] = v
	}
	for k, v := range in.Snapshot.Inputs {
		out[k] = v
	}
	return out, nil
}

// outputHandler shapes the workflow's final output. With a config it returns
// the resolved config; without one it merges the outputs of its completed
// dependencies in definition order.
func outputHandler(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
	if len(in.Config) > 0 {
		return in.Config, nil
	}
	out := make(map[string]interface{})
	for _, dep := range in.Node.Dependencies {
		if o, ok := in.Snapshot.NodeOutput(dep); ok {
			for k, v := range o {
				out[k] = v
			}
		}
	}
	return out, nil
}

// transformHandler reshapes context data. mappings project resolved values
// under new keys; an expression runs through expr for anything structural.
func transformHandler(runner *exprRunner) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		if m, ok := in.Config["mappings"].(map[string]interface{}); ok {
			return m, nil
		}
		if src, ok := in.Config["expression"].(string); ok && src != "" {
			result, err := runner.run(src, in.Snapshot.ExecutionContext())
			if err != nil {
				return nil, fmt.Errorf("transform expression: %w", err)
			}
			return wrapResult(result), nil
		}
		// a bare config is itself the mapping
		return in.Config, nil
	}
}

// codeHandler evaluates an expr program from config.code. The execution
// context binds at the top level; args adds explicit named values.
func codeHandler(runner *exprRunner) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		src, _ := in.Config["code"].(string)
		if src == "" {
			return nil, fmt.Errorf("code node %q has no code", in.Node.ID)
		}
		env := in.Snapshot.ExecutionContext()
		if args, ok := in.Config["args"].(map[string]interface{}); ok {
			merged := make(map[string]interface{}, len(env)+len(args))
			for k, v := range env {
				merged[k] = v
			}
			for k, v := range args {
				merged[k] = v
			}
			env = merged
		}
		result, err := runner.run(src, env)
		if err != nil {
			return nil, fmt.Errorf("code node %q: %w", in.Node.ID, err)
		}
		return wrapResult(result), nil
	}
}

// wrapResult boxes a non-object result so node outputs stay objects
func wrapResult(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": v}
}

// exprRunner compiles and caches expr programs, shared by the transform and
// code handlers
type exprRunner struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newExprRunner() *exprRunner {
	return &exprRunner{programs: make(map[string]*vm.Program)}
}

func (r *exprRunner) run(src string, env map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	prg, ok := r.programs[src]
	r.mu.RUnlock()

	if !ok {
		var err error
		prg, err = expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile: %w", err)
		}
		r.mu.Lock()
		r.programs[src] = prg
		r.mu.Unlock()
	}
	return expr.Run(prg, env)
}
