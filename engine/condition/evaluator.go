// Package condition evaluates branch and loop-exit conditions. Three
// dialects are supported: CEL, expr and JSON Schema validation. Compiled
// programs are cached per evaluator, so hot loops do not recompile.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weftlabs/weft/engine/workflow"
)

// Evaluator compiles and runs conditions with per-dialect caches
type Evaluator struct {
	mu      sync.RWMutex
	cel     map[string]cel.Program
	expr    map[string]*vm.Program
	schemas map[string]*jsonschema.Schema
}

// NewEvaluator creates an evaluator with empty caches
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cel:     make(map[string]cel.Program),
		expr:    make(map[string]*vm.Program),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Evaluate runs a condition against a node output and the flattened
// execution context. Expressions see both as `output` and `ctx`.
func (e *Evaluator) Evaluate(cond *workflow.Condition, output interface{}, ctx map[string]interface{}) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("nil condition")
	}

	var result bool
	var err error
	switch cond.Type {
	case "cel", "":
		result, err = e.evaluateCEL(cond.Expression, output, ctx)
	case "expr":
		result, err = e.evaluateExpr(cond.Expression, output, ctx)
	case "schema_validation":
		result, err = e.evaluateSchema(cond, output)
	default:
		return false, fmt.Errorf("unsupported condition type: %s", cond.Type)
	}
	if err != nil {
		return false, err
	}
	if cond.Invert {
		result = !result
	}
	return result, nil
}

// evaluateCEL evaluates a CEL expression. JSONPath-style $.field is
// rewritten to output.field so workflows can use either form.
func (e *Evaluator) evaluateCEL(expression string, output, ctx interface{}) (bool, error) {
	normalized := strings.ReplaceAll(expression, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cel[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compileCEL(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cel[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compileCEL(expression string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// evaluateExpr evaluates an expr-lang expression with the same bindings
func (e *Evaluator) evaluateExpr(expression string, output, ctx interface{}) (bool, error) {
	e.mu.RLock()
	prg, exists := e.expr[expression]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = expr.Compile(expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("expr compilation error: %w", err)
		}
		e.mu.Lock()
		e.expr[expression] = prg
		e.mu.Unlock()
	}

	result, err := expr.Run(prg, map[string]interface{}{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("expr evaluation error: %w", err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expr expression must return boolean, got %T", result)
	}
	return boolResult, nil
}

// evaluateSchema treats "output conforms to schema" as true. Inline
// schemas compile from the condition; schema_ref loads through the
// compiler's resource loader.
func (e *Evaluator) evaluateSchema(cond *workflow.Condition, output interface{}) (bool, error) {
	schema, err := e.loadSchema(cond)
	if err != nil {
		return false, err
	}
	if err := schema.Validate(output); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *Evaluator) loadSchema(cond *workflow.Condition) (*jsonschema.Schema, error) {
	var key string
	var raw []byte
	if cond.SchemaRef != "" {
		key = cond.SchemaRef
	} else if cond.Schema != nil {
		b, err := json.Marshal(cond.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inline schema: %w", err)
		}
		key = string(b)
		raw = b
	} else {
		return nil, fmt.Errorf("schema_validation condition has neither schema nor schema_ref")
	}

	e.mu.RLock()
	schema, exists := e.schemas[key]
	e.mu.RUnlock()
	if exists {
		return schema, nil
	}

	var err error
	if raw != nil {
		compiler := jsonschema.NewCompiler()
		if addErr := compiler.AddResource("inline.json", bytes.NewReader(raw)); addErr != nil {
			return nil, fmt.Errorf("failed to add inline schema: %w", addErr)
		}
		schema, err = compiler.Compile("inline.json")
	} else {
		schema, err = jsonschema.Compile(cond.SchemaRef)
	}
	if err != nil {
		return nil, fmt.Errorf("schema compilation error: %w", err)
	}

	e.mu.Lock()
	e.schemas[key] = schema
	e.mu.Unlock()
	return schema, nil
}

// ClearCache drops every compiled program
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cel = make(map[string]cel.Program)
	e.expr = make(map[string]*vm.Program)
	e.schemas = make(map[string]*jsonschema.Schema)
}

// CacheSize returns the number of cached programs across dialects
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cel) + len(e.expr) + len(e.schemas)
}

// ParseCondition decodes a condition from a config value, accepting either
// a bare expression string (defaulting to CEL) or a full condition object.
func ParseCondition(v interface{}) (*workflow.Condition, error) {
	switch c := v.(type) {
	case string:
		if c == "" {
			return nil, fmt.Errorf("empty condition expression")
		}
		return &workflow.Condition{Type: "cel", Expression: c}, nil
	case map[string]interface{}:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal condition: %w", err)
		}
		var cond workflow.Condition
		if err := json.Unmarshal(b, &cond); err != nil {
			return nil, fmt.Errorf("failed to decode condition: %w", err)
		}
		return &cond, nil
	default:
		return nil, fmt.Errorf("condition must be a string or object, got %T", v)
	}
}
