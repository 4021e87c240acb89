package handlers

import (
	"context"
	"fmt"

	"github.com/weftlabs/weft/engine/condition"
	"github.com/weftlabs/weft/engine/executor"
)

// conditionalHandler evaluates the node's condition and reports the branch
// it selects. Edge liveness downstream keys off result / selectedBranch.
//
// Two config shapes are supported. A single condition:
//
//	{"condition": "output.score > 10"}
//
// evaluates against the nearest dependency's output and yields
// {result, selectedBranch: "true"|"false"}. A rule list:
//
//	{"branches": [{"condition": ..., "branch": "approve"}, ...],
//	 "default": "review"}
//
// evaluates rules in order; the first match selects its branch.
func conditionalHandler(deps Deps) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		output := dependencyOutput(in)
		execCtx := in.Snapshot.ExecutionContext()

		if rules, ok := in.Config["branches"].([]interface{}); ok {
			return evaluateBranches(deps, in, rules, output, execCtx)
		}

		raw, ok := in.Config["condition"]
		if !ok {
			return nil, fmt.Errorf("conditional node %q has no condition", in.Node.ID)
		}
		cond, err := condition.ParseCondition(raw)
		if err != nil {
			return nil, fmt.Errorf("conditional node %q: %w", in.Node.ID, err)
		}
		result, err := deps.Conditions.Evaluate(cond, output, execCtx)
		if err != nil {
			return nil, fmt.Errorf("conditional node %q: %w", in.Node.ID, err)
		}
		branch := "false"
		if result {
			branch = "true"
		}
		return map[string]interface{}{
			"result":         result,
			"selectedBranch": branch,
		}, nil
	}
}

func evaluateBranches(deps Deps, in executor.Input, rules []interface{}, output interface{}, execCtx map[string]interface{}) (map[string]interface{}, error) {
	for i, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("conditional node %q: branch %d is not an object", in.Node.ID, i)
		}
		branch, _ := rule["branch"].(string)
		if branch == "" {
			return nil, fmt.Errorf("conditional node %q: branch %d has no branch name", in.Node.ID, i)
		}
		cond, err := condition.ParseCondition(rule["condition"])
		if err != nil {
			return nil, fmt.Errorf("conditional node %q branch %d: %w", in.Node.ID, i, err)
		}
		met, err := deps.Conditions.Evaluate(cond, output, execCtx)
		if err != nil {
			return nil, fmt.Errorf("conditional node %q branch %d: %w", in.Node.ID, i, err)
		}
		if met {
			return map[string]interface{}{
				"result":         true,
				"selectedBranch": branch,
			}, nil
		}
	}
	if def, ok := in.Config["default"].(string); ok && def != "" {
		return map[string]interface{}{
			"result":         false,
			"selectedBranch": def,
		}, nil
	}
	return nil, fmt.Errorf("conditional node %q: no branch matched and no default set", in.Node.ID)
}

// dependencyOutput picks the condition's subject: the output of the node's
// single dependency, or the merged outputs when there are several.
func dependencyOutput(in executor.Input) map[string]interface{} {
	deps := in.Node.Dependencies
	if len(deps) == 1 {
		if out, ok := in.Snapshot.NodeOutput(deps[0]); ok {
			return out
		}
		return map[string]interface{}{}
	}
	merged := map[string]interface{}{}
	for _, dep := range deps {
		if out, ok := in.Snapshot.NodeOutput(dep); ok {
			for k, v := range out {
				merged[k] = v
			}
		}
	}
	return merged
}
