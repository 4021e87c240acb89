package handlers

import (
	"context"
	"fmt"

	"github.com/weftlabs/weft/engine/condition"
	"github.com/weftlabs/weft/engine/executor"
)

// loopHandler materialises the iteration source. The scheduler seeds the
// iteration variables from this output and reads items back on each pass.
//
// Item sources, first match wins:
//   - items: an array (usually the resolved form of an {{...}} token)
//   - iterateOver: a context path, resolved here if the config left it raw
//   - iterations: a count N, iterated as 0..N-1
//
// A loop with no source is a while-loop: the end sentinel's exit condition
// and maxIterations bound it.
func loopHandler(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
	items, err := loopItems(in)
	if err != nil {
		return nil, fmt.Errorf("loop node %q: %w", in.Node.ID, err)
	}
	if items == nil {
		return map[string]interface{}{"totalItems": 0}, nil
	}
	return map[string]interface{}{
		"items":      items,
		"totalItems": len(items),
	}, nil
}

func loopItems(in executor.Input) ([]interface{}, error) {
	if raw, ok := in.Config["items"]; ok {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("items did not resolve to an array (got %T)", raw)
		}
		return items, nil
	}
	if raw, ok := in.Config["iterateOver"]; ok {
		switch v := raw.(type) {
		case []interface{}:
			return v, nil
		case string:
			resolved := in.Snapshot.ResolveValue("{{" + v + "}}")
			items, ok := resolved.([]interface{})
			if !ok {
				return nil, fmt.Errorf("iterateOver %q did not resolve to an array", v)
			}
			return items, nil
		default:
			return nil, fmt.Errorf("iterateOver must be a path or an array (got %T)", raw)
		}
	}
	if raw, ok := in.Config["iterations"]; ok {
		n, ok := asCount(raw)
		if !ok || n < 0 {
			return nil, fmt.Errorf("iterations must be a non-negative number (got %v)", raw)
		}
		items := make([]interface{}, n)
		for i := range items {
			items[i] = i
		}
		return items, nil
	}
	return nil, nil
}

// loopStartHandler marks body entry. It surfaces the current iteration index
// and item so body nodes can reference {{<startId>.item}} without knowing the
// loop's variable names.
func loopStartHandler(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
	out := map[string]interface{}{"iteration": 0}
	loop := in.Node.Loop
	if loop == nil {
		return out, nil
	}
	if v, ok := in.Snapshot.GetVariable(loop.IterationVariable); ok {
		out["iteration"] = v
	}
	if v, ok := in.Snapshot.GetVariable(loop.ItemVariable); ok {
		out["item"] = v
	}
	return out, nil
}

// loopEndHandler closes one pass and decides whether the loop re-enters.
// Accumulation state lives in the node's own previous output: iteration
// resets return buckets to pending but never erase stored outputs, so the
// handler reads what it wrote last pass.
//
// Config:
//   - collect: a value gathered per pass (an {{...}} token over body outputs,
//     resolved before the handler runs), appended to results
//   - exitCondition: evaluated against the accumulated output; when it holds,
//     continueLoop is false regardless of remaining items
func loopEndHandler(deps Deps) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		loop := in.Node.Loop
		if loop == nil {
			return nil, fmt.Errorf("loop-end node %q has no loop context", in.Node.ID)
		}

		iter := 0
		if v, ok := in.Snapshot.GetVariable(loop.IterationVariable); ok {
			iter, _ = asCount(v)
		}

		var results []interface{}
		if prev, ok := in.Snapshot.NodeOutput(in.Node.ID); ok {
			if r, ok := prev["results"].([]interface{}); ok {
				results = append(results, r...)
			}
		}
		collected, hasCollect := in.Config["collect"]
		if hasCollect {
			results = append(results, collected)
		}

		out := map[string]interface{}{
			"iteration": iter + 1,
			"count":     iter + 1,
		}
		if hasCollect {
			out["results"] = results
			out["collected"] = collected
		}

		exitMet := false
		if raw, ok := in.Config["exitCondition"]; ok {
			cond, err := condition.ParseCondition(raw)
			if err != nil {
				return nil, fmt.Errorf("loop-end node %q: %w", in.Node.ID, err)
			}
			exitMet, err = deps.Conditions.Evaluate(cond, out, in.Snapshot.ExecutionContext())
			if err != nil {
				return nil, fmt.Errorf("loop-end node %q exit condition: %w", in.Node.ID, err)
			}
		}

		out["continueLoop"] = !exitMet && hasMoreItems(in, loop.LoopNodeID, iter)
		return out, nil
	}
}

// hasMoreItems reports whether the loop's item source has entries past iter.
// Sourceless while-loops always report more; exit conditions and the
// iteration cap bound them.
func hasMoreItems(in executor.Input, loopNodeID string, iter int) bool {
	out, ok := in.Snapshot.NodeOutput(loopNodeID)
	if !ok {
		return true
	}
	total, ok := asCount(out["totalItems"])
	if !ok || total == 0 {
		return true
	}
	return iter+1 < total
}

func asCount(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
