package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/engine/state"
	"github.com/weftlabs/weft/engine/workflow"
)

func testLoop() *workflow.LoopContext {
	return &workflow.LoopContext{
		LoopNodeID:        "each",
		StartSentinelID:   "each_start",
		EndSentinelID:     "each_end",
		BodyNodes:         []string{"each_start", "process"},
		IterationVariable: "each_iteration",
		ItemVariable:      "each_item",
		MaxIterations:     100,
	}
}

func TestLoopHandler_ItemsArray(t *testing.T) {
	node := &workflow.Node{ID: "each", Type: workflow.NodeLoop}
	out, err := loopHandler(context.Background(), makeInput(node, map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, out["items"])
	assert.Equal(t, 3, out["totalItems"])
}

func TestLoopHandler_IterateOverPath(t *testing.T) {
	snap := state.New(map[string]interface{}{
		"batch": []interface{}{1.0, 2.0},
	})
	node := &workflow.Node{ID: "each", Type: workflow.NodeLoop}
	out, err := loopHandler(context.Background(), makeInput(node, map[string]interface{}{
		"iterateOver": "batch",
	}, snap))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0}, out["items"])
	assert.Equal(t, 2, out["totalItems"])
}

func TestLoopHandler_IterationCount(t *testing.T) {
	node := &workflow.Node{ID: "each", Type: workflow.NodeLoop}
	out, err := loopHandler(context.Background(), makeInput(node, map[string]interface{}{
		"iterations": 4.0,
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{0, 1, 2, 3}, out["items"])
	assert.Equal(t, 4, out["totalItems"])
}

func TestLoopHandler_WhileLoopHasNoItems(t *testing.T) {
	node := &workflow.Node{ID: "each", Type: workflow.NodeLoop}
	out, err := loopHandler(context.Background(), makeInput(node, map[string]interface{}{}, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, out["totalItems"])
	_, hasItems := out["items"]
	assert.False(t, hasItems)
}

func TestLoopHandler_NonArrayItemsFails(t *testing.T) {
	node := &workflow.Node{ID: "each", Type: workflow.NodeLoop}
	_, err := loopHandler(context.Background(), makeInput(node, map[string]interface{}{
		"items": "{{missing.path}}",
	}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not resolve to an array")
}

func TestLoopStartHandler_SurfacesIterationState(t *testing.T) {
	loop := testLoop()
	snap := state.New(nil).SetVariables(map[string]interface{}{
		"each_iteration": 2,
		"each_item":      "banana",
	})
	node := &workflow.Node{ID: "each_start", Type: workflow.NodeLoopStart, Loop: loop}

	out, err := loopStartHandler(context.Background(), makeInput(node, nil, snap))
	require.NoError(t, err)
	assert.Equal(t, 2, out["iteration"])
	assert.Equal(t, "banana", out["item"])
}

func TestLoopStartHandler_OutsideLoopDefaults(t *testing.T) {
	node := &workflow.Node{ID: "s", Type: workflow.NodeLoopStart}
	out, err := loopStartHandler(context.Background(), makeInput(node, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, out["iteration"])
}

func TestLoopEndHandler_ContinuesWhileItemsRemain(t *testing.T) {
	h := loopEndHandler(Deps{}.withDefaults())
	loop := testLoop()
	snap := state.New(nil).
		StoreNodeOutput("each", map[string]interface{}{
			"items":      []interface{}{"a", "b", "c"},
			"totalItems": 3,
		}).
		SetVariable("each_iteration", 0)
	node := &workflow.Node{ID: "each_end", Type: workflow.NodeLoopEnd, Loop: loop}

	out, err := h(context.Background(), makeInput(node, map[string]interface{}{
		"collect": "processed-a",
	}, snap))
	require.NoError(t, err)
	assert.Equal(t, true, out["continueLoop"])
	assert.Equal(t, 1, out["iteration"])
	assert.Equal(t, []interface{}{"processed-a"}, out["results"])
}

func TestLoopEndHandler_StopsOnLastItem(t *testing.T) {
	h := loopEndHandler(Deps{}.withDefaults())
	loop := testLoop()
	snap := state.New(nil).
		StoreNodeOutput("each", map[string]interface{}{
			"items":      []interface{}{"a", "b", "c"},
			"totalItems": 3,
		}).
		StoreNodeOutput("each_end", map[string]interface{}{
			"results": []interface{}{"processed-a", "processed-b"},
		}).
		SetVariable("each_iteration", 2)
	node := &workflow.Node{ID: "each_end", Type: workflow.NodeLoopEnd, Loop: loop}

	out, err := h(context.Background(), makeInput(node, map[string]interface{}{
		"collect": "processed-c",
	}, snap))
	require.NoError(t, err)
	assert.Equal(t, false, out["continueLoop"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, []interface{}{"processed-a", "processed-b", "processed-c"}, out["results"])
}

func TestLoopEndHandler_ExitConditionShortCircuits(t *testing.T) {
	h := loopEndHandler(Deps{}.withDefaults())
	loop := testLoop()
	snap := state.New(nil).
		StoreNodeOutput("each", map[string]interface{}{
			"items":      []interface{}{1, 2, 3, 4, 5},
			"totalItems": 5,
		}).
		SetVariable("each_iteration", 1)
	node := &workflow.Node{ID: "each_end", Type: workflow.NodeLoopEnd, Loop: loop}

	out, err := h(context.Background(), makeInput(node, map[string]interface{}{
		"collect": 60.0,
		"exitCondition": map[string]interface{}{
			"type":       "expr",
			"expression": "output.collected >= 50.0",
		},
	}, snap))
	require.NoError(t, err)
	assert.Equal(t, false, out["continueLoop"], "exit condition overrides remaining items")
}

func TestLoopEndHandler_WhileLoopRunsUntilExit(t *testing.T) {
	h := loopEndHandler(Deps{}.withDefaults())
	loop := testLoop()
	snap := state.New(nil).
		StoreNodeOutput("each", map[string]interface{}{"totalItems": 0}).
		SetVariable("each_iteration", 7)
	node := &workflow.Node{ID: "each_end", Type: workflow.NodeLoopEnd, Loop: loop}

	out, err := h(context.Background(), makeInput(node, map[string]interface{}{}, snap))
	require.NoError(t, err)
	assert.Equal(t, true, out["continueLoop"], "sourceless loops rely on the iteration cap")
	assert.Equal(t, 8, out["iteration"])
}

func TestLoopEndHandler_RequiresLoopContext(t *testing.T) {
	h := loopEndHandler(Deps{}.withDefaults())
	node := &workflow.Node{ID: "stray_end", Type: workflow.NodeLoopEnd}

	_, err := h(context.Background(), makeInput(node, nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no loop context")
}
