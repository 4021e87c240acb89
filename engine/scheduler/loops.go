package scheduler

import (
	"fmt"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/state"
	"github.com/weftlabs/weft/engine/workflow"
)

// seedLoop zeroes the loop's counter and stages the first item before the
// body dispatches. Callers hold r.mu.
func (r *run) seedLoop(node *workflow.Node, output map[string]interface{}) {
	loop := r.wf.LoopContexts[node.ID]
	if loop == nil {
		return
	}
	vars := map[string]interface{}{loop.IterationVariable: 0}
	if items, ok := output["items"].([]interface{}); ok && len(items) > 0 {
		vars[loop.ItemVariable] = items[0]
	}
	r.snap = r.snap.SetVariables(vars)
}

// capLoopOutput forces continueLoop=false once another pass would exceed
// maxIterations, so a runaway exit condition cannot spin the body forever.
// Callers hold r.mu.
func (r *run) capLoopOutput(node *workflow.Node, output map[string]interface{}) map[string]interface{} {
	loop := node.Loop
	if loop == nil || node.ID != loop.EndSentinelID || output == nil {
		return output
	}
	if cont, _ := output["continueLoop"].(bool); !cont {
		return output
	}
	if iterationValue(r.snap, loop)+1 < loop.MaxIterations {
		return output
	}
	capped := make(map[string]interface{}, len(output))
	for k, v := range output {
		capped[k] = v
	}
	capped["continueLoop"] = false
	return capped
}

// advanceLoop runs after a loop-end settles: archive the finished pass under
// per-iteration keys, bump the counter, and either re-arm the body for the
// next pass or leave the exit edges to carry the flow onward.
func (e *Engine) advanceLoop(r *run, node *workflow.Node, output map[string]interface{}) {
	loop := node.Loop
	if loop == nil || node.ID != loop.EndSentinelID {
		return
	}

	r.mu.Lock()
	iter := iterationValue(r.snap, loop)
	for _, id := range loopMembers(loop) {
		member := r.wf.Node(id)
		if member == nil || member.Loop != loop {
			// nested members archive under their own loop
			continue
		}
		if out, ok := r.snap.NodeOutput(id); ok {
			r.snap = r.snap.StoreNodeOutput(fmt.Sprintf("%s_%d", id, iter), out)
		}
	}
	done := iter + 1
	cont, _ := output["continueLoop"].(bool)
	vars := map[string]interface{}{loop.IterationVariable: done}
	if cont {
		if item, ok := r.itemAt(loop, done); ok {
			vars[loop.ItemVariable] = item
		}
	}
	r.snap = r.snap.SetVariables(vars)
	r.mu.Unlock()

	if !cont {
		return
	}
	r.q.ResetForIteration(loopMembers(loop))
	e.emit(r, bus.EventIterationCompleted, map[string]interface{}{
		"loopId":    loop.LoopNodeID,
		"iteration": done,
	})
}

// loopMembers is every node reset between passes: the body plus the end
// sentinel that triggered the pass.
func loopMembers(loop *workflow.LoopContext) []string {
	members := make([]string, 0, len(loop.BodyNodes)+1)
	members = append(members, loop.BodyNodes...)
	return append(members, loop.EndSentinelID)
}

// itemAt stages items[i] from the loop node's recorded output. Callers hold
// r.mu.
func (r *run) itemAt(loop *workflow.LoopContext, i int) (interface{}, bool) {
	out, ok := r.snap.NodeOutput(loop.LoopNodeID)
	if !ok {
		return nil, false
	}
	items, ok := out["items"].([]interface{})
	if !ok || i < 0 || i >= len(items) {
		return nil, false
	}
	return items[i], true
}

// iterationValue reads a loop's counter from the snapshot. Zero before the
// loop node seeds it.
func iterationValue(snap *state.Snapshot, loop *workflow.LoopContext) int {
	v, ok := snap.GetVariable(loop.IterationVariable)
	if !ok {
		return 0
	}
	n, _ := asInt(v)
	return n
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
