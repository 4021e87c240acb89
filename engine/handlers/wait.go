package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
)

// waitHandler parks the node until a signal, timeout or cancellation
// resolves it. It emits paused so stream consumers know the execution is
// blocked on the outside world, registers the wait, then blocks.
//
// Config: {waitType: "human-input"|"timer"|"event", timeoutMs?, notify?}.
// The resolution payload becomes the node's output, annotated with
// resolvedBy.
func waitHandler(deps Deps) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		waitType, _ := in.Config["waitType"].(string)
		if waitType == "" {
			waitType = "human-input"
		}

		var timeout time.Duration
		if ms, ok := asCount(in.Config["timeoutMs"]); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		notify, _ := in.Config["notify"].(map[string]interface{})

		ch, err := deps.Waits.Register(in.Meta.ExecutionID, in.Node.ID, timeout, notify)
		if err != nil {
			return nil, fmt.Errorf("wait node %q: %w", in.Node.ID, err)
		}

		if in.Emit != nil {
			data := map[string]interface{}{"waitType": waitType}
			if timeout > 0 {
				data["timeoutMs"] = timeout.Milliseconds()
			}
			in.Emit(bus.EventPaused, data)
		}

		select {
		case res := <-ch:
			out := make(map[string]interface{}, len(res.Output)+1)
			for k, v := range res.Output {
				out[k] = v
			}
			out["resolvedBy"] = string(res.Kind)
			return out, nil
		case <-ctx.Done():
			return map[string]interface{}{"cancelled": true, "resolvedBy": "cancelled"}, nil
		}
	}
}
