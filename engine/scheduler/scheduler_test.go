package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
	"github.com/weftlabs/weft/engine/waits"
	"github.com/weftlabs/weft/engine/workflow"
)

func buildWF(t *testing.T, def *workflow.Definition) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Build(def)
	require.NoError(t, err)
	return wf
}

// collectFrames drains a subscriber until the terminal flush closes it
func collectFrames(t *testing.T, sub *bus.Subscriber) []bus.Frame {
	t.Helper()
	frames := make([]bus.Frame, 0)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("timed out draining frames, got %d so far", len(frames))
		}
	}
}

func frameData(f bus.Frame) map[string]interface{} {
	m, _ := f.Data.(map[string]interface{})
	return m
}

// nodeOrder lists data["nodeId"] for every frame of the given event type
func nodeOrder(frames []bus.Frame, event bus.EventType) []string {
	order := make([]string, 0)
	for _, f := range frames {
		if f.Event == event {
			order = append(order, frameData(f)["nodeId"].(string))
		}
	}
	return order
}

func lastFrameOf(frames []bus.Frame, event bus.EventType) (bus.Frame, bool) {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return bus.Frame{}, false
}

func fixed(output map[string]interface{}) executor.HandlerFunc {
	return func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return output, nil
	}
}

func testOpts(id string) Options {
	return Options{ExecutionID: id, TerminalFlush: 5 * time.Millisecond}
}

func TestRun_LinearChain(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
			{ID: "C", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
		},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(map[string]interface{}{"step": 1}))
	reg.RegisterFunc(workflow.NodeTransform, fixed(map[string]interface{}{"step": 2}))
	reg.RegisterFunc(workflow.NodeOutput, fixed(map[string]interface{}{"step": 3}))

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-linear")

	outputs, err := eng.Run(context.Background(), wf, map[string]interface{}{"value": "hi"}, testOpts("exec-linear"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"step": 3}, outputs)

	frames := collectFrames(t, sub)
	assert.Equal(t, bus.EventConnected, frames[0].Event)
	assert.Equal(t, []string{"A", "B", "C"}, nodeOrder(frames, bus.EventNodeStarted))
	assert.Equal(t, []string{"A", "B", "C"}, nodeOrder(frames, bus.EventNodeCompleted))

	terminal, ok := lastFrameOf(frames, bus.EventComplete)
	require.True(t, ok)
	assert.Equal(t, terminal, frames[len(frames)-1], "complete must be the last frame")
	assert.Equal(t, map[string]interface{}{"step": 3}, frameData(terminal)["outputs"])
}

func TestRun_ConditionalTrueBranch(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "Cond", Type: workflow.NodeConditional},
			{ID: "B", Type: workflow.NodeTransform},
			{ID: "C", Type: workflow.NodeCode},
			{ID: "D", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "A", Target: "Cond"},
			{Source: "Cond", Target: "B", HandleType: workflow.HandleTrue},
			{Source: "Cond", Target: "C", HandleType: workflow.HandleFalse},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeConditional, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		v, _ := in.Snapshot.Inputs["value"].(int)
		branch := "false"
		if v > 10 {
			branch = "true"
		}
		return map[string]interface{}{"result": v > 10, "selectedBranch": branch}, nil
	})
	reg.RegisterFunc(workflow.NodeTransform, fixed(map[string]interface{}{"path": "B"}))
	reg.RegisterFunc(workflow.NodeCode, fixed(map[string]interface{}{"path": "C"}))
	reg.RegisterFunc(workflow.NodeOutput, fixed(map[string]interface{}{"done": true}))

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-cond")

	outputs, err := eng.Run(context.Background(), wf, map[string]interface{}{"value": 15}, testOpts("exec-cond"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"done": true}, outputs)

	frames := collectFrames(t, sub)
	assert.Equal(t, []string{"A", "Cond", "B", "D"}, nodeOrder(frames, bus.EventNodeCompleted))
	assert.Equal(t, []string{"C"}, nodeOrder(frames, bus.EventNodeSkipped))
	assert.NotContains(t, nodeOrder(frames, bus.EventNodeStarted), "C")
}

func TestRun_DiamondParallelism(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
			{ID: "C", Type: workflow.NodeCode},
			{ID: "D", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]interface{}{"from": "B"}, nil
	})
	reg.RegisterFunc(workflow.NodeCode, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]interface{}{"from": "C"}, nil
	})
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		// both parents' outputs must be visible in the snapshot handed to D
		b, bok := in.Snapshot.NodeOutput("B")
		c, cok := in.Snapshot.NodeOutput("C")
		assert.True(t, bok, "B output missing from D's view")
		assert.True(t, cok, "C output missing from D's view")
		return map[string]interface{}{"b": b["from"], "c": c["from"]}, nil
	})

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-diamond")

	outputs, err := eng.Run(context.Background(), wf, nil, testOpts("exec-diamond"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"b": "B", "c": "C"}, outputs)

	frames := collectFrames(t, sub)
	assert.Equal(t, []string{"A", "C", "B", "D"}, nodeOrder(frames, bus.EventNodeCompleted),
		"faster sibling settles first, join runs last")
}

func loopDef(maxIterations float64) *workflow.Definition {
	return &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "in", Type: workflow.NodeInput},
			{ID: "each", Type: workflow.NodeLoop, Config: map[string]interface{}{
				"iterationVariable": "iteration",
				"itemVariable":      "item",
				"maxIterations":     maxIterations,
			}},
			{ID: "each_start", Type: workflow.NodeLoopStart},
			{ID: "process", Type: workflow.NodeTransform},
			{ID: "each_end", Type: workflow.NodeLoopEnd},
			{ID: "out", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "in", Target: "each"},
			{Source: "each", Target: "each_start", HandleType: workflow.HandleLoopBody},
			{Source: "each_start", Target: "process"},
			{Source: "process", Target: "each_end"},
			{Source: "each_end", Target: "each_start", HandleType: workflow.HandleLoopBack},
			{Source: "each_end", Target: "out", HandleType: workflow.HandleLoopComplete},
		},
		EntryPoint: "in",
	}
}

func TestRun_LoopOverThreeItems(t *testing.T) {
	def := loopDef(100)
	def.Nodes[3].Config = map[string]interface{}{"value": "processed-{{item}}"}
	def.Nodes[5].Config = map[string]interface{}{
		"p0":    "{{process_0.processedItem}}",
		"p1":    "{{process_1.processedItem}}",
		"p2":    "{{process_2.processedItem}}",
		"count": "{{iteration}}",
	}
	wf := buildWF(t, def)

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeLoop, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		items, _ := in.Snapshot.Inputs["items"].([]interface{})
		return map[string]interface{}{"items": items, "totalItems": len(items)}, nil
	})
	reg.RegisterFunc(workflow.NodeLoopStart, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return map[string]interface{}{"iteration": in.Meta.Iteration}, nil
	})
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return map[string]interface{}{"processedItem": in.Config["value"]}, nil
	})
	reg.RegisterFunc(workflow.NodeLoopEnd, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		loopOut, _ := in.Snapshot.NodeOutput("each")
		total, _ := loopOut["totalItems"].(int)
		return map[string]interface{}{"continueLoop": in.Meta.Iteration+1 < total}, nil
	})
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return in.Config, nil
	})

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-loop")

	inputs := map[string]interface{}{"items": []interface{}{"apple", "banana", "cherry"}}
	outputs, err := eng.Run(context.Background(), wf, inputs, testOpts("exec-loop"))
	require.NoError(t, err)

	assert.Equal(t, "processed-apple", outputs["p0"])
	assert.Equal(t, "processed-banana", outputs["p1"])
	assert.Equal(t, "processed-cherry", outputs["p2"])
	assert.Equal(t, float64(3), outputs["count"], "loop counter reaches the item count")

	frames := collectFrames(t, sub)
	processed := make([]string, 0)
	for _, f := range frames {
		if f.Event == bus.EventNodeCompleted && frameData(f)["nodeId"] == "process" {
			out, _ := frameData(f)["output"].(map[string]interface{})
			processed = append(processed, out["processedItem"].(string))
		}
	}
	assert.Equal(t, []string{"processed-apple", "processed-banana", "processed-cherry"}, processed,
		"body completions arrive in item order")

	iterations := make([]interface{}, 0)
	for _, f := range frames {
		if f.Event == bus.EventIterationCompleted {
			iterations = append(iterations, frameData(f)["iteration"])
		}
	}
	assert.Equal(t, []interface{}{1, 2}, iterations, "one iteration_completed per re-entered pass")
}

func TestRun_LoopEarlyExit(t *testing.T) {
	def := loopDef(100)
	def.Nodes[3].Config = map[string]interface{}{"value": "{{item}}"}
	def.Nodes[5].Config = map[string]interface{}{
		"sum":     "{{each_end.sum}}",
		"count":   "{{each_end.iterationCount}}",
		"results": "{{each_end.results}}",
	}
	wf := buildWF(t, def)

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeLoop, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		items, _ := in.Snapshot.Inputs["items"].([]interface{})
		return map[string]interface{}{"items": items, "totalItems": len(items)}, nil
	})
	reg.RegisterFunc(workflow.NodeLoopStart, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		item, _ := in.Config["value"].(float64)
		return map[string]interface{}{"processed": item * 4}, nil
	})
	reg.RegisterFunc(workflow.NodeLoopEnd, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		procOut, _ := in.Snapshot.NodeOutput("process")
		value, _ := procOut["processed"].(float64)

		sum := value
		results := make([]interface{}, 0)
		if prev, ok := in.Snapshot.NodeOutput(in.Node.ID); ok {
			prevSum, _ := prev["sum"].(float64)
			sum += prevSum
			if prevResults, ok := prev["results"].([]interface{}); ok {
				results = append(results, prevResults...)
			}
		}
		results = append(results, value)
		return map[string]interface{}{
			"continueLoop":   sum < 50,
			"sum":            sum,
			"results":        results,
			"iterationCount": in.Meta.Iteration + 1,
		}, nil
	})
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return in.Config, nil
	})

	eng := New(reg)

	items := make([]interface{}, 0, 10)
	for i := 1; i <= 10; i++ {
		items = append(items, i)
	}
	outputs, err := eng.Run(context.Background(), wf, map[string]interface{}{"items": items}, testOpts("exec-early"))
	require.NoError(t, err)

	assert.Equal(t, float64(60), outputs["sum"], "4+8+12+16+20 crosses 50 on the fifth item")
	assert.Equal(t, float64(5), outputs["count"])
	results, ok := outputs["results"].([]interface{})
	require.True(t, ok)
	assert.Len(t, results, 5)
}

func TestRun_LoopMaxIterationsCap(t *testing.T) {
	def := loopDef(3)
	wf := buildWF(t, def)

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeLoop, fixed(map[string]interface{}{}))
	reg.RegisterFunc(workflow.NodeLoopStart, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, fixed(nil))
	// a while-style loop that never wants to stop
	reg.RegisterFunc(workflow.NodeLoopEnd, fixed(map[string]interface{}{"continueLoop": true}))
	reg.RegisterFunc(workflow.NodeOutput, fixed(map[string]interface{}{"done": true}))

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-cap")

	outputs, err := eng.Run(context.Background(), wf, nil, testOpts("exec-cap"))
	require.NoError(t, err, "the cap must force the loop to exit")
	assert.Equal(t, map[string]interface{}{"done": true}, outputs)

	frames := collectFrames(t, sub)
	bodyRuns := 0
	for _, id := range nodeOrder(frames, bus.EventNodeCompleted) {
		if id == "process" {
			bodyRuns++
		}
	}
	assert.Equal(t, 3, bodyRuns, "body executes exactly maxIterations times")
}

func TestRun_HandlerFailureCascades(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
			{ID: "C", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
		},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return nil, errors.New("upstream api exploded")
	})
	reg.RegisterFunc(workflow.NodeOutput, fixed(map[string]interface{}{"never": true}))

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-fail")

	outputs, err := eng.Run(context.Background(), wf, nil, testOpts("exec-fail"))
	require.Error(t, err)
	assert.Equal(t, KindHandlerError, KindOf(err))
	assert.Empty(t, outputs, "output node never ran")

	frames := collectFrames(t, sub)
	assert.Equal(t, []string{"B", "C"}, nodeOrder(frames, bus.EventNodeFailed))

	terminal, ok := lastFrameOf(frames, bus.EventFailed)
	require.True(t, ok)
	data := frameData(terminal)
	assert.Equal(t, "HandlerError", data["errorKind"])
	assert.Equal(t, "B", data["nodeId"])
}

func TestRun_ErrorPolicyContinue(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform, Config: map[string]interface{}{"errorPolicy": "continue"}},
			{ID: "C", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
		},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		return nil, errors.New("flaky step")
	})
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		b, _ := in.Snapshot.NodeOutput("B")
		return b, nil
	})

	eng := New(reg)
	outputs, err := eng.Run(context.Background(), wf, nil, testOpts("exec-continue"))
	require.NoError(t, err, "errorPolicy continue converts the failure")
	assert.Equal(t, true, outputs["error"])
	assert.Equal(t, "flaky step", outputs["message"])
}

func TestRun_WorkflowTimeout(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
		},
		Edges:      []workflow.DefinitionEdge{{Source: "A", Target: "B"}},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})

	eng := New(reg)
	opts := testOpts("exec-timeout")
	opts.WorkflowTimeout = 30 * time.Millisecond

	start := time.Now()
	_, err := eng.Run(context.Background(), wf, nil, opts)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must interrupt the blocked handler")
}

func TestCancel_PublishesBeforeHandlersDrain(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
		},
		Edges:      []workflow.DefinitionEdge{{Source: "A", Target: "B"}},
		EntryPoint: "A",
	})

	started := make(chan struct{})
	release := make(chan struct{})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		close(started)
		<-release // uncancellable work: ignores ctx
		return map[string]interface{}{"late": true}, nil
	})

	eng := New(reg)
	sub := eng.Bus().Subscribe("exec-cancel")

	runErr := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), wf, nil, testOpts("exec-cancel"))
		runErr <- err
	}()

	<-started
	require.True(t, eng.Cancel("exec-cancel"))

	// the failed event arrives while the handler is still blocked
	deadline := time.After(2 * time.Second)
	var sawFailed bool
	for !sawFailed {
		select {
		case f := <-sub.Frames():
			if f.Event == bus.EventFailed {
				assert.Equal(t, "Cancelled", frameData(f)["errorKind"])
				sawFailed = true
			}
		case <-deadline:
			t.Fatal("no failed event while handler blocked")
		}
	}

	close(release)
	err := <-runErr
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.False(t, eng.Cancel("exec-cancel"), "run already gone")
}

func TestRun_InvalidGraphWhenHandlerMissing(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes:      []workflow.DefinitionNode{{ID: "A", Type: workflow.NodeInput}},
		EntryPoint: "A",
	})

	eng := New(executor.NewRegistry())
	_, err := eng.Run(context.Background(), wf, nil, testOpts("exec-invalid"))
	require.Error(t, err)
	assert.Equal(t, KindInvalidGraph, KindOf(err))
	assert.ErrorIs(t, err, workflow.ErrInvalidGraph)
}

func TestRun_FanOutIsolation(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes:      []workflow.DefinitionNode{{ID: "A", Type: workflow.NodeInput}},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))

	eng := New(reg)
	other := eng.Bus().Subscribe("exec-other")

	_, err := eng.Run(context.Background(), wf, nil, testOpts("exec-iso"))
	require.NoError(t, err)

	select {
	case f := <-other.Frames():
		assert.Equal(t, bus.EventConnected, f.Event, "only its own connected event")
	default:
	}
	select {
	case f, ok := <-other.Frames():
		if ok {
			t.Fatalf("subscriber of another execution saw %s", f.Event)
		}
	default:
	}
	assert.True(t, other.IsConnected())
	other.Close()
}

// recordingSink collects everything RunStreaming forwards
type recordingSink struct {
	mu     sync.Mutex
	events []bus.EventType
}

func (s *recordingSink) Send(event bus.EventType, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) SendComment(string) error { return nil }

func (s *recordingSink) recorded() []bus.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.EventType, len(s.events))
	copy(out, s.events)
	return out
}

func TestRunStreaming_DeliversFullStream(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeOutput},
		},
		Edges:      []workflow.DefinitionEdge{{Source: "A", Target: "B"}},
		EntryPoint: "A",
	})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		in.Emit(bus.EventToken, map[string]interface{}{"token": "a"})
		in.Emit(bus.EventToken, map[string]interface{}{"token": "b"})
		return map[string]interface{}{"ok": true}, nil
	})

	sink := &recordingSink{}
	eng := New(reg)

	outputs, err := eng.RunStreaming(context.Background(), wf, nil, testOpts("exec-stream"), sink)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, outputs)

	events := sink.recorded()
	require.NotEmpty(t, events)
	assert.Equal(t, bus.EventConnected, events[0])
	assert.Equal(t, bus.EventComplete, events[len(events)-1])

	idx := func(e bus.EventType) int {
		for i, got := range events {
			if got == e {
				return i
			}
		}
		return -1
	}
	var bStarted int
	for i, e := range events {
		if e == bus.EventNodeStarted {
			bStarted = i // last node_started is B's
		}
	}
	assert.Greater(t, idx(bus.EventToken), bStarted, "tokens follow node_started")
}

func TestRun_ApprovalLoopWithSignals(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "in", Type: workflow.NodeInput},
			{ID: "approvals", Type: workflow.NodeLoop, Config: map[string]interface{}{
				"iterationVariable": "round",
				"itemVariable":      "approver",
			}},
			{ID: "approvals_start", Type: workflow.NodeLoopStart},
			{ID: "ask", Type: workflow.NodeWait},
			{ID: "approvals_end", Type: workflow.NodeLoopEnd},
			{ID: "decide", Type: workflow.NodeConditional},
			{ID: "execute_approved", Type: workflow.NodeTransform},
			{ID: "notify_rejection", Type: workflow.NodeCode},
			{ID: "done", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "in", Target: "approvals"},
			{Source: "approvals", Target: "approvals_start", HandleType: workflow.HandleLoopBody},
			{Source: "approvals_start", Target: "ask"},
			{Source: "ask", Target: "approvals_end"},
			{Source: "approvals_end", Target: "approvals_start", HandleType: workflow.HandleLoopBack},
			{Source: "approvals_end", Target: "decide", HandleType: workflow.HandleLoopComplete},
			{Source: "decide", Target: "execute_approved", HandleType: workflow.HandleTrue},
			{Source: "decide", Target: "notify_rejection", HandleType: workflow.HandleFalse},
			{Source: "execute_approved", Target: "done"},
			{Source: "notify_rejection", Target: "done"},
		},
		EntryPoint: "in",
	}
	wf := buildWF(t, def)

	coord := waits.NewCoordinator()

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeLoop, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		approvers, _ := in.Snapshot.Inputs["approvers"].([]interface{})
		return map[string]interface{}{"items": approvers, "totalItems": len(approvers)}, nil
	})
	reg.RegisterFunc(workflow.NodeLoopStart, fixed(nil))
	reg.RegisterFunc(workflow.NodeWait, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		ch, err := coord.Register(in.Meta.ExecutionID, in.Meta.NodeID, 5*time.Second, nil)
		if err != nil {
			return nil, err
		}
		select {
		case res := <-ch:
			return res.Output, nil
		case <-ctx.Done():
			return map[string]interface{}{"cancelled": true}, nil
		}
	})
	reg.RegisterFunc(workflow.NodeLoopEnd, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		decision, _ := in.Snapshot.NodeOutput("ask")
		decisions := make([]interface{}, 0)
		if prev, ok := in.Snapshot.NodeOutput(in.Node.ID); ok {
			if prevDecisions, ok := prev["decisions"].([]interface{}); ok {
				decisions = append(decisions, prevDecisions...)
			}
		}
		decisions = append(decisions, decision)

		loopOut, _ := in.Snapshot.NodeOutput("approvals")
		total, _ := loopOut["totalItems"].(int)
		approved := decision["decision"] == "approved"
		return map[string]interface{}{
			"continueLoop": approved && in.Meta.Iteration+1 < total,
			"decisions":    decisions,
			"finalStatus":  decision["decision"],
		}, nil
	})
	reg.RegisterFunc(workflow.NodeConditional, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		end, _ := in.Snapshot.NodeOutput("approvals_end")
		branch := "false"
		if end["finalStatus"] == "approved" {
			branch = "true"
		}
		return map[string]interface{}{"result": branch == "true", "selectedBranch": branch}, nil
	})
	reg.RegisterFunc(workflow.NodeTransform, fixed(map[string]interface{}{"finalStatus": "approved"}))
	reg.RegisterFunc(workflow.NodeCode, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		end, _ := in.Snapshot.NodeOutput("approvals_end")
		decisions, _ := end["decisions"].([]interface{})
		last, _ := decisions[len(decisions)-1].(map[string]interface{})
		return map[string]interface{}{"finalStatus": "rejected", "reason": last["comments"]}, nil
	})
	reg.RegisterFunc(workflow.NodeOutput, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		notify, _ := in.Snapshot.NodeOutput("notify_rejection")
		return notify, nil
	})

	eng := New(reg, WithWaits(coord))
	sub := eng.Bus().Subscribe("exec-approval")

	// scripted approvers answer as soon as their wait opens
	go func() {
		script := []map[string]interface{}{
			{"decision": "approved", "approverId": "mgr"},
			{"decision": "rejected", "approverId": "dir", "comments": "budget exceeded"},
		}
		for _, answer := range script {
			deadline := time.Now().Add(5 * time.Second)
			for !coord.HasPending("exec-approval", "ask") {
				if time.Now().After(deadline) {
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
			eng.DeliverSignal("exec-approval", "ask", answer)
		}
	}()

	inputs := map[string]interface{}{"approvers": []interface{}{"mgr", "dir", "vp"}}
	outputs, err := eng.Run(context.Background(), wf, inputs, testOpts("exec-approval"))
	require.NoError(t, err)

	assert.Equal(t, "rejected", outputs["finalStatus"])
	assert.Equal(t, "budget exceeded", outputs["reason"], "rejection comments survive into the final output")

	frames := collectFrames(t, sub)
	assert.Contains(t, nodeOrder(frames, bus.EventNodeSkipped), "execute_approved")
	assert.Contains(t, nodeOrder(frames, bus.EventNodeCompleted), "notify_rejection")

	iterations := 0
	for _, f := range frames {
		if f.Event == bus.EventIterationCompleted {
			iterations++
		}
	}
	assert.Equal(t, 1, iterations, "one re-entry: the second approver rejects")
}

func TestExecutionStatus_WhileRunning(t *testing.T) {
	wf := buildWF(t, &workflow.Definition{
		Nodes: []workflow.DefinitionNode{
			{ID: "A", Type: workflow.NodeInput},
			{ID: "B", Type: workflow.NodeTransform},
		},
		Edges:      []workflow.DefinitionEdge{{Source: "A", Target: "B"}},
		EntryPoint: "A",
	})

	started := make(chan struct{})
	release := make(chan struct{})

	reg := executor.NewRegistry()
	reg.RegisterFunc(workflow.NodeInput, fixed(nil))
	reg.RegisterFunc(workflow.NodeTransform, func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})

	eng := New(reg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.Run(context.Background(), wf, nil, testOpts("exec-status"))
	}()

	<-started
	st, ok := eng.ExecutionStatus("exec-status")
	require.True(t, ok)
	assert.Equal(t, 1, st.Summary.Executing)
	assert.Equal(t, 1, st.Summary.Completed)

	close(release)
	<-done
	_, ok = eng.ExecutionStatus("exec-status")
	assert.False(t, ok, "finished runs drop out of the live table")
}
