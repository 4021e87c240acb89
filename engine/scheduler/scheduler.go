// Package scheduler drives executions. One logical scheduler loop owns each
// run: it is the only writer to the run's queue and snapshot, dispatches up
// to maxConcurrentNodes handlers in parallel, and publishes lifecycle events
// on the bus as nodes settle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/checkpoint"
	"github.com/weftlabs/weft/engine/executor"
	"github.com/weftlabs/weft/engine/queue"
	"github.com/weftlabs/weft/engine/state"
	"github.com/weftlabs/weft/engine/waits"
	"github.com/weftlabs/weft/engine/workflow"
)

// Logger is the minimal logging surface the engine needs
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

// Publisher fans events out. The in-process bus satisfies it directly; a
// cluster relay can wrap it to mirror events onto a shared channel.
type Publisher interface {
	Emit(executionID string, event bus.EventType, data interface{})
}

const (
	DefaultMaxConcurrentNodes = 10
	DefaultKeepAliveInterval  = 30 * time.Second
	DefaultTerminalFlush      = 500 * time.Millisecond
)

// Options tune a single execution
type Options struct {
	// ExecutionID is assigned when empty. Set it to subscribe before Run.
	ExecutionID string

	// MaxConcurrentNodes caps in-flight handlers. Falls back to the
	// workflow's own setting, then to DefaultMaxConcurrentNodes.
	MaxConcurrentNodes int

	// WorkflowTimeout cancels the run when it elapses. Zero disables it.
	WorkflowTimeout time.Duration

	// KeepAliveInterval is consumed by stream adapters, carried here so one
	// options object configures a whole run.
	KeepAliveInterval time.Duration

	// TerminalFlush is how long subscribers stay open after the terminal
	// event, letting network buffers drain.
	TerminalFlush time.Duration

	// Checkpoint, when set, receives a checkpoint after every settle.
	Checkpoint checkpoint.Sink
}

func (o Options) withDefaults(wf *workflow.Workflow) Options {
	if o.ExecutionID == "" {
		o.ExecutionID = uuid.NewString()
	}
	if o.MaxConcurrentNodes <= 0 {
		o.MaxConcurrentNodes = wf.MaxConcurrentNodes
	}
	if o.MaxConcurrentNodes <= 0 {
		o.MaxConcurrentNodes = DefaultMaxConcurrentNodes
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.TerminalFlush <= 0 {
		o.TerminalFlush = DefaultTerminalFlush
	}
	return o
}

// Engine runs workflows. Safe for concurrent use; every Run gets its own
// queue and snapshot chain, sharing only the registry, bus and coordinator.
type Engine struct {
	registry *executor.Registry
	bus      *bus.Bus
	pub      Publisher
	waits    *waits.Coordinator
	log      Logger

	mu      sync.Mutex
	running map[string]*run
}

// Option configures an Engine
type Option func(*Engine)

// WithBus shares an existing bus instead of creating one
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithPublisher routes events through p instead of straight to the bus
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithWaits shares an existing wait coordinator
func WithWaits(c *waits.Coordinator) Option {
	return func(e *Engine) { e.waits = c }
}

// WithLogger sets the engine logger
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine around a handler registry
func New(registry *executor.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		running:  make(map[string]*run),
		log:      nopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.bus == nil {
		e.bus = bus.New()
	}
	if e.pub == nil {
		e.pub = e.bus
	}
	if e.waits == nil {
		e.waits = waits.NewCoordinator()
	}
	return e
}

// Bus exposes the engine's event bus for subscriptions
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Waits exposes the wait coordinator for signal delivery transports
func (e *Engine) Waits() *waits.Coordinator {
	return e.waits
}

// run is the mutable heart of one execution. The drive loop is the only
// writer to snap; the mutex covers readers on other goroutines.
type run struct {
	id     string
	wf     *workflow.Workflow
	q      *queue.Queue
	opts   Options
	cancel context.CancelFunc

	mu           sync.Mutex
	snap         *state.Snapshot
	seq          int64
	stopErr      *Error
	firstFailure *Error
	terminalSent bool
}

type nodeResult struct {
	node   *workflow.Node
	output map[string]interface{}
	err    error
}

// Run executes a workflow to its terminal state and returns the final
// outputs. On failure the outputs are partial: whatever the completed output
// nodes produced before the run ended.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, inputs map[string]interface{}, opts Options) (map[string]interface{}, error) {
	opts = opts.withDefaults(wf)

	if err := e.registry.Validate(wf); err != nil {
		return nil, &Error{Kind: KindInvalidGraph, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		id:     opts.ExecutionID,
		wf:     wf,
		q:      queue.New(wf),
		opts:   opts,
		cancel: cancel,
		snap:   state.New(inputs),
	}

	e.mu.Lock()
	if _, exists := e.running[r.id]; exists {
		e.mu.Unlock()
		return nil, &Error{Kind: KindInvalidGraph, Err: fmt.Errorf("execution %q already running", r.id)}
	}
	e.running[r.id] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, r.id)
		e.mu.Unlock()
		e.waits.ReleaseExecution(r.id)
	}()

	var timeout *time.Timer
	if opts.WorkflowTimeout > 0 {
		timeout = time.AfterFunc(opts.WorkflowTimeout, func() {
			e.stopRun(r, KindTimeout, fmt.Sprintf("workflow timed out after %s", opts.WorkflowTimeout))
		})
		defer timeout.Stop()
	}
	stopWatch := context.AfterFunc(ctx, func() {
		e.stopRun(r, KindCancelled, "context cancelled")
	})
	defer stopWatch()

	e.log.Info("execution started",
		"execution_id", r.id, "workflow_id", wf.ID, "nodes", len(wf.Nodes))
	e.emit(r, bus.EventExecutionStarted, map[string]interface{}{
		"workflowId": wf.ID,
		"totalNodes": len(wf.Nodes),
	})

	e.drive(runCtx, r)
	if timeout != nil {
		timeout.Stop()
	}
	return e.finish(r)
}

// RunStreaming runs the workflow while forwarding every frame of the
// execution to sink. It returns once the stream has been fully delivered,
// which includes the terminal flush delay.
func (e *Engine) RunStreaming(ctx context.Context, wf *workflow.Workflow, inputs map[string]interface{}, opts Options, sink bus.Sink) (map[string]interface{}, error) {
	opts = opts.withDefaults(wf)

	sub := e.bus.Subscribe(opts.ExecutionID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range sub.Frames() {
			var err error
			if f.Comment != "" {
				err = sink.SendComment(f.Comment)
			} else {
				err = sink.Send(f.Event, f.Data)
			}
			if err != nil {
				// losing a stream never kills the execution
				e.log.Warn("stream subscriber lost",
					"execution_id", opts.ExecutionID, "error", err)
				sub.Close()
				return
			}
		}
	}()

	outputs, err := e.Run(ctx, wf, inputs, opts)
	if KindOf(err) == KindInvalidGraph {
		// nothing was published, so no terminal flush will close the stream
		sub.Close()
	}
	<-done
	return outputs, err
}

// Cancel requests cancellation of a live execution. The failed event is
// published immediately; in-flight handlers are signalled and drained in the
// background. Returns false when no such execution is running.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.stopRun(r, KindCancelled, "execution cancelled")
	return true
}

// DeliverSignal resolves a pending wait on a running execution
func (e *Engine) DeliverSignal(executionID, nodeID string, payload map[string]interface{}) waits.DeliveryResult {
	return e.waits.DeliverSignal(executionID, nodeID, payload)
}

// Status describes a live execution
type Status struct {
	ExecutionID string                    `json:"executionId"`
	WorkflowID  string                    `json:"workflowId"`
	Summary     queue.Summary             `json:"summary"`
	Buckets     map[queue.Bucket][]string `json:"buckets"`
}

// ExecutionStatus reports queue state for a running execution
func (e *Engine) ExecutionStatus(executionID string) (Status, bool) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return Status{
		ExecutionID: executionID,
		WorkflowID:  r.wf.ID,
		Summary:     r.q.GetSummary(),
		Buckets:     r.q.State(),
	}, true
}

// drive dispatches ready nodes until nothing is in flight and nothing can be
// promoted. It never decides why the run stopped; finish does.
func (e *Engine) drive(ctx context.Context, r *run) {
	results := make(chan nodeResult)
	inflight := 0

	for {
		for _, id := range r.q.ReadyNodes(r.opts.MaxConcurrentNodes - inflight) {
			if err := r.q.MarkExecuting(id); err != nil {
				e.log.Error("mark executing", "execution_id", r.id, "node_id", id, "error", err)
				continue
			}
			node := r.wf.Node(id)
			snap, iter := r.snapshotFor(node)
			e.emit(r, bus.EventNodeStarted, startedData(node, iter))
			inflight++
			go e.dispatch(ctx, r, node, snap, iter, results)
		}

		if inflight == 0 {
			return
		}
		res := <-results
		inflight--
		e.settle(ctx, r, res)
	}
}

// dispatch runs one handler and reports the outcome. A panicking handler is
// reported as a node failure rather than taking the process down.
func (e *Engine) dispatch(ctx context.Context, r *run, node *workflow.Node, snap *state.Snapshot, iter int, results chan<- nodeResult) {
	var (
		output map[string]interface{}
		err    error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		meta := executor.Metadata{
			ExecutionID: r.id,
			WorkflowID:  r.wf.ID,
			NodeID:      node.ID,
			Iteration:   iter,
		}
		emit := func(event bus.EventType, data map[string]interface{}) {
			if data == nil {
				data = make(map[string]interface{}, 2)
			}
			data["nodeId"] = node.ID
			e.emit(r, event, data)
		}
		output, err = e.registry.Execute(ctx, node, snap, meta, emit)
	}()
	results <- nodeResult{node: node, output: output, err: err}
}

// settle adopts one handler outcome: store the output, move the queue,
// publish whatever settled, then run loop bookkeeping and checkpointing.
func (e *Engine) settle(ctx context.Context, r *run, res nodeResult) {
	node := res.node

	if res.err != nil && node.ContinueOnError() {
		res.output = map[string]interface{}{"error": true, "message": res.err.Error()}
		res.err = nil
	}

	if res.err != nil {
		e.log.Warn("node failed", "execution_id", r.id, "node_id", node.ID, "error", res.err)
		r.mu.Lock()
		if r.firstFailure == nil {
			r.firstFailure = &Error{Kind: KindHandlerError, NodeID: node.ID, Err: res.err}
		}
		r.mu.Unlock()
		if err := r.q.MarkFailed(node.ID, res.err); err != nil {
			e.log.Error("mark failed", "execution_id", r.id, "node_id", node.ID, "error", err)
		}
	} else {
		r.mu.Lock()
		if node.Type == workflow.NodeLoopEnd {
			res.output = r.capLoopOutput(node, res.output)
		}
		r.snap = r.snap.StoreNodeOutput(node.ID, res.output)
		if node.Type == workflow.NodeLoop {
			r.seedLoop(node, res.output)
		}
		r.mu.Unlock()
		if err := r.q.MarkCompleted(node.ID, res.output); err != nil {
			e.log.Error("mark completed", "execution_id", r.id, "node_id", node.ID, "error", err)
		}
	}

	e.publishSettles(r, node.ID, res.output)

	if res.err == nil && node.Type == workflow.NodeLoopEnd {
		e.advanceLoop(r, node, res.output)
	}

	e.emitProgress(r)
	e.saveCheckpoint(ctx, r)
}

// publishSettles drains the queue's transition log and publishes one event
// per settle, cascaded skips and failures included.
func (e *Engine) publishSettles(r *run, settledID string, output map[string]interface{}) {
	for _, tr := range r.q.DrainTransitions() {
		switch tr.Bucket {
		case queue.BucketCompleted:
			data := map[string]interface{}{"nodeId": tr.NodeID}
			if tr.NodeID == settledID {
				data["output"] = output
			}
			e.emit(r, bus.EventNodeCompleted, data)
		case queue.BucketFailed:
			e.emit(r, bus.EventNodeFailed, map[string]interface{}{
				"nodeId": tr.NodeID,
				"error":  tr.Reason,
			})
		case queue.BucketSkipped:
			data := map[string]interface{}{"nodeId": tr.NodeID}
			if tr.Reason != "" {
				data["reason"] = tr.Reason
			}
			e.emit(r, bus.EventNodeSkipped, data)
		}
	}
}

func (e *Engine) emitProgress(r *run) {
	s := r.q.GetSummary()
	e.emit(r, bus.EventExecutionProgress, map[string]interface{}{
		"completed": s.Completed,
		"failed":    s.Failed,
		"skipped":   s.Skipped,
		"total":     len(r.wf.Nodes),
	})
}

func (e *Engine) saveCheckpoint(ctx context.Context, r *run) {
	sink := r.opts.Checkpoint
	if sink == nil {
		return
	}
	r.mu.Lock()
	r.seq++
	st := checkpoint.State{
		ExecutionID: r.id,
		Seq:         r.seq,
		Snapshot:    r.snap.Clone(),
		At:          time.Now().UTC(),
	}
	r.mu.Unlock()
	st.Summary = r.q.GetSummary()
	st.Buckets = r.q.State()

	if err := sink.Save(ctx, st); err != nil {
		e.log.Warn("checkpoint save failed", "execution_id", r.id, "seq", st.Seq, "error", err)
	}
}

// stopRun is the shared cancellation path for Cancel, timeouts and context
// cancellation. The terminal event goes out here, before in-flight handlers
// drain, so subscribers learn about the stop immediately.
func (e *Engine) stopRun(r *run, kind ErrorKind, msg string) {
	r.mu.Lock()
	if r.stopErr != nil {
		r.mu.Unlock()
		return
	}
	r.stopErr = &Error{Kind: kind, Err: errors.New(msg)}
	r.mu.Unlock()

	e.log.Info("execution stopping", "execution_id", r.id, "kind", string(kind))
	r.q.Cancel()
	e.waits.CancelExecution(r.id)
	r.cancel()
	e.publishTerminal(r, bus.EventFailed, map[string]interface{}{
		"errorKind": string(kind),
		"message":   msg,
	})
}

// finish decides the terminal outcome after drive returns
func (e *Engine) finish(r *run) (map[string]interface{}, error) {
	r.mu.Lock()
	snap := r.snap
	stopErr := r.stopErr
	failure := r.firstFailure
	r.mu.Unlock()

	outputs := snap.BuildFinalOutputs(r.wf.OutputNodeIDs)
	summary := r.q.GetSummary()

	switch {
	case stopErr != nil:
		// terminal event already published by stopRun
		return outputs, stopErr

	case failure != nil:
		e.publishTerminal(r, bus.EventFailed, map[string]interface{}{
			"errorKind": string(KindHandlerError),
			"message":   failure.Err.Error(),
			"nodeId":    failure.NodeID,
		})
		return outputs, failure

	case r.q.IsExecutionComplete():
		e.log.Info("execution complete", "execution_id", r.id,
			"completed", summary.Completed, "skipped", summary.Skipped)
		e.publishTerminal(r, bus.EventComplete, map[string]interface{}{
			"outputs": outputs,
			"summary": summary,
		})
		return outputs, nil

	default:
		err := &Error{Kind: KindDeadlock, Err: errors.New("no runnable nodes but pending nodes remain")}
		e.log.Error("execution deadlocked", "execution_id", r.id, "summary", summary)
		e.publishTerminal(r, bus.EventFailed, map[string]interface{}{
			"errorKind": string(KindDeadlock),
			"message":   err.Err.Error(),
		})
		return outputs, err
	}
}

// publishTerminal emits the terminal event once and schedules the flush that
// closes this execution's subscribers.
func (e *Engine) publishTerminal(r *run, event bus.EventType, data map[string]interface{}) {
	r.mu.Lock()
	if r.terminalSent {
		r.mu.Unlock()
		return
	}
	r.terminalSent = true
	r.mu.Unlock()

	e.emit(r, event, data)
	e.bus.CloseAllAfter(r.id, r.opts.TerminalFlush)
}

// emit publishes one event, stamping the execution id into the payload so
// filters and relays can demultiplex shared channels.
func (e *Engine) emit(r *run, event bus.EventType, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data["executionId"] = r.id
	e.pub.Emit(r.id, event, data)
}

// snapshotFor captures the snapshot a node will execute against, plus its
// loop iteration when it has one.
func (r *run) snapshotFor(node *workflow.Node) (*state.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iter := 0
	if node.Loop != nil {
		iter = iterationValue(r.snap, node.Loop)
	}
	return r.snap, iter
}

func startedData(node *workflow.Node, iter int) map[string]interface{} {
	data := map[string]interface{}{
		"nodeId":   node.ID,
		"nodeType": string(node.Type),
	}
	if node.Name != "" {
		data["name"] = node.Name
	}
	if node.Loop != nil {
		data["iteration"] = iter
	}
	return data
}
