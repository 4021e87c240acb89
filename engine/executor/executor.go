// Package executor dispatches nodes to type-keyed handlers. Handlers are
// pure with respect to the engine: they read the snapshot they are given,
// never mutate it, and hand their output back for the scheduler to adopt.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/state"
	"github.com/weftlabs/weft/engine/workflow"
)

// Metadata identifies the execution a handler is running within
type Metadata struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Iteration   int
}

// EmitFunc lets a handler stream progress events (LLM tokens, thinking)
// while it runs. It never blocks.
type EmitFunc func(event bus.EventType, data map[string]interface{})

// Input is the per-node record handed to a handler. Config arrives with
// {{...}} tokens already resolved against the snapshot.
type Input struct {
	Node     *workflow.Node
	Config   map[string]interface{}
	Snapshot *state.Snapshot
	Meta     Metadata
	Emit     EmitFunc
}

// Handler executes one node type. The returned map is the node's output
// object; a non-nil error fails the node.
type Handler interface {
	Execute(ctx context.Context, in Input) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, in Input) (map[string]interface{}, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, in Input) (map[string]interface{}, error) {
	return f(ctx, in)
}

// Registry maps node types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.NodeType]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.NodeType]Handler)}
}

// Register binds a handler to a node type, replacing any previous binding
func (r *Registry) Register(t workflow.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// RegisterFunc binds a plain function to a node type
func (r *Registry) RegisterFunc(t workflow.NodeType, fn HandlerFunc) {
	r.Register(t, fn)
}

// Get looks up the handler for a node type
func (r *Registry) Get(t workflow.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Has reports whether a node type has a handler
func (r *Registry) Has(t workflow.NodeType) bool {
	_, ok := r.Get(t)
	return ok
}

// Types lists the registered node types, sorted
func (r *Registry) Types() []workflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]workflow.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate checks that every node in the workflow has a handler. A missing
// handler is a graph error, caught before dispatch begins.
func (r *Registry) Validate(wf *workflow.Workflow) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, n := range wf.Nodes {
		if _, ok := r.handlers[n.Type]; !ok {
			return fmt.Errorf("%w: no handler registered for node %q of type %q",
				workflow.ErrInvalidGraph, id, n.Type)
		}
	}
	return nil
}

// Execute resolves the node's config against the snapshot, looks up the
// handler and runs it. The handler sees a resolved copy of the config; the
// node's own config is never touched.
func (r *Registry) Execute(ctx context.Context, node *workflow.Node, snap *state.Snapshot, meta Metadata, emit EmitFunc) (map[string]interface{}, error) {
	h, ok := r.Get(node.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for node type %q", node.Type)
	}

	config := snap.ResolveConfig(node.Config)
	if config == nil {
		config = map[string]interface{}{}
	}
	if emit == nil {
		emit = func(bus.EventType, map[string]interface{}) {}
	}

	output, err := h.Execute(ctx, Input{
		Node:     node,
		Config:   config,
		Snapshot: snap,
		Meta:     meta,
		Emit:     emit,
	})
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	return output, nil
}
