// Package state holds immutable execution context snapshots. Every write
// returns a new snapshot sharing unchanged values with its parent, so a
// handler can keep reading the snapshot it was given while the run moves on.
package state

import (
	"encoding/json"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Metadata describes a snapshot. TotalSizeBytes is cumulative: it grows on
// every write and never shrinks, even when an output is overwritten.
type Metadata struct {
	TotalSizeBytes int64     `json:"totalSizeBytes"`
	NodeCount      int       `json:"nodeCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Snapshot is one immutable view of an execution's state
type Snapshot struct {
	NodeOutputs       map[string]map[string]interface{} `json:"nodeOutputs"`
	WorkflowVariables map[string]interface{}            `json:"workflowVariables"`
	Inputs            map[string]interface{}            `json:"inputs"`
	Metadata          Metadata                          `json:"metadata"`
}

// New creates the initial snapshot for an execution
func New(inputs map[string]interface{}) *Snapshot {
	in := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &Snapshot{
		NodeOutputs:       map[string]map[string]interface{}{},
		WorkflowVariables: map[string]interface{}{},
		Inputs:            in,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
		},
	}
}

// StoreNodeOutput returns a new snapshot with the node's output recorded.
// Overwrites replace the visible value but still add to TotalSizeBytes.
func (s *Snapshot) StoreNodeOutput(nodeID string, output map[string]interface{}) *Snapshot {
	if output == nil {
		output = map[string]interface{}{}
	}
	next := s.shallowClone()
	next.NodeOutputs[nodeID] = output
	next.Metadata.NodeCount = len(next.NodeOutputs)
	next.Metadata.TotalSizeBytes += sizeOf(output)
	return next
}

// SetVariable returns a new snapshot with the workflow variable set
func (s *Snapshot) SetVariable(name string, value interface{}) *Snapshot {
	next := s.shallowClone()
	next.WorkflowVariables[name] = value
	next.Metadata.TotalSizeBytes += sizeOf(value)
	return next
}

// SetVariables returns a new snapshot with all given variables set
func (s *Snapshot) SetVariables(vars map[string]interface{}) *Snapshot {
	if len(vars) == 0 {
		return s
	}
	next := s.shallowClone()
	for name, value := range vars {
		next.WorkflowVariables[name] = value
		next.Metadata.TotalSizeBytes += sizeOf(value)
	}
	return next
}

// GetVariable reads a workflow variable
func (s *Snapshot) GetVariable(name string) (interface{}, bool) {
	v, ok := s.WorkflowVariables[name]
	return v, ok
}

// NodeOutput reads a node's stored output
func (s *Snapshot) NodeOutput(nodeID string) (map[string]interface{}, bool) {
	out, ok := s.NodeOutputs[nodeID]
	return out, ok
}

// ExecutionContext flattens the snapshot into one addressable map.
// Precedence on key collision: variables over inputs over node outputs.
func (s *Snapshot) ExecutionContext() map[string]interface{} {
	ctx := make(map[string]interface{}, len(s.NodeOutputs)+len(s.Inputs)+len(s.WorkflowVariables))
	for id, out := range s.NodeOutputs {
		ctx[id] = out
	}
	for k, v := range s.Inputs {
		ctx[k] = v
	}
	for k, v := range s.WorkflowVariables {
		ctx[k] = v
	}
	return ctx
}

// BuildFinalOutputs merges the outputs of the given nodes in order, later
// nodes winning key collisions. Nodes without a stored output contribute
// nothing.
func (s *Snapshot) BuildFinalOutputs(outputNodeIDs []string) map[string]interface{} {
	final := map[string]interface{}{}
	for _, id := range outputNodeIDs {
		out, ok := s.NodeOutputs[id]
		if !ok {
			continue
		}
		for k, v := range out {
			final[k] = v
		}
	}
	return final
}

// Clone deep-copies the snapshot. Used when state must cross an ownership
// boundary, e.g. into a checkpoint sink.
func (s *Snapshot) Clone() *Snapshot {
	outs := make(map[string]map[string]interface{}, len(s.NodeOutputs))
	for id, out := range s.NodeOutputs {
		outs[id] = deepCopyMap(out)
	}
	return &Snapshot{
		NodeOutputs:       outs,
		WorkflowVariables: deepCopyMap(s.WorkflowVariables),
		Inputs:            deepCopyMap(s.Inputs),
		Metadata:          s.Metadata,
	}
}

// Equal compares snapshot content: outputs, variables and inputs.
// Metadata is bookkeeping and does not participate.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return jsonEqual(s.NodeOutputs, other.NodeOutputs) &&
		jsonEqual(s.WorkflowVariables, other.WorkflowVariables) &&
		jsonEqual(s.Inputs, other.Inputs)
}

// shallowClone copies the top-level maps only; stored values are shared
// with the parent snapshot and must never be mutated in place.
func (s *Snapshot) shallowClone() *Snapshot {
	outs := make(map[string]map[string]interface{}, len(s.NodeOutputs)+1)
	for id, out := range s.NodeOutputs {
		outs[id] = out
	}
	vars := make(map[string]interface{}, len(s.WorkflowVariables)+1)
	for k, v := range s.WorkflowVariables {
		vars[k] = v
	}
	return &Snapshot{
		NodeOutputs:       outs,
		WorkflowVariables: vars,
		Inputs:            s.Inputs,
		Metadata:          s.Metadata,
	}
}

func sizeOf(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func jsonEqual(a, b interface{}) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return jsonpatch.Equal(ab, bb)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return val
	}
}
