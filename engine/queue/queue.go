// Package queue tracks per-execution node state across six disjoint
// buckets and decides which nodes are ready to run. All transitions are
// driven by the scheduler; the queue itself never dispatches work.
package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/engine/workflow"
)

// Bucket names one of the disjoint node states
type Bucket string

const (
	BucketPending   Bucket = "pending"
	BucketReady     Bucket = "ready"
	BucketExecuting Bucket = "executing"
	BucketCompleted Bucket = "completed"
	BucketFailed    Bucket = "failed"
	BucketSkipped   Bucket = "skipped"
)

// Summary counts nodes by bucket
type Summary struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Transition records one settle in the order it landed, cascades included.
// The scheduler drains these to publish node_failed and node_skipped events
// for nodes it never dispatched.
type Transition struct {
	NodeID string
	Bucket Bucket
	Reason string
}

// Queue owns the bucket assignment for one execution. The scheduler is the
// only writer; the mutex exists for concurrent readers (status endpoints,
// checkpoint sinks).
type Queue struct {
	mu          sync.Mutex
	wf          *workflow.Workflow
	bucket      map[string]Bucket
	outputs     map[string]map[string]interface{}
	failures    map[string]string
	transitions []Transition
	cancelled   bool
}

// New puts every node in pending except the trigger, which starts ready
func New(wf *workflow.Workflow) *Queue {
	q := &Queue{
		wf:       wf,
		bucket:   make(map[string]Bucket, len(wf.Nodes)),
		outputs:  make(map[string]map[string]interface{}),
		failures: make(map[string]string),
	}
	for id := range wf.Nodes {
		q.bucket[id] = BucketPending
	}
	q.bucket[wf.TriggerNodeID] = BucketReady
	return q
}

// ReadyNodes returns up to cap ready node ids ordered by depth then id,
// so identical runs dispatch in identical order. A cancelled queue
// returns nothing.
func (q *Queue) ReadyNodes(cap int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled || cap <= 0 {
		return nil
	}
	ready := make([]string, 0)
	for id, b := range q.bucket {
		if b == BucketReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		di, dj := q.wf.Node(ready[i]).Depth, q.wf.Node(ready[j]).Depth
		if di != dj {
			return di < dj
		}
		return ready[i] < ready[j]
	})
	if len(ready) > cap {
		ready = ready[:cap]
	}
	return ready
}

// MarkExecuting moves nodes from ready to executing
func (q *Queue) MarkExecuting(ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if q.bucket[id] != BucketReady {
			return fmt.Errorf("node %q is %s, not ready", id, q.bucket[id])
		}
	}
	for _, id := range ids {
		q.bucket[id] = BucketExecuting
	}
	return nil
}

// MarkCompleted settles a node as completed and re-evaluates its
// dependents: siblings cut off by a conditional are skipped before the
// selected branch is promoted.
//
// A loop-end completing with continueLoop=true settles without touching
// its dependents; the scheduler resets the body right after, and nodes
// past the loop exit must stay pending until the loop really finishes.
func (q *Queue) MarkCompleted(id string, output map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	node := q.wf.Node(id)
	if node == nil {
		return fmt.Errorf("unknown node %q", id)
	}
	switch q.bucket[id] {
	case BucketCompleted, BucketFailed, BucketSkipped:
		return fmt.Errorf("node %q already settled as %s", id, q.bucket[id])
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	q.bucket[id] = BucketCompleted
	q.outputs[id] = output
	q.record(id, BucketCompleted, "")

	if node.Type == workflow.NodeLoopEnd {
		if cont, _ := output["continueLoop"].(bool); cont {
			return nil
		}
	}
	q.settleDependents(id)
	return nil
}

// MarkFailed settles a node as failed and cascades failure to every
// downstream node left without an alternative live path.
func (q *Queue) MarkFailed(id string, nodeErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.wf.Node(id) == nil {
		return fmt.Errorf("unknown node %q", id)
	}
	switch q.bucket[id] {
	case BucketCompleted, BucketFailed, BucketSkipped:
		return fmt.Errorf("node %q already settled as %s", id, q.bucket[id])
	}
	q.bucket[id] = BucketFailed
	if nodeErr != nil {
		q.failures[id] = nodeErr.Error()
	}
	q.record(id, BucketFailed, q.failures[id])
	q.settleDependents(id)
	return nil
}

// MarkSkipped settles a node as skipped and cascades to dependents whose
// every live incoming edge now originates from a skipped ancestor.
func (q *Queue) MarkSkipped(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.wf.Node(id) == nil {
		return fmt.Errorf("unknown node %q", id)
	}
	switch q.bucket[id] {
	case BucketPending, BucketReady:
		q.bucket[id] = BucketSkipped
	default:
		return fmt.Errorf("node %q is %s, cannot skip", id, q.bucket[id])
	}
	q.record(id, BucketSkipped, "")
	q.settleDependents(id)
	return nil
}

// settleDependents walks outward from a freshly settled node. Dependents
// with every dependency settled either skip, fail, or queue for promotion;
// promotions apply last so skips land before any sibling becomes ready.
// Callers hold the mutex.
func (q *Queue) settleDependents(settled string) {
	walk := []string{settled}
	promote := make([]string, 0)
	queued := make(map[string]bool)

	for len(walk) > 0 {
		cur := walk[0]
		walk = walk[1:]
		for _, depID := range q.wf.Node(cur).Dependents {
			if q.bucket[depID] != BucketPending || queued[depID] {
				continue
			}
			if !q.depsSettled(depID) {
				continue
			}
			if q.liveIncoming(depID) > 0 {
				promote = append(promote, depID)
				queued[depID] = true
				continue
			}
			if q.anyDepFailed(depID) {
				q.bucket[depID] = BucketFailed
				q.failures[depID] = "upstream failed"
				q.record(depID, BucketFailed, "upstream failed")
			} else {
				q.bucket[depID] = BucketSkipped
				q.record(depID, BucketSkipped, "no live path")
			}
			walk = append(walk, depID)
		}
	}

	for _, id := range promote {
		if q.bucket[id] == BucketPending {
			q.bucket[id] = BucketReady
		}
	}
}

// record appends to the transition log. Callers hold the mutex.
func (q *Queue) record(id string, b Bucket, reason string) {
	q.transitions = append(q.transitions, Transition{NodeID: id, Bucket: b, Reason: reason})
}

// DrainTransitions returns the settles applied since the last drain, in
// order, and clears the log
func (q *Queue) DrainTransitions() []Transition {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.transitions
	q.transitions = nil
	return drained
}

func (q *Queue) depsSettled(id string) bool {
	for _, dep := range q.wf.Node(id).Dependencies {
		switch q.bucket[dep] {
		case BucketCompleted, BucketFailed, BucketSkipped:
		default:
			return false
		}
	}
	return true
}

// liveIncoming counts incoming edges whose source completed and whose
// handle is selected by that source's output
func (q *Queue) liveIncoming(id string) int {
	live := 0
	for _, e := range q.wf.Incoming(id) {
		if e.HandleType == workflow.HandleLoopBack {
			continue
		}
		if q.bucket[e.Source] != BucketCompleted {
			continue
		}
		if workflow.EdgeLive(q.wf.Node(e.Source), q.outputs[e.Source], e) {
			live++
		}
	}
	return live
}

func (q *Queue) anyDepFailed(id string) bool {
	for _, dep := range q.wf.Node(id).Dependencies {
		if q.bucket[dep] == BucketFailed {
			return true
		}
	}
	return false
}

// ResetForIteration returns completed and skipped nodes to pending for the
// next loop pass, then re-promotes whichever reset nodes are ready again
// (normally just the start sentinel, fed by the still-completed loop node).
// Failed nodes stay failed; executing nodes are left alone.
func (q *Queue) ResetForIteration(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		switch q.bucket[id] {
		case BucketCompleted, BucketSkipped:
			q.bucket[id] = BucketPending
		}
	}
	for _, id := range ids {
		if q.bucket[id] != BucketPending {
			continue
		}
		if q.depsSettled(id) && q.liveIncoming(id) > 0 {
			q.bucket[id] = BucketReady
		}
	}
}

// Cancel stops further dispatch: ReadyNodes returns nothing afterwards
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
}

// IsExecutionComplete is true once no node is pending, ready or executing
func (q *Queue) IsExecutionComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.bucket {
		switch b {
		case BucketPending, BucketReady, BucketExecuting:
			return false
		}
	}
	return true
}

// IsDeadlocked is true when nothing is running or runnable but pending
// nodes remain
func (q *Queue) IsDeadlocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := false
	for _, b := range q.bucket {
		switch b {
		case BucketReady, BucketExecuting:
			return false
		case BucketPending:
			pending = true
		}
	}
	return pending
}

// NodeBucket reports a node's current bucket
func (q *Queue) NodeBucket(id string) Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bucket[id]
}

// FailureReason returns the recorded failure message for a failed node
func (q *Queue) FailureReason(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.failures[id]
	return msg, ok
}

// GetSummary counts nodes per bucket
func (q *Queue) GetSummary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Summary
	for _, b := range q.bucket {
		switch b {
		case BucketPending:
			s.Pending++
		case BucketReady:
			s.Ready++
		case BucketExecuting:
			s.Executing++
		case BucketCompleted:
			s.Completed++
		case BucketFailed:
			s.Failed++
		case BucketSkipped:
			s.Skipped++
		}
	}
	return s
}

// State lists node ids per bucket, sorted, for checkpointing
func (q *Queue) State() map[Bucket][]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := make(map[Bucket][]string)
	for id, b := range q.bucket {
		state[b] = append(state[b], id)
	}
	for _, ids := range state {
		sort.Strings(ids)
	}
	return state
}
