// Package waits coordinates wait nodes: human approvals, timers and
// external events. Each pending wait resolves exactly once, by signal,
// timeout or cancellation; whichever lands first wins and the rest are
// dropped.
package waits

import (
	"fmt"
	"sync"
	"time"
)

// Logger is the minimal logging surface the coordinator needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ResolutionKind says which path resolved a wait
type ResolutionKind string

const (
	ResolvedBySignal  ResolutionKind = "signal"
	ResolvedByTimeout ResolutionKind = "timeout"
	ResolvedByCancel  ResolutionKind = "cancelled"
)

// Resolution is the outcome delivered to the waiting handler
type Resolution struct {
	Kind   ResolutionKind
	Output map[string]interface{}
}

// DeliveryResult reports what happened to a signal delivery attempt
type DeliveryResult struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier is told when a wait opens, so approvers can be pinged
// out-of-band. Failures are logged and otherwise ignored.
type Notifier interface {
	Notify(executionID, nodeID string, payload map[string]interface{}) error
}

type pendingWait struct {
	executionID string
	nodeID      string
	ch          chan Resolution
	timer       *time.Timer
	resolved    bool
}

// Coordinator tracks pending waits keyed by executionId:nodeId
type Coordinator struct {
	mu       sync.Mutex
	waits    map[string]*pendingWait
	notifier Notifier
	log      Logger

	afterFunc func(time.Duration, func()) *time.Timer
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithNotifier sets the out-of-band notification target
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLogger sets the coordinator's logger
func WithLogger(l Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator creates an empty coordinator
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		waits:     make(map[string]*pendingWait),
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func waitKey(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}

// Register opens a pending wait and returns the channel its resolution
// arrives on. A timeout of zero or less waits indefinitely. Re-registering
// a resolved wait re-arms it (loop bodies run the same wait node once per
// iteration); re-registering an open wait is an error.
func (c *Coordinator) Register(executionID, nodeID string, timeout time.Duration, notifyPayload map[string]interface{}) (<-chan Resolution, error) {
	key := waitKey(executionID, nodeID)

	c.mu.Lock()
	if existing, ok := c.waits[key]; ok && !existing.resolved {
		c.mu.Unlock()
		return nil, fmt.Errorf("wait %s is already open", key)
	}
	w := &pendingWait{
		executionID: executionID,
		nodeID:      nodeID,
		ch:          make(chan Resolution, 1),
	}
	c.waits[key] = w
	if timeout > 0 {
		w.timer = c.afterFunc(timeout, func() {
			c.resolve(executionID, nodeID, Resolution{
				Kind:   ResolvedByTimeout,
				Output: map[string]interface{}{"timedOut": true},
			})
		})
	}
	notifier := c.notifier
	c.mu.Unlock()

	if notifier != nil && notifyPayload != nil {
		go func() {
			if err := notifier.Notify(executionID, nodeID, notifyPayload); err != nil && c.log != nil {
				c.log.Warn("wait notification failed",
					"execution_id", executionID, "node_id", nodeID, "error", err)
			}
		}()
	}
	return w.ch, nil
}

// DeliverSignal resolves a pending wait with an external decision. The
// first delivery wins; later ones report already-resolved.
func (c *Coordinator) DeliverSignal(executionID, nodeID string, payload map[string]interface{}) DeliveryResult {
	output := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		output[k] = v
	}
	if _, ok := output["timestamp"]; !ok {
		output["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	c.mu.Lock()
	w, ok := c.waits[waitKey(executionID, nodeID)]
	if !ok {
		c.mu.Unlock()
		return DeliveryResult{Delivered: false, Reason: "not-found"}
	}
	if w.resolved {
		c.mu.Unlock()
		return DeliveryResult{Delivered: false, Reason: "already-resolved"}
	}
	c.resolveLocked(w, Resolution{Kind: ResolvedBySignal, Output: output})
	c.mu.Unlock()

	if c.log != nil {
		c.log.Info("wait signal delivered", "execution_id", executionID, "node_id", nodeID)
	}
	return DeliveryResult{Delivered: true}
}

// CancelExecution resolves every open wait of an execution with a
// cancellation output
func (c *Coordinator) CancelExecution(executionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := 0
	for _, w := range c.waits {
		if w.executionID != executionID || w.resolved {
			continue
		}
		c.resolveLocked(w, Resolution{
			Kind:   ResolvedByCancel,
			Output: map[string]interface{}{"cancelled": true},
		})
		cancelled++
	}
	return cancelled
}

// ReleaseExecution drops every wait record of a finished execution,
// resolved tombstones included
func (c *Coordinator) ReleaseExecution(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, w := range c.waits {
		if w.executionID != executionID {
			continue
		}
		if !w.resolved && w.timer != nil {
			w.timer.Stop()
		}
		delete(c.waits, key)
	}
}

// PendingCount reports how many waits are open (unresolved)
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := 0
	for _, w := range c.waits {
		if !w.resolved {
			open++
		}
	}
	return open
}

// HasPending reports whether a specific wait is open
func (c *Coordinator) HasPending(executionID, nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waits[waitKey(executionID, nodeID)]
	return ok && !w.resolved
}

func (c *Coordinator) resolve(executionID, nodeID string, res Resolution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.waits[waitKey(executionID, nodeID)]
	if !ok || w.resolved {
		return false
	}
	c.resolveLocked(w, res)
	return true
}

// resolveLocked finalizes a wait. The record stays behind as a resolved
// tombstone so a late duplicate signal can be told apart from a wait that
// never existed. Callers hold the mutex.
func (c *Coordinator) resolveLocked(w *pendingWait, res Resolution) {
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- res
	close(w.ch)
}
