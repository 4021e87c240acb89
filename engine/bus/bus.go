// Package bus is the per-execution event fan-out layer. Publishers never
// block: a subscriber that cannot keep up is disconnected rather than
// slowing the execution down.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSubscriberClosed is returned by sends on a disconnected subscriber.
// Losing a subscriber never propagates to the execution.
var ErrSubscriberClosed = errors.New("subscriber closed")

// EventType names one lifecycle or streaming event
type EventType string

const (
	EventConnected          EventType = "connected"
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionProgress  EventType = "execution_progress"
	EventNodeStarted        EventType = "node_started"
	EventNodeCompleted      EventType = "node_completed"
	EventNodeFailed         EventType = "node_failed"
	EventNodeSkipped        EventType = "node_skipped"
	EventIterationCompleted EventType = "iteration_completed"
	EventThinkingStart      EventType = "thinking_start"
	EventThinkingToken      EventType = "thinking_token"
	EventThinkingComplete   EventType = "thinking_complete"
	EventToken              EventType = "token"
	EventPlanDetected       EventType = "plan_detected"
	EventComplete           EventType = "complete"
	EventError              EventType = "error"
	EventFailed             EventType = "failed"
	EventPaused             EventType = "paused"
)

// IsTerminal reports whether an event ends the stream
func IsTerminal(t EventType) bool {
	switch t {
	case EventComplete, EventError, EventFailed:
		return true
	}
	return false
}

// Frame is one unit on a subscriber's stream: an event or a comment
type Frame struct {
	Comment string      `json:"comment,omitempty"`
	Event   EventType   `json:"event,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Sink receives events. Subscribers and filters both implement it.
type Sink interface {
	Send(event EventType, data interface{}) error
	SendComment(comment string) error
}

// Bus routes events to the subscribers of each execution
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscriber

	// afterFunc is swappable so tests can drive the terminal flush with a
	// fake clock
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		subs:      make(map[string][]*Subscriber),
		afterFunc: time.AfterFunc,
	}
}

// Subscribe registers a new subscriber for an execution and immediately
// delivers the connected event.
func (b *Bus) Subscribe(executionID string) *Subscriber {
	sub := &Subscriber{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		frames:      make(chan Frame, 256),
		bus:         b,
	}

	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], sub)
	b.mu.Unlock()

	sub.Send(EventConnected, map[string]interface{}{"executionId": executionID})
	return sub
}

// Emit publishes an event to every subscriber of the execution. With no
// subscribers it is a silent no-op. The subscriber list is snapshotted
// under the lock; sends happen outside it.
func (b *Bus) Emit(executionID string, event EventType, data interface{}) {
	for _, sub := range b.snapshot(executionID) {
		sub.Send(event, data)
	}
}

// EmitComment writes a comment frame to every subscriber of the execution
func (b *Bus) EmitComment(executionID, comment string) {
	for _, sub := range b.snapshot(executionID) {
		sub.SendComment(comment)
	}
}

// CloseAllAfter schedules Close on every current subscriber of the
// execution after the delay. This is the terminal flush: the final event
// is already on each subscriber's stream and gets the delay to drain.
func (b *Bus) CloseAllAfter(executionID string, delay time.Duration) {
	for _, sub := range b.snapshot(executionID) {
		s := sub
		if delay <= 0 {
			s.Close()
			continue
		}
		b.afterFunc(delay, s.Close)
	}
}

// SubscriberCount reports how many subscribers an execution has
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

func (b *Bus) snapshot(executionID string) []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[executionID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Subscriber, len(subs))
	copy(out, subs)
	return out
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.ExecutionID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.ExecutionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.ExecutionID]) == 0 {
		delete(b.subs, sub.ExecutionID)
	}
}

// Subscriber is one consumer of an execution's event stream
type Subscriber struct {
	ID          string
	ExecutionID string

	mu           sync.Mutex
	frames       chan Frame
	disconnected bool
	onDisconnect []func()
	bus          *Bus
}

// Frames is the subscriber's ordered stream of events and comments. The
// channel closes when the subscriber disconnects.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Send queues an event frame. A full buffer means the consumer is not
// draining; the subscriber is disconnected rather than blocking the
// publisher.
func (s *Subscriber) Send(event EventType, data interface{}) error {
	return s.push(Frame{Event: event, Data: data})
}

// SendComment queues a comment frame (keepalives use this)
func (s *Subscriber) SendComment(comment string) error {
	return s.push(Frame{Comment: comment})
}

func (s *Subscriber) push(f Frame) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	select {
	case s.frames <- f:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		s.Close()
		return ErrSubscriberClosed
	}
}

// OnDisconnect registers a handler fired exactly once when the subscriber
// disconnects. Registering after disconnection fires immediately.
func (s *Subscriber) OnDisconnect(fn func()) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		fn()
		return
	}
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// IsConnected reports whether the subscriber still receives frames
func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnected
}

// Close disconnects the subscriber: the frame channel closes, disconnect
// handlers fire once, and the bus forgets the subscriber. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	handlers := s.onDisconnect
	s.onDisconnect = nil
	close(s.frames)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	s.bus.remove(s)
}
