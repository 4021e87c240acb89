// Package relay mirrors bus events across replicas through redis pub/sub,
// so any instance can serve the event stream of an execution running
// elsewhere. Each execution gets its own channel; every message carries
// the origin instance id so a replica never re-consumes its own events.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	redisw "github.com/weftlabs/weft/common/redis"
	"github.com/weftlabs/weft/engine/bus"
)

// ChannelPrefix namespaces the per-execution pub/sub channels
const ChannelPrefix = "workflow:events:"

// DefaultTerminalFlush mirrors the engine's terminal drain window
const DefaultTerminalFlush = 500 * time.Millisecond

// Logger is the minimal logging surface the relay needs
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// EventPublisher is the slice of the redis client the relay publishes
// through
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel, message string) error
}

// envelope is the wire form of one relayed event
type envelope struct {
	Origin string        `json:"origin"`
	Event  bus.EventType `json:"event"`
	Data   interface{}   `json:"data"`
}

// Option configures the relay pair
type Option func(*config)

type config struct {
	origin        string
	terminalFlush time.Duration
	log           Logger
}

// WithOrigin fixes the instance id (defaults to a random uuid)
func WithOrigin(origin string) Option {
	return func(c *config) { c.origin = origin }
}

// WithTerminalFlush overrides the drain window applied after a relayed
// terminal event
func WithTerminalFlush(d time.Duration) Option {
	return func(c *config) { c.terminalFlush = d }
}

// WithLogger sets the relay's logger
func WithLogger(l Logger) Option {
	return func(c *config) { c.log = l }
}

// New creates a publisher/subscriber pair sharing one origin id
func New(b *bus.Bus, r EventPublisher, opts ...Option) (*Publisher, *Subscriber) {
	cfg := config{
		origin:        uuid.NewString(),
		terminalFlush: DefaultTerminalFlush,
		log:           nopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pub := &Publisher{bus: b, redis: r, origin: cfg.origin, log: cfg.log}
	sub := &Subscriber{bus: b, origin: cfg.origin, terminalFlush: cfg.terminalFlush, log: cfg.log}
	return pub, sub
}

// Publisher emits locally and mirrors every event onto the execution's
// cluster channel. It satisfies the engine's publisher seam.
type Publisher struct {
	bus    *bus.Bus
	redis  EventPublisher
	origin string
	log    Logger
}

// Origin returns the instance id stamped on outgoing events
func (p *Publisher) Origin() string { return p.origin }

// Emit publishes locally first, then mirrors. A redis failure never
// blocks the local stream.
func (p *Publisher) Emit(executionID string, event bus.EventType, data interface{}) {
	p.bus.Emit(executionID, event, data)

	msg, err := json.Marshal(envelope{Origin: p.origin, Event: event, Data: data})
	if err != nil {
		p.log.Warn("relay marshal failed", "execution_id", executionID, "event", event, "error", err)
		return
	}
	if err := p.redis.PublishEvent(context.Background(), ChannelPrefix+executionID, string(msg)); err != nil {
		p.log.Warn("relay publish failed", "execution_id", executionID, "event", event, "error", err)
	}
}

// Message is one raw pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscriber re-publishes cluster events into the local bus for the
// executions this instance has stream consumers on.
type Subscriber struct {
	bus           *bus.Bus
	origin        string
	terminalFlush time.Duration
	log           Logger
}

// Run consumes deliveries until the context ends or the channel closes
func (s *Subscriber) Run(ctx context.Context, msgs <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(m)
		}
	}
}

// Listen subscribes to the cluster pattern and feeds Run. Blocks until
// the context ends.
func (s *Subscriber) Listen(ctx context.Context, client *redisw.Client) error {
	pubsub := client.GetUnderlying().PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	msgs := make(chan Message, 128)
	go func() {
		defer close(msgs)
		for m := range pubsub.Channel() {
			select {
			case msgs <- Message{Channel: m.Channel, Payload: m.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.Run(ctx, msgs)
	return nil
}

func (s *Subscriber) handle(m Message) {
	executionID := strings.TrimPrefix(m.Channel, ChannelPrefix)
	if executionID == m.Channel || executionID == "" {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		s.log.Warn("relay message unreadable", "channel", m.Channel, "error", err)
		return
	}
	if env.Origin == s.origin {
		// already emitted locally by our publisher
		return
	}
	if s.bus.SubscriberCount(executionID) == 0 {
		return
	}

	// the filter drops events whose payload disagrees with the channel
	filter := &bus.Filter{
		Target:      busSink{bus: s.bus, executionID: executionID},
		FilterField: "executionId",
		FilterValue: executionID,
	}
	_ = filter.Send(env.Event, env.Data)

	if bus.IsTerminal(env.Event) {
		s.bus.CloseAllAfter(executionID, s.terminalFlush)
	}
}

// busSink adapts the local bus into the filter's sink target
type busSink struct {
	bus         *bus.Bus
	executionID string
}

func (b busSink) Send(event bus.EventType, data interface{}) error {
	b.bus.Emit(b.executionID, event, data)
	return nil
}

func (b busSink) SendComment(comment string) error {
	b.bus.EmitComment(b.executionID, comment)
	return nil
}
