package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind is a closed enumeration of every event Sokovan emits. Consumers
// are expected to switch exhaustively over Kind; adding a new kind is a
// deliberate act, not a free-form string a publisher can invent.
type Kind string

const (
	SessionScheduledEvent  Kind = "session.scheduled"
	SessionTerminatedEvent Kind = "session.terminated"
	RouteCreatedEvent      Kind = "route.created"
	SessionEnqueuedEvent   Kind = "session.enqueued"
	KernelStartedEvent     Kind = "kernel.started"
	AgentLostEvent         Kind = "agent.lost"
)

// Event is the envelope carried over both delivery modes. Payload
// holds kind-specific detail not already covered by the identifier
// fields, as a string-keyed map to keep the wire format stable across
// schema growth.
type Event struct {
	Kind       Kind
	Timestamp  time.Time
	SessionID  string
	KernelID   string
	EndpointID string
	Payload    map[string]string
}

// anycastGroup is the single queue group every anycast subscriber
// joins; NATS delivers each message to exactly one member.
const anycastGroup = "session-creators"

// Bus publishes Sokovan events over NATS: broadcast subjects reach
// every subscriber (core NATS publish/subscribe), anycast subjects
// reach exactly one member of a queue group.
type Bus struct {
	conn *nats.Conn
}

// NewBus wraps an already-connected NATS client.
func NewBus(conn *nats.Conn) *Bus {
	return &Bus{conn: conn}
}

// PublishBroadcast delivers event to every subscriber of subject.
// SessionScheduledEvent and SessionTerminatedEvent use this mode so
// every API-layer subscriber observes the transition.
func (b *Bus) PublishBroadcast(subject string, event Event) error {
	if b.conn == nil {
		return nil
	}
	data, err := encode(event)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish broadcast event on %s: %w", subject, err)
	}
	return nil
}

// PublishAnycast delivers event to exactly one consumer of group.
// RouteCreatedEvent uses this mode: only the manager replica whose
// session-creation worker happens to be listening should act on it.
func (b *Bus) PublishAnycast(subject, group string, event Event) error {
	if b.conn == nil {
		return nil
	}
	data, err := encode(event)
	if err != nil {
		return err
	}
	// Core NATS has no native anycast-publish primitive; queue-group
	// semantics apply on the subscribe side, so an anycast publish is a
	// plain publish with the group name folded into the subject to keep
	// independent queue groups from colliding on one subject.
	if err := b.conn.Publish(subject+"."+group, data); err != nil {
		return fmt.Errorf("publish anycast event on %s.%s: %w", subject, group, err)
	}
	return nil
}

// Subscriber is a function invoked for every event a subscription
// receives.
type Subscriber func(Event)

// SubscribeBroadcast registers fn against every message on subject.
func (b *Bus) SubscribeBroadcast(subject string, fn Subscriber) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, natsHandler(fn))
	if err != nil {
		return nil, fmt.Errorf("subscribe broadcast on %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeAnycast joins queue group on subject, so fn fires for a
// share of messages split across every process in the group.
func (b *Bus) SubscribeAnycast(subject, group string, fn Subscriber) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject+"."+group, group, natsHandler(fn))
	if err != nil {
		return nil, fmt.Errorf("subscribe anycast on %s.%s: %w", subject, group, err)
	}
	return sub, nil
}

func natsHandler(fn Subscriber) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		fn(event)
	}
}

func encode(event Event) ([]byte, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
