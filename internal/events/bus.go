// Package events provides a fan-out pub/sub bus for runtime events: agent
// lifecycle, envelope flow, and registration outcomes.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of runtime event.
type EventType string

const (
	EventAgentStarted     EventType = "agent_started"
	EventAgentStopped     EventType = "agent_stopped"
	EventEnvelopeReceived EventType = "envelope_received"
	EventEnvelopeDelivery EventType = "envelope_delivered"
	EventDeliveryFailed   EventType = "delivery_failed"
	EventRegistrationOK   EventType = "registration_succeeded"
	EventRegistrationFail EventType = "registration_failed"
	EventIntervalSkipped  EventType = "interval_skipped"
	EventSessionExpired   EventType = "session_expired"
)

// Event is a single runtime event published through the bus.
type Event struct {
	Type      EventType `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	Address   string    `json:"address,omitempty"`
	Session   string    `json:"session,omitempty"`
	Schema    string    `json:"schema,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
