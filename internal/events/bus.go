// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (telegram
// bot, agent loop, scheduler, alert dispatcher) to subscribers such as
// the MQTT status publisher. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTelegram identifies events from the Telegram transport.
	SourceTelegram = "telegram"
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceAlerts identifies events from the alert dispatcher.
	SourceAlerts = "alerts"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an incoming user message.
	// Data: conversation, message_len.
	KindMessageReceived = "message_received"
	// KindVoiceReceived signals an incoming voice message.
	// Data: conversation, duration_s.
	KindVoiceReceived = "voice_received"
	// KindReplySent signals a reply was delivered.
	// Data: conversation, reply_len.
	KindReplySent = "reply_sent"

	// KindTaskFired signals a scheduled task has executed.
	// Data: task, service.
	KindTaskFired = "task_fired"

	// KindAlertSent signals a state-change alert was dispatched.
	// Data: entity, recipients.
	KindAlertSent = "alert_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
