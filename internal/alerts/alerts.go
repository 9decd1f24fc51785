// Package alerts turns Home Assistant state_changed events into
// per-conversation notifications for watched entities.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foyerlabs/concierge/internal/events"
	"github.com/foyerlabs/concierge/internal/homeassistant"
	"github.com/foyerlabs/concierge/internal/store"
)

// Notifier delivers a message to a conversation's user.
type Notifier interface {
	Notify(conversationKey, text string) error
}

// Dispatcher fans state changes out to every conversation watching the
// entity. Each recipient is notified on its own goroutine so one slow
// or failing delivery never blocks the others.
type Dispatcher struct {
	store    *store.Store
	notifier Notifier
	events   <-chan homeassistant.Event
	bus      *events.Bus
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. bus may be nil.
func NewDispatcher(st *store.Store, notifier Notifier, eventCh <-chan homeassistant.Event, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		notifier: notifier,
		events:   eventCh,
		bus:      bus,
		logger:   logger,
	}
}

// Run consumes events until ctx is cancelled or the event channel
// closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("alert dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("alert dispatcher stopped")
			return
		case ev, ok := <-d.events:
			if !ok {
				d.logger.Info("alert dispatcher stopped: event channel closed")
				return
			}
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev homeassistant.Event) {
	if ev.Type != "state_changed" {
		return
	}

	var change homeassistant.StateChangedData
	if err := json.Unmarshal(ev.Data, &change); err != nil {
		d.logger.Warn("bad state_changed payload", "error", err)
		return
	}
	if change.OldState == nil && change.NewState == nil {
		return
	}
	if change.OldState != nil && change.NewState != nil &&
		change.OldState.State == change.NewState.State {
		// Attribute-only update, suppress.
		return
	}

	keys, err := d.store.ConversationsWatching(change.EntityID)
	if err != nil {
		d.logger.Error("alert lookup failed",
			"entity", change.EntityID, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	text := formatAlert(change)
	d.logger.Info("dispatching alert",
		"entity", change.EntityID,
		"recipients", len(keys))

	for _, key := range keys {
		go func(key string) {
			if err := d.notifier.Notify(key, text); err != nil {
				d.logger.Warn("alert delivery failed",
					"conversation", key, "error", err)
			}
		}(key)
	}

	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAlerts,
		Kind:      events.KindAlertSent,
		Data:      map[string]any{"entity": change.EntityID, "recipients": len(keys)},
	})
}

// formatAlert renders a state change for the user. A removed entity
// (new state missing) reads as a transition to "unknown".
func formatAlert(change homeassistant.StateChangedData) string {
	name := change.EntityID
	newState := "unknown"
	if change.NewState != nil {
		name = change.NewState.FriendlyName()
		newState = change.NewState.State
	} else if change.OldState != nil {
		name = change.OldState.FriendlyName()
	}
	if change.OldState == nil {
		return fmt.Sprintf("%s is now %s", name, newState)
	}
	return fmt.Sprintf("%s changed from %s to %s",
		name, change.OldState.State, newState)
}
