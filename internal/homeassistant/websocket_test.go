package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHAServer speaks just enough of the HA WebSocket protocol for the
// handshake: auth_required, auth check, subscribe ack, then events.
type fakeHAServer struct {
	t        *testing.T
	token    string
	connects atomic.Int64
	// serve is called with the authenticated, subscribed connection.
	serve func(conn *websocket.Conn)
}

func (f *fakeHAServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	f.connects.Add(1)

	if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
		return
	}

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != f.token {
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth_ok"}); err != nil {
		return
	}

	var sub struct {
		ID        int64  `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}
	if sub.Type != "subscribe_events" || sub.EventType != "state_changed" {
		f.t.Errorf("unexpected subscription: %+v", sub)
	}
	if err := conn.WriteJSON(map[string]any{"id": sub.ID, "type": "result", "success": true}); err != nil {
		return
	}

	if f.serve != nil {
		f.serve(conn)
	}
}

func newEventTestClient(t *testing.T, f *fakeHAServer) *EventClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)

	c := NewEventClient(srv.URL, f.token, nil)
	c.reconnectDelay = 20 * time.Millisecond
	return c
}

func TestEventClient_ReceivesEvents(t *testing.T) {
	f := &fakeHAServer{t: t, token: "secret"}
	f.serve = func(conn *websocket.Conn) {
		data, _ := json.Marshal(StateChangedData{EntityID: "light.kitchen"})
		conn.WriteJSON(map[string]any{
			"type": "event",
			"event": Event{
				Type:      "state_changed",
				Data:      data,
				TimeFired: time.Now(),
			},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := newEventTestClient(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, "state_changed")

	select {
	case ev := <-c.Events():
		if ev.Type != "state_changed" {
			t.Errorf("event type = %q", ev.Type)
		}
		var change StateChangedData
		if err := json.Unmarshal(ev.Data, &change); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if change.EntityID != "light.kitchen" {
			t.Errorf("entity = %q", change.EntityID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventClient_ReconnectsAfterDrop(t *testing.T) {
	f := &fakeHAServer{t: t, token: "secret"}
	f.serve = func(conn *websocket.Conn) {
		// Drop the first connection immediately; keep later ones open.
		if f.connects.Load() == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := newEventTestClient(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, "state_changed")

	deadline := time.After(5 * time.Second)
	for f.connects.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("no reconnect after drop (connects=%d)", f.connects.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventClient_BadTokenRetries(t *testing.T) {
	f := &fakeHAServer{t: t, token: "secret"}

	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)

	c := NewEventClient(srv.URL, "wrong-token", nil)
	c.reconnectDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, "state_changed")

	deadline := time.After(5 * time.Second)
	for f.connects.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("no retry after auth failure (connects=%d)", f.connects.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventClient_RunStopsOnCancel(t *testing.T) {
	f := &fakeHAServer{t: t, token: "secret"}
	f.serve = func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := newEventTestClient(t, f)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, "state_changed")
		close(done)
	}()

	// Let it connect, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
