package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData represents the data payload for state_changed events.
// OldState is nil for newly created entities; NewState is nil when an
// entity is removed.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventClient maintains a WebSocket subscription to Home Assistant
// events. It is a persistent background process: on any transport
// close it waits a fixed delay, then re-authenticates and
// re-subscribes from scratch. Missed events are not recovered.
type EventClient struct {
	baseURL        string
	token          string
	reconnectDelay time.Duration
	events         chan Event
	logger         *slog.Logger
}

// DefaultReconnectDelay is the fixed wait between reconnection attempts.
const DefaultReconnectDelay = 10 * time.Second

// NewEventClient creates an event client. Call [EventClient.Run] to
// start the subscription loop.
func NewEventClient(baseURL, token string, logger *slog.Logger) *EventClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventClient{
		baseURL:        baseURL,
		token:          token,
		reconnectDelay: DefaultReconnectDelay,
		events:         make(chan Event, 100),
		logger:         logger,
	}
}

// Events returns the channel on which subscribed events are delivered.
func (c *EventClient) Events() <-chan Event {
	return c.events
}

// Run connects, subscribes to eventType, and pumps events until ctx is
// cancelled. Any connection or read failure triggers a reconnect after
// the fixed delay. Run blocks the calling goroutine.
func (c *EventClient) Run(ctx context.Context, eventType string) {
	for {
		conn, err := c.connect(ctx, eventType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("event subscription failed, reconnecting",
				"error", err,
				"delay", c.reconnectDelay,
			)
			if !sleepCtx(ctx, c.reconnectDelay) {
				return
			}
			continue
		}

		c.logger.Info("subscribed to events", "event_type", eventType)
		c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("event stream closed, reconnecting", "delay", c.reconnectDelay)
		if !sleepCtx(ctx, c.reconnectDelay) {
			return
		}
	}
}

// connect dials the WebSocket endpoint, performs the auth handshake,
// and subscribes to eventType. The returned connection is live and
// delivering events.
func (c *EventClient) connect(ctx context.Context, eventType string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	// Phase 1: authentication. The server opens with auth_required.
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return nil, fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		conn.Close()
		return nil, fmt.Errorf("authentication failed")
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	// Phase 2: subscription. A fresh connection starts from message id 1.
	if err := conn.WriteJSON(map[string]any{
		"id":         1,
		"type":       "subscribe_events",
		"event_type": eventType,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	var subResp wsMessage
	if err := conn.ReadJSON(&subResp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe response: %w", err)
	}
	if subResp.Type != "result" || !subResp.Success {
		conn.Close()
		if subResp.Error != nil {
			return nil, fmt.Errorf("subscribe failed: %s: %s", subResp.Error.Code, subResp.Error.Message)
		}
		return nil, fmt.Errorf("subscribe failed")
	}

	return conn, nil
}

// readLoop pumps events from conn to the events channel until the
// connection drops or ctx is cancelled.
func (c *EventClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadJSON when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}
		case "pong":
			// Keepalive, ignore.
		default:
			c.logger.Debug("unhandled websocket message type", "type", msg.Type)
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
