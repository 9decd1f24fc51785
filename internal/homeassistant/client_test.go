package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", nil), srv
}

func TestPing(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(APIStatus{Message: "API running."})
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestGetState(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/light.kitchen" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(State{
			EntityID:   "light.kitchen",
			State:      "on",
			Attributes: map[string]any{"friendly_name": "Kitchen Light", "brightness": 200},
		})
	})

	state, err := c.GetState(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.State != "on" {
		t.Errorf("state = %q", state.State)
	}
	if state.FriendlyName() != "Kitchen Light" {
		t.Errorf("friendly name = %q", state.FriendlyName())
	}
}

func TestGetState_NotFound(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	_, err := c.GetState(context.Background(), "light.nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[]`))
	})

	err := c.CallService(context.Background(), "light", "turn_on",
		map[string]any{"entity_id": "light.kitchen", "brightness": 128})
	if err != nil {
		t.Fatalf("call service: %v", err)
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestCallService_ServerError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.CallService(context.Background(), "light", "turn_on", nil)
	if err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestGetHistory_FlattensGroups(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter_entity_id") != "sensor.temp" {
			t.Errorf("filter_entity_id = %q", r.URL.Query().Get("filter_entity_id"))
		}
		grouped := [][]State{{
			{EntityID: "sensor.temp", State: "20.1"},
			{EntityID: "sensor.temp", State: "20.5"},
		}}
		json.NewEncoder(w).Encode(grouped)
	})

	entries, err := c.GetHistory(context.Background(), "sensor.temp", 24)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].State != "20.1" || entries[1].State != "20.5" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFriendlyName_Fallback(t *testing.T) {
	s := &State{EntityID: "sensor.temp", Attributes: map[string]any{}}
	if s.FriendlyName() != "sensor.temp" {
		t.Errorf("friendly name = %q", s.FriendlyName())
	}
}
