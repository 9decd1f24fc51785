package mqtt

import (
	"testing"
	"time"

	"github.com/foyerlabs/concierge/internal/config"
	"github.com/foyerlabs/concierge/internal/events"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:     "mqtt://localhost:1883",
		DeviceName: "concierge-test",
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("concierge-test")
	if info.Name != "concierge-test" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "concierge-concierge-test" {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
	if info.Model != "Concierge" {
		t.Errorf("Model = %q", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "concierge/concierge-test"},
		{"availabilityTopic", p.availabilityTopic(), "concierge/concierge-test/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "concierge/concierge-test/uptime/state"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/concierge-test/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := New(testConfig(), nil, nil)

	defs := p.sensorDefinitions()
	if len(defs) != 4 {
		t.Fatalf("expected 4 sensors, got %d", len(defs))
	}

	seen := map[string]bool{}
	for _, d := range defs {
		seen[d.entitySuffix] = true
		if d.config.UniqueID == "" {
			t.Errorf("sensor %s has no unique id", d.entitySuffix)
		}
		if d.config.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("sensor %s availability topic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.Device.Name != "concierge-test" {
			t.Errorf("sensor %s missing device block", d.entitySuffix)
		}
	}
	for _, want := range []string{"uptime", "version", "messages", "last_activity"} {
		if !seen[want] {
			t.Errorf("sensor %s missing", want)
		}
	}
}

func TestPublisher_ObserveCounters(t *testing.T) {
	p := New(testConfig(), events.New(), nil)

	now := time.Now()
	p.observe(events.Event{Timestamp: now.Add(-time.Minute), Source: events.SourceTelegram, Kind: events.KindMessageReceived})
	p.observe(events.Event{Timestamp: now, Source: events.SourceTelegram, Kind: events.KindVoiceReceived})
	p.observe(events.Event{Timestamp: now.Add(time.Minute), Source: events.SourceAlerts, Kind: events.KindAlertSent})

	messages, lastActivity := p.snapshot()
	if messages != 2 {
		t.Errorf("messages = %d, want 2", messages)
	}
	if !lastActivity.Equal(now.Add(time.Minute)) {
		t.Errorf("lastActivity = %v", lastActivity)
	}
}
