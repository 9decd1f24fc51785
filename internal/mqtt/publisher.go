// Package mqtt publishes concierge status sensors to a broker using
// Home Assistant MQTT discovery, so the assistant shows up as a device
// with uptime, activity and message counters.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/foyerlabs/concierge/internal/buildinfo"
	"github.com/foyerlabs/concierge/internal/config"
	"github.com/foyerlabs/concierge/internal/events"
)

const (
	discoveryPrefix = "homeassistant"
	publishInterval = 60 * time.Second
)

// Publisher manages the MQTT connection, publishes HA discovery
// configs on (re-)connect, and pushes sensor state updates on a fixed
// interval. Counters are fed by the operational event bus.
type Publisher struct {
	cfg    config.MQTTConfig
	device DeviceInfo
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu           sync.Mutex
	messages     int64
	lastActivity time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		device: NewDeviceInfo(cfg.DeviceName),
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the MQTT broker and runs until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and an online
// availability message; a broker-side will message flips availability
// to offline if the process dies uncleanly.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "concierge-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an offline availability message before closing the
// MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// ObserveEvents consumes bus events and updates the activity counters
// until ctx is cancelled. Run it on its own goroutine.
func (p *Publisher) ObserveEvents(ctx context.Context) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.observe(ev)
		}
	}
}

func (p *Publisher) observe(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case events.KindMessageReceived, events.KindVoiceReceived:
		p.messages++
		p.lastActivity = ev.Timestamp
	case events.KindReplySent, events.KindTaskFired, events.KindAlertSent:
		p.lastActivity = ev.Timestamp
	}
}

func (p *Publisher) snapshot() (messages int64, lastActivity time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages, p.lastActivity
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "concierge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return discoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              p.device.Name + " Uptime",
				UniqueID:          p.device.Identifiers[0] + "_uptime",
				StateTopic:        p.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              p.device.Name + " Version",
				UniqueID:          p.device.Identifiers[0] + "_version",
				StateTopic:        p.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "messages",
			config: SensorConfig{
				Name:              p.device.Name + " Messages",
				UniqueID:          p.device.Identifiers[0] + "_messages",
				StateTopic:        p.stateTopic("messages"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:chat-processing",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "messages",
			},
		},
		{
			entitySuffix: "last_activity",
			config: SensorConfig{
				Name:              p.device.Name + " Last Activity",
				UniqueID:          p.device.Identifiers[0] + "_last_activity",
				StateTopic:        p.stateTopic("last_activity"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-check",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	messages, lastActivity := p.snapshot()

	states := map[string]string{
		"uptime":   buildinfo.Uptime().Truncate(time.Second).String(),
		"version":  buildinfo.Version,
		"messages": strconv.FormatInt(messages, 10),
	}
	if !lastActivity.IsZero() {
		states["last_activity"] = lastActivity.Format(time.RFC3339)
	} else {
		states["last_activity"] = "never"
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
