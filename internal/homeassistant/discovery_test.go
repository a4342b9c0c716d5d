package homeassistant

import (
	"encoding/json"
	"testing"

	"voltronic-mqtt-bridge/internal/config"
)

type fakePublisher struct {
	published map[string][]byte
	retained  map[string]bool
}

func (p *fakePublisher) PublishRaw(topic string, payload []byte, retained bool) error {
	if p.published == nil {
		p.published = make(map[string][]byte)
		p.retained = make(map[string]bool)
	}
	p.published[topic] = payload
	p.retained[topic] = retained
	return nil
}

func TestNewDisabledReturnsNil(t *testing.T) {
	cfg := &config.HAConfig{Enabled: false}
	if d := New(cfg, "voltronic", &fakePublisher{}); d != nil {
		t.Error("New() with discovery disabled expected nil")
	}
}

func TestAnnounce(t *testing.T) {
	cfg := &config.HAConfig{
		Enabled:         true,
		DiscoveryPrefix: "homeassistant",
		Manufacturer:    "Voltronic",
		Model:           "Axpert",
	}
	pub := &fakePublisher{}
	d := New(cfg, "voltronic", pub)

	d.Announce("96332309100452")

	if len(pub.published) != len(sensors) {
		t.Fatalf("published %d configs, expected %d", len(pub.published), len(sensors))
	}

	topic := "homeassistant/sensor/96332309100452_battery_voltage/config"
	payload, ok := pub.published[topic]
	if !ok {
		t.Fatalf("no discovery config on %s", topic)
	}
	if !pub.retained[topic] {
		t.Error("discovery config must be retained")
	}

	var sc SensorConfig
	if err := json.Unmarshal(payload, &sc); err != nil {
		t.Fatalf("discovery payload is not valid JSON: %v", err)
	}
	if sc.StateTopic != "voltronic/96332309100452/battery_voltage" {
		t.Errorf("StateTopic = %q, expected voltronic/96332309100452/battery_voltage", sc.StateTopic)
	}
	if sc.UniqueID != "96332309100452_battery_voltage" {
		t.Errorf("UniqueID = %q", sc.UniqueID)
	}
	if sc.DeviceClass != "voltage" || sc.UnitOfMeasurement != "V" {
		t.Errorf("device metadata = (%q, %q), expected (voltage, V)", sc.DeviceClass, sc.UnitOfMeasurement)
	}
	if len(sc.Device.Identifiers) != 1 || sc.Device.Identifiers[0] != "96332309100452" {
		t.Errorf("Device.Identifiers = %v", sc.Device.Identifiers)
	}
	if sc.Device.Manufacturer != "Voltronic" || sc.Device.Model != "Axpert" {
		t.Errorf("Device = %+v", sc.Device)
	}
}
