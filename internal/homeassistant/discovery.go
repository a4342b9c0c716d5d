// Package homeassistant publishes MQTT discovery configs so Home Assistant
// auto-creates entities for every inverter the bridge learns about.
package homeassistant

import (
	"encoding/json"
	"fmt"

	"voltronic-mqtt-bridge/internal/config"
	"voltronic-mqtt-bridge/internal/logger"
)

// RawPublisher is the facade surface discovery needs: retained publishes to
// absolute topics outside the bridge base subtree.
type RawPublisher interface {
	PublishRaw(topic string, payload []byte, retained bool) error
}

// Discovery announces the sensors of discovered inverters.
type Discovery struct {
	config *config.HAConfig
	base   string
	pub    RawPublisher
}

// New creates a discovery publisher, or nil when discovery is disabled.
func New(cfg *config.HAConfig, baseTopic string, pub RawPublisher) *Discovery {
	if !cfg.Enabled {
		return nil
	}
	return &Discovery{config: cfg, base: baseTopic, pub: pub}
}

// SensorConfig is the Home Assistant discovery payload for one sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo groups the sensors of one inverter under a single HA device.
type DeviceInfo struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// sensor describes one published field worth announcing.
type sensor struct {
	field       string
	name        string
	unit        string
	deviceClass string
	stateClass  string
}

// the steady-state telemetry fields published per serial
var sensors = []sensor{
	{"grid_voltage", "Grid Voltage", "V", "voltage", "measurement"},
	{"grid_frequency", "Grid Frequency", "Hz", "frequency", "measurement"},
	{"output_voltage", "Output Voltage", "V", "voltage", "measurement"},
	{"output_frequency", "Output Frequency", "Hz", "frequency", "measurement"},
	{"output_va", "Output Apparent Power", "VA", "apparent_power", "measurement"},
	{"output_w", "Output Power", "W", "power", "measurement"},
	{"output_load_percent", "Output Load", "%", "", "measurement"},
	{"bus_voltage", "Bus Voltage", "V", "voltage", "measurement"},
	{"battery_voltage", "Battery Voltage", "V", "voltage", "measurement"},
	{"battery_charging_current", "Battery Charging Current", "A", "current", "measurement"},
	{"battery_discharging_current", "Battery Discharging Current", "A", "current", "measurement"},
	{"battery_SOC", "Battery State of Charge", "%", "battery", "measurement"},
	{"inverter_heatsink_temp", "Heatsink Temperature", "°C", "temperature", "measurement"},
	{"mode", "Run Mode", "", "", ""},
	{"output_source_priority", "Output Source Priority", "", "", ""},
	{"charger_source_priority", "Charger Source Priority", "", "", ""},
}

// Announce publishes retained discovery configs for every sensor of the
// given inverter serial.
func (d *Discovery) Announce(serial string) {
	device := DeviceInfo{
		Name:         fmt.Sprintf("Inverter %s", serial),
		Identifiers:  []string{serial},
		Manufacturer: d.config.Manufacturer,
		Model:        d.config.Model,
	}

	for _, s := range sensors {
		cfg := SensorConfig{
			Name:              s.name,
			UniqueID:          fmt.Sprintf("%s_%s", serial, s.field),
			StateTopic:        fmt.Sprintf("%s/%s/%s", d.base, serial, s.field),
			UnitOfMeasurement: s.unit,
			DeviceClass:       s.deviceClass,
			StateClass:        s.stateClass,
			Device:            device,
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			logger.LogError("error serializing discovery config for %s: %v", s.field, err)
			continue
		}

		topic := fmt.Sprintf("%s/sensor/%s_%s/config", d.config.DiscoveryPrefix, serial, s.field)
		if err := d.pub.PublishRaw(topic, payload, true); err != nil {
			logger.LogError("error publishing discovery for %s: %v", s.field, err)
		}
	}

	logger.LogInfo("published Home Assistant discovery for inverter %s", serial)
}
