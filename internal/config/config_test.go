package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: "mqtt.example.net"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker != "mqtt.example.net" {
		t.Errorf("Broker = %q, expected mqtt.example.net", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Port != 1883 {
		t.Errorf("Port = %d, expected default 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.BaseTopic != "voltronic" {
		t.Errorf("BaseTopic = %q, expected default voltronic", cfg.MQTT.BaseTopic)
	}
	if cfg.Inverter.Port != 502 {
		t.Errorf("Inverter.Port = %d, expected default 502", cfg.Inverter.Port)
	}
	if cfg.HomeAssistant.DiscoveryPrefix != "homeassistant" {
		t.Errorf("DiscoveryPrefix = %q, expected default homeassistant", cfg.HomeAssistant.DiscoveryPrefix)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: "broker.lan"
  port: 8883
  username: "bridge"
  password: "secret"
  client_id: "inverter-bridge-1"
  base_topic: "solar"
  retry_delay: 2500

inverter:
  port: 4004

homeassistant:
  enabled: true
  discovery_prefix: "ha"
  manufacturer: "MPP Solar"
  model: "PIP-5048"

metrics:
  listen: ":9090"

logging:
  level: "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.MQTT.Port != 8883 || cfg.MQTT.Username != "bridge" || cfg.MQTT.BaseTopic != "solar" {
		t.Errorf("unexpected MQTT config: %+v", cfg.MQTT)
	}
	if cfg.MQTT.RetryDelay != 2500 {
		t.Errorf("RetryDelay = %d, expected 2500", cfg.MQTT.RetryDelay)
	}
	if cfg.Inverter.Port != 4004 {
		t.Errorf("Inverter.Port = %d, expected 4004", cfg.Inverter.Port)
	}
	if !cfg.HomeAssistant.Enabled || cfg.HomeAssistant.Model != "PIP-5048" {
		t.Errorf("unexpected Home Assistant config: %+v", cfg.HomeAssistant)
	}
	if cfg.Metrics.Listen != ":9090" {
		t.Errorf("Metrics.Listen = %q, expected :9090", cfg.Metrics.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, expected debug", cfg.Logging.Level)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with a missing explicit path expected an error")
	}
}

func TestLoadExplicitPathNeverFallsBack(t *testing.T) {
	// an unreadable explicit path must fail even when a default location
	// (./config.yaml) would resolve
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("mqtt:\n  broker: \"sneaky.lan\"\n"), 0o600); err != nil {
		t.Fatalf("writing fallback config: %v", err)
	}
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getting working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("changing directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldWD); err != nil {
			t.Fatalf("restoring working directory: %v", err)
		}
	})

	if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("Load() fell back to ./config.yaml instead of failing on the explicit path")
	}

	// without an explicit path the default location is still honored
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.MQTT.Broker != "sneaky.lan" {
		t.Errorf("Broker = %q, expected the ./config.yaml value", cfg.MQTT.Broker)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "mqtt: [broken")
	if _, err := Load(path); err == nil {
		t.Error("Load() with broken YAML expected an error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.MQTT.Broker = "broker.lan"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: false},
		{name: "missing broker", mutate: func(c *Config) { c.MQTT.Broker = "" }, wantErr: true},
		{name: "bad mqtt port", mutate: func(c *Config) { c.MQTT.Port = 0 }, wantErr: true},
		{name: "missing base topic", mutate: func(c *Config) { c.MQTT.BaseTopic = "" }, wantErr: true},
		{name: "missing client id", mutate: func(c *Config) { c.MQTT.ClientID = "" }, wantErr: true},
		{name: "inverter port too high", mutate: func(c *Config) { c.Inverter.Port = 70000 }, wantErr: true},
		{name: "inverter port zero", mutate: func(c *Config) { c.Inverter.Port = 0 }, wantErr: true},
		{name: "HA enabled without prefix", mutate: func(c *Config) {
			c.HomeAssistant.Enabled = true
			c.HomeAssistant.DiscoveryPrefix = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
