package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"voltronic-mqtt-bridge/internal/logger"
)

// Config represents the complete application configuration
type Config struct {
	MQTT          MQTTConfig           `yaml:"mqtt"`
	Inverter      InverterConfig       `yaml:"inverter"`
	HomeAssistant HAConfig             `yaml:"homeassistant"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Logging       logger.LoggingConfig `yaml:"logging"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ClientID   string `yaml:"client_id"`
	BaseTopic  string `yaml:"base_topic"`
	RetryDelay int    `yaml:"retry_delay"` // Delay between connection retries in milliseconds
}

// InverterConfig contains the inverter-side TCP listener settings
type InverterConfig struct {
	Port int `yaml:"port"`
}

// HAConfig contains Home Assistant MQTT Discovery settings
type HAConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	Manufacturer    string `yaml:"manufacturer"`
	Model           string `yaml:"model"`
}

// MetricsConfig contains the Prometheus endpoint settings. Metrics are
// disabled while Listen is empty.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with the documented defaults applied. The
// MQTT broker has no default; it must come from the config file or the
// command line.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Port:      1883,
			ClientID:  "voltronic-wifi-bridge",
			BaseTopic: "voltronic",
		},
		Inverter: InverterConfig{
			Port: 502,
		},
		HomeAssistant: HAConfig{
			DiscoveryPrefix: "homeassistant",
			Manufacturer:    "Voltronic",
			Model:           "Axpert",
		},
	}
}

// default locations searched when no explicit path is given
var defaultPaths = []string{
	"/etc/voltronic-mqtt-bridge/config.yaml",
	"/etc/voltronic-mqtt-bridge.yaml",
	"./config.yaml",
}

// Load reads configuration from the given file, or from the first readable
// default location when path is empty. An explicit path is authoritative: a
// read failure is an error, never a fallback. With no path and no default
// file the command line can supply everything.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read configuration file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing configuration from %s: %w", path, err)
		}
		return config, nil
	}

	for _, p := range defaultPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing configuration from %s: %w", p, err)
		}
		return config, nil
	}

	// no file found anywhere, run on defaults + flags
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT broker is not specified")
	}
	if c.MQTT.Port <= 0 {
		return fmt.Errorf("MQTT port must be positive")
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("MQTT base topic is not specified")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("MQTT client id is not specified")
	}
	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		return fmt.Errorf("inverter listener port %d is out of range", c.Inverter.Port)
	}
	if c.HomeAssistant.Enabled && c.HomeAssistant.DiscoveryPrefix == "" {
		return fmt.Errorf("Home Assistant discovery prefix is not specified")
	}
	return nil
}
