package main

import (
	"fmt"
	"os"

	"voltronic-mqtt-bridge/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: validate_config <config-file>")
		os.Exit(1)
	}

	configPath := os.Args[1]
	fmt.Printf("📄 Loading config from: %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Config loaded successfully!\n")
	fmt.Printf("   MQTT Broker: %s:%d\n", cfg.MQTT.Broker, cfg.MQTT.Port)
	fmt.Printf("   MQTT Base Topic: %s\n", cfg.MQTT.BaseTopic)
	fmt.Printf("   Inverter Listener Port: %d\n", cfg.Inverter.Port)
	fmt.Printf("   Home Assistant Discovery: %v\n", cfg.HomeAssistant.Enabled)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("   Metrics Endpoint: %s\n", cfg.Metrics.Listen)
	}

	fmt.Println("\n✅ Configuration is valid!")
}
