package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"voltronic-mqtt-bridge/internal/config"
	"voltronic-mqtt-bridge/internal/homeassistant"
	"voltronic-mqtt-bridge/internal/logger"
	"voltronic-mqtt-bridge/internal/metrics"
	"voltronic-mqtt-bridge/internal/mqtt"
	"voltronic-mqtt-bridge/internal/server"
)

// Application wires the MQTT client, the inverter acceptor and the optional
// Home Assistant discovery together.
type Application struct {
	config *config.Config
	broker *mqtt.Client
	server *server.Server
}

// NewApplication loads configuration, applies command-line overrides and
// builds the component graph.
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(&cfg.Logging)
	logger.LogStartup("Logging initialized with level: %s", cfg.Logging.Level)

	broker := mqtt.NewClient(&cfg.MQTT)
	ha := homeassistant.New(&cfg.HomeAssistant, cfg.MQTT.BaseTopic, broker)
	srv := server.New(cfg.Inverter.Port, broker, ha)

	return &Application{
		config: cfg,
		broker: broker,
		server: srv,
	}, nil
}

// Start connects to the broker and launches the acceptor and, when
// configured, the metrics endpoint. It blocks until ctx is cancelled or a
// component fails.
func (app *Application) Start(ctx context.Context) error {
	logger.LogInfo("🚀 Starting Voltronic MQTT bridge...")

	if err := app.broker.Connect(ctx); err != nil {
		return fmt.Errorf("error connecting to MQTT broker: %w", err)
	}

	metrics.Default.Register()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return app.server.ListenAndServe()
	})

	if addr := app.config.Metrics.Listen; addr != "" {
		group.Go(func() error {
			logger.LogInfo("serving Prometheus metrics on %s", addr)
			return metrics.Httpd(addr)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		app.server.Shutdown()
		return nil
	})

	logger.LogInfo("✅ Voltronic MQTT bridge started")
	return group.Wait()
}

// Stop disconnects from the broker after the acceptor has drained.
func (app *Application) Stop() {
	logger.LogInfo("🛑 Stopping Voltronic MQTT bridge...")
	app.broker.Disconnect()
	logger.LogInfo("✅ Voltronic MQTT bridge stopped")
}

func main() {
	var (
		configPath = flag.String("config", "", "path to the configuration file")
		user       = flag.String("user", "", "MQTT username")
		password   = flag.String("password", "", "MQTT password")
		baseTopic  = flag.String("topic", "", "MQTT base topic")
		listenPort = flag.Int("port", 0, "inverter listener port")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <mqtt_host> [mqtt_port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// positional broker host/port and flags override the file
	if host := flag.Arg(0); host != "" {
		cfg.MQTT.Broker = host
	}
	if portArg := flag.Arg(1); portArg != "" {
		port, err := strconv.Atoi(portArg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid MQTT port %q\n", portArg)
			os.Exit(1)
		}
		cfg.MQTT.Port = port
	}
	if *user != "" {
		cfg.MQTT.Username = *user
	}
	if *password != "" {
		cfg.MQTT.Password = *password
	}
	if *baseTopic != "" {
		cfg.MQTT.BaseTopic = *baseTopic
	}
	if *listenPort != 0 {
		cfg.Inverter.Port = *listenPort
	}

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Application creation error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.LogInfo("📢 Stop signal received...")
		cancel()
	}()

	if err := app.Start(ctx); err != nil && ctx.Err() == nil {
		logger.LogError("Application error: %v", err)
		app.Stop()
		os.Exit(1)
	}

	app.Stop()
}
