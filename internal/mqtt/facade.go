// Package mqtt provides the single shared MQTT client all inverter
// connections publish through, plus the topic-prefix dispatcher that routes
// inbound commands back to the connection that registered for them.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"voltronic-mqtt-bridge/internal/config"
	"voltronic-mqtt-bridge/internal/logger"
)

// Handler receives one inbound MQTT message. Handlers run synchronously on
// the broker callback goroutine and must not block on I/O.
type Handler func(topic string, payload []byte)

// Subscription is the registration token returned by Register and consumed
// by Unregister.
type Subscription struct {
	prefix  string
	handler Handler
}

// Facade is the connection-facing surface of the shared client.
type Facade interface {
	// Publish sends payload to <base>/<topicPart>.
	Publish(topicPart string, payload string) error

	// Register routes every message whose topic starts with
	// <base>/<prefix> to h.
	Register(prefix string, h Handler) *Subscription

	// Unregister removes a previous registration.
	Unregister(sub *Subscription)
}

// Client is the paho-backed Facade implementation.
type Client struct {
	client paho.Client
	config *config.MQTTConfig
	base   string

	mu            sync.Mutex
	registrations []*Subscription
	connected     bool
}

// NewClient builds the shared client. Connect must be called before use.
func NewClient(cfg *config.MQTTConfig) *Client {
	c := &Client{
		config: cfg,
		base:   cfg.BaseTopic,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing in the connect handler renews the subscription after
	// every reconnect.
	opts.SetOnConnectHandler(func(client paho.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		logger.LogInfo("connected to MQTT broker %s:%d", cfg.Broker, cfg.Port)

		connectedTopic := fmt.Sprintf("%s/connected", c.base)
		if token := client.Publish(connectedTopic, 0, false, fmt.Sprintf("%d", time.Now().Unix())); token.Wait() && token.Error() != nil {
			logger.LogError("error publishing %s: %v", connectedTopic, token.Error())
		}

		filter := fmt.Sprintf("%s/#", c.base)
		if token := client.Subscribe(filter, 0, c.onMessage); token.Wait() && token.Error() != nil {
			logger.LogError("error subscribing to %s: %v", filter, token.Error())
		} else {
			logger.LogDebug("subscribed to %s", filter)
		}
	})

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		logger.LogWarn("MQTT connection lost: %v", err)
	})

	c.client = paho.NewClient(opts)
	return c
}

// Connect connects to the broker, retrying until ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	retryDelay := time.Duration(c.config.RetryDelay) * time.Millisecond
	if retryDelay == 0 {
		retryDelay = 5 * time.Second
	}

	attempt := 1
	for {
		logger.LogDebug("connecting to MQTT broker (attempt %d)...", attempt)

		if token := c.client.Connect(); token.Wait() && token.Error() == nil {
			return nil
		} else {
			logger.LogError("MQTT connection failed (attempt %d): %v", attempt, token.Error())
		}

		attempt++
		select {
		case <-ctx.Done():
			return fmt.Errorf("MQTT connection cancelled: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client.IsConnected()
}

// Publish sends payload to <base>/<topicPart> at QoS 0.
func (c *Client) Publish(topicPart string, payload string) error {
	return c.PublishRaw(fmt.Sprintf("%s/%s", c.base, topicPart), []byte(payload), false)
}

// PublishRaw sends payload to an absolute topic, outside the base subtree.
// Used for Home Assistant discovery configs.
func (c *Client) PublishRaw(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 0, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Register adds a prefix handler and returns its token.
func (c *Client) Register(prefix string, h Handler) *Subscription {
	sub := &Subscription{prefix: prefix, handler: h}
	c.mu.Lock()
	c.registrations = append(c.registrations, sub)
	c.mu.Unlock()
	logger.LogDebug("registered MQTT handler for %s/%s", c.base, prefix)
	return sub
}

// Unregister removes a registration. Unknown tokens are ignored.
func (c *Client) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.registrations {
		if reg == sub {
			c.registrations = append(c.registrations[:i], c.registrations[i+1:]...)
			logger.LogDebug("unregistered MQTT handler for %s/%s", c.base, sub.prefix)
			return
		}
	}
}

// onMessage is the paho callback for the <base>/# subscription.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

// dispatch fans an inbound message out to every matching registration.
func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	matches := make([]*Subscription, 0, len(c.registrations))
	for _, reg := range c.registrations {
		if strings.HasPrefix(topic, fmt.Sprintf("%s/%s", c.base, reg.prefix)) {
			matches = append(matches, reg)
		}
	}
	c.mu.Unlock()

	for _, reg := range matches {
		reg.handler(topic, payload)
	}
}
