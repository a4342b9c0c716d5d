package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voltronic-mqtt-bridge/internal/engine"
	"voltronic-mqtt-bridge/internal/homeassistant"
	"voltronic-mqtt-bridge/internal/logger"
	"voltronic-mqtt-bridge/internal/metrics"
	"voltronic-mqtt-bridge/internal/mqtt"
	"voltronic-mqtt-bridge/internal/protocol"
)

const readTimeout = 100 * time.Millisecond

// Connection owns one inverter TCP socket and drives its query engine. All
// socket I/O happens on the Run goroutine; the MQTT command handler only
// enqueues work.
type Connection struct {
	conn   net.Conn
	remote string
	eng    *engine.Engine
	broker mqtt.Facade
	ha     *homeassistant.Discovery

	// how long to let the inverter settle before closing a connection
	// that hit the invalid-response ceiling
	settleDelay time.Duration

	recv     []byte
	exit     atomic.Bool
	exitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	serial string // serial currently bound to the command handler
	sub    *mqtt.Subscription
}

func newConnection(conn net.Conn, eng *engine.Engine, broker mqtt.Facade, ha *homeassistant.Discovery) *Connection {
	return &Connection{
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		eng:         eng,
		broker:      broker,
		ha:          ha,
		settleDelay: 10 * time.Second,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Exit requests a cooperative shutdown; Run observes it within one loop
// iteration, settle delay included.
func (c *Connection) Exit() {
	c.exitOnce.Do(func() {
		c.exit.Store(true)
		close(c.quit)
	})
}

// Done is closed once Run has finished and the socket is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Run is the connection loop: schedule, transmit under pacing, read with a
// short deadline, decode, dispatch. It returns when the peer drops, the exit
// flag is set or the invalid-response ceiling is reached.
func (c *Connection) Run() {
	logger.LogInfo("new inverter connection from %s", c.remote)
	defer c.teardown()

	buf := make([]byte, 2048)
	for !c.exit.Load() {
		c.eng.Tick()

		if q := c.eng.NextToSend(); q != nil {
			frame := protocol.Encode(q.Counter, q.Request.Preamble(), q.Request.Payload())
			if _, err := c.conn.Write(frame); err != nil {
				logger.LogInfo("connection from %s has dropped: %v", c.remote, err)
				return
			}
			metrics.Default.QueriesSent.Inc()
			logger.LogDebug("sent %s (counter %#04x) to %s", q.Request.Payload(), q.Counter, c.remote)
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.recv = append(c.recv, buf[:n]...)
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				// idle; timeouts pace the loop
			case errors.Is(err, io.EOF):
				logger.LogInfo("connection from %s has dropped", c.remote)
				return
			default:
				logger.LogWarn("read error from %s: %v", c.remote, err)
				return
			}
		}

		if !c.drainFrames() {
			return
		}

		if c.eng.InvalidCount() >= engine.InvalidResponseCeiling {
			logger.LogError("%d invalid responses from %s, letting the inverter settle before closing", c.eng.InvalidCount(), c.remote)
			settle := time.NewTimer(c.settleDelay)
			select {
			case <-settle.C:
			case <-c.quit:
				settle.Stop()
			}
			return
		}
	}
}

// drainFrames decodes every complete frame in the receive buffer. It
// returns false when the stream cannot be realigned.
func (c *Connection) drainFrames() bool {
	for {
		frame, n, ok, err := protocol.Next(c.recv)
		if n > 0 {
			c.recv = c.recv[n:]
		}

		switch {
		case errors.Is(err, protocol.ErrDesync):
			metrics.Default.FramingErrors.Inc()
			c.eng.RecordInvalid()
			logger.LogError("cannot realign stream from %s, closing", c.remote)
			return false
		case err != nil:
			metrics.Default.FramingErrors.Inc()
			count := c.eng.RecordInvalid()
			logger.LogWarn("damaged frame from %s: %v (%d/%d)", c.remote, err, count, engine.InvalidResponseCeiling)
		case !ok && n == 0:
			// need more data
			return true
		case !ok:
			// dropped garbage bytes, scan again
		default:
			metrics.Default.FramesDecoded.Inc()
			c.handleFrame(frame)
		}
	}
}

// handleFrame correlates one reply, decodes it and fans the results out to
// MQTT.
func (c *Connection) handleFrame(frame protocol.Frame) {
	q, decoded, err := c.eng.HandleReply(frame)
	if q == nil {
		metrics.Default.RepliesOrphaned.Inc()
		logger.LogDebug("reply with unknown counter %#04x from %s; ignoring", frame.Counter, c.remote)
		return
	}

	if err != nil {
		if errors.Is(err, protocol.ErrNAK) {
			if q.Request.Preamble() == protocol.PreambleSetting {
				metrics.Default.SettingsRejected.Inc()
				logger.LogWarn("inverter %s rejected setting %s", c.remote, q.Request.Payload())
			} else {
				logger.LogDebug("NAK for %s from %s; skipping", q.Request.Payload(), c.remote)
			}
			return
		}
		count := c.eng.RecordInvalid()
		logger.LogWarn("invalid reply to %s from %s: %v (%d/%d)", q.Request.Payload(), c.remote, err, count, engine.InvalidResponseCeiling)
		return
	}

	if decoded.Protocol != nil {
		logger.LogInfo("inverter at %s speaks protocol %d", c.remote, *decoded.Protocol)
	}
	if decoded.Serial != "" {
		c.bindSerial(decoded.Serial)
	}

	serial := c.eng.Serial()
	if serial == "" || len(decoded.Fields) == 0 {
		return
	}

	for _, field := range decoded.Fields {
		if err := c.broker.Publish(fmt.Sprintf("%s/%s", serial, field.Topic), field.Value); err != nil {
			logger.LogError("error publishing %s for %s: %v", field.Topic, serial, err)
			continue
		}
		metrics.Default.MessagesPublished.Inc()
	}
}

// bindSerial points the MQTT command subscription at the discovered serial,
// replacing the previous binding when the serial changes.
func (c *Connection) bindSerial(serial string) {
	if serial == c.serial {
		return
	}
	if c.sub != nil {
		c.broker.Unregister(c.sub)
	}
	c.sub = c.broker.Register(fmt.Sprintf("%s/command", serial), c.handleCommand)
	c.serial = serial
	logger.LogInfo("inverter serial %s discovered on %s", serial, c.remote)

	if c.ha != nil {
		c.ha.Announce(serial)
	}
}

// handleCommand translates inbound command topics into setting queries. It
// runs on the MQTT callback goroutine and must not block; enqueueing is the
// only action taken.
func (c *Connection) handleCommand(topic string, payload []byte) {
	value := string(payload)

	switch {
	case strings.HasSuffix(topic, "/command/set_output_priority"):
		req, err := protocol.NewSetOutputPriority(value)
		if err != nil {
			logger.LogWarn("dropping command on %s: %v", topic, err)
			return
		}
		c.eng.Enqueue(req)
		logger.LogInfo("queued output priority change to %s for %s", value, c.eng.Serial())
	case strings.HasSuffix(topic, "/command/set_charge_priority"):
		req, err := protocol.NewSetChargePriority(value)
		if err != nil {
			logger.LogWarn("dropping command on %s: %v", topic, err)
			return
		}
		c.eng.Enqueue(req)
		logger.LogInfo("queued charge priority change to %s for %s", value, c.eng.Serial())
	default:
		logger.LogDebug("unhandled command topic %s", topic)
	}
}

// teardown releases the MQTT binding and closes the socket, shutting the
// write side down first so the dongle sees an orderly close.
func (c *Connection) teardown() {
	if c.sub != nil {
		c.broker.Unregister(c.sub)
		c.sub = nil
	}
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = c.conn.Close()
	logger.LogInfo("closed connection from %s", c.remote)
	close(c.done)
}
