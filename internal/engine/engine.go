// Package engine holds the per-connection query state: the outstanding
// request table keyed by the envelope counter, the paced send queue and the
// discovery/steady-state scheduler.
package engine

import (
	"math/rand"
	"sync"
	"time"

	"voltronic-mqtt-bridge/internal/logger"
	"voltronic-mqtt-bridge/internal/metrics"
	"voltronic-mqtt-bridge/internal/protocol"
)

const (
	// ScheduleInterval is the period of the polling scheduler.
	ScheduleInterval = 5 * time.Second

	// ReplyTimeout is how long a transmitted query may stay unanswered
	// before timeout GC drops it.
	ReplyTimeout = 10 * time.Second

	// InvalidResponseCeiling is the number of invalid responses after
	// which a connection is torn down.
	InvalidResponseCeiling = 10
)

// Query is one outstanding request. Transmitted stays zero while the query
// waits in the send queue.
type Query struct {
	Counter     uint16
	Request     protocol.Request
	Created     time.Time
	Transmitted time.Time
}

// Engine tracks the request lifecycle of a single inverter connection. All
// methods are safe for concurrent use; the lock is never held across I/O.
type Engine struct {
	mu  sync.Mutex
	now func() time.Time

	counter     uint16
	outstanding map[uint16]*Query
	queue       []*Query

	lastScheduled time.Time

	protocolVersion *int
	serial          string
	firmware        map[string]string
	firmwareProbed  bool

	invalidCount int
}

// New creates an engine on the wall clock.
func New() *Engine {
	return NewWithClock(time.Now)
}

// NewWithClock creates an engine with an injected clock, used by tests.
// The counter starts at a random value so keys do not collide across
// reconnects of the same dongle.
func NewWithClock(now func() time.Time) *Engine {
	return &Engine{
		now:           now,
		counter:       uint16(rand.Intn(0x10000)),
		outstanding:   make(map[uint16]*Query),
		firmware:      make(map[string]string),
		lastScheduled: now(),
	}
}

// Enqueue registers a request in the outstanding table and appends it to the
// send queue. Counter allocation and book-keeping happen up-front; the query
// is transmitted later under the pacing rule.
func (e *Engine) Enqueue(req protocol.Request) *Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueLocked(req)
}

func (e *Engine) enqueueLocked(req protocol.Request) *Query {
	// skip keys still occupied by older queries after a counter wrap
	for {
		if _, taken := e.outstanding[e.counter]; !taken {
			break
		}
		e.counter++
	}

	q := &Query{
		Counter: e.counter,
		Request: req,
		Created: e.now(),
	}
	e.counter++

	e.outstanding[q.Counter] = q
	e.queue = append(e.queue, q)
	return q
}

// Tick runs the scheduler. Every ScheduleInterval it enqueues the next batch
// of the discovery state machine, or the steady-state poll set once the
// protocol version and serial are known and firmware has been probed.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.Sub(e.lastScheduled) < ScheduleInterval {
		return
	}

	switch {
	case e.protocolVersion == nil:
		e.enqueueLocked(protocol.ProtocolIDQuery{})
	case e.serial == "":
		e.enqueueLocked(protocol.SerialQuery{})
	case !e.firmwareProbed:
		e.enqueueLocked(protocol.FirmwareQuery{})
		e.enqueueLocked(protocol.FirmwareQuery{Index: "2"})
		e.enqueueLocked(protocol.FirmwareQuery{Index: "3"})
		e.firmwareProbed = true
	default:
		e.enqueueLocked(protocol.RatedParametersQuery{})
		e.enqueueLocked(protocol.FlagsQuery{})
		e.enqueueLocked(protocol.StatusQuery{})
		e.enqueueLocked(protocol.ModeQuery{})
		e.enqueueLocked(protocol.WarningsQuery{})
	}

	e.lastScheduled = now
}

// NextToSend applies the pacing rule: it releases the head of the send queue
// only while no transmitted query is still awaiting its reply. The inverter
// is sensitive to over-queueing. When pacing blocks, expired queries are
// garbage collected instead.
func (e *Engine) NextToSend() *Query {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return nil
	}

	// outstanding includes the queued-but-unsent entries, so the
	// difference is the number of in-flight queries
	if len(e.outstanding)-len(e.queue) < 1 {
		q := e.queue[0]
		e.queue = e.queue[1:]
		q.Transmitted = e.now()
		return q
	}

	e.collectExpiredLocked()
	return nil
}

// collectExpiredLocked drops transmitted queries that have waited longer
// than ReplyTimeout. Queued entries have a zero Transmitted time and are
// never collected.
func (e *Engine) collectExpiredLocked() {
	now := e.now()
	for key, q := range e.outstanding {
		if !q.Transmitted.IsZero() && now.Sub(q.Transmitted) > ReplyTimeout {
			delete(e.outstanding, key)
			metrics.Default.QueriesExpired.Inc()
			logger.LogDebug("query %s (counter %#04x) expired unanswered", q.Request.Payload(), key)
		}
	}
}

// HandleReply correlates a decoded frame with its query, runs the decoder
// and folds any discovered attributes into the connection state.
//
// A nil query reports an unknown correlation counter (logged and ignored by
// the caller). A non-nil error is either protocol.ErrNAK or a decoder
// rejection wrapping protocol.ErrInvalidReply.
func (e *Engine) HandleReply(frame protocol.Frame) (*Query, *protocol.Decoded, error) {
	e.mu.Lock()
	q, ok := e.outstanding[frame.Counter]
	if ok {
		delete(e.outstanding, frame.Counter)
	}
	e.mu.Unlock()

	if !ok {
		return nil, nil, nil
	}

	decoded, err := q.Request.Decode(frame.Payload)
	if err != nil {
		return q, nil, err
	}

	e.mu.Lock()
	if decoded.Protocol != nil {
		e.protocolVersion = decoded.Protocol
	}
	if decoded.Serial != "" {
		e.serial = decoded.Serial
	}
	if decoded.HasFirmware {
		e.firmware[decoded.FirmwareIndex] = decoded.FirmwareVersion
	}
	e.mu.Unlock()

	return q, decoded, nil
}

// RecordInvalid bumps the invalid-response counter and returns its new
// value.
func (e *Engine) RecordInvalid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidCount++
	return e.invalidCount
}

// InvalidCount returns the number of invalid responses seen so far.
func (e *Engine) InvalidCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidCount
}

// ProtocolVersion returns the inverter protocol version, or nil while QPI
// has not completed.
func (e *Engine) ProtocolVersion() *int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocolVersion
}

// Serial returns the discovered inverter serial number, or "".
func (e *Engine) Serial() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serial
}

// FirmwareVersions returns a copy of the discovered firmware banks.
func (e *Engine) FirmwareVersions() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	versions := make(map[string]string, len(e.firmware))
	for index, version := range e.firmware {
		versions[index] = version
	}
	return versions
}

// Outstanding returns the size of the outstanding table, queued entries
// included.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// Queued returns the length of the send queue.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
