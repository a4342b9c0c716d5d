package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNAK reports that the inverter declined or could not answer a request.
// It never counts toward the invalid-response ceiling.
var ErrNAK = errors.New("inverter replied NAK")

// ErrInvalidReply reports a reply whose shape does not match the request.
// It counts toward the invalid-response ceiling.
var ErrInvalidReply = errors.New("invalid reply")

// Field is one MQTT publication produced by a decoder. Topic is relative to
// the inverter's serial-number topic subtree.
type Field struct {
	Topic string
	Value string
}

// Decoded carries the outcome of parsing one reply: the fields to republish
// plus any connection attribute the reply revealed.
type Decoded struct {
	Fields []Field

	Protocol *int   // set by QPI
	Serial   string // set by QID

	HasFirmware     bool // set by QVFW / QVFW2 / QVFW3
	FirmwareIndex   string
	FirmwareVersion string
}

// Request is one recognized inquiry or setting. Implementations are plain
// values; they hold no connection state.
type Request interface {
	// Payload returns the ASCII command carried in the envelope.
	Payload() []byte

	// Preamble returns the envelope class of the request.
	Preamble() Preamble

	// Decode parses the reply payload (starting at '(') for this request.
	Decode(reply []byte) (*Decoded, error)
}

func isNAK(reply []byte) bool {
	return string(reply) == "(NAK"
}

// inquiry provides the shared preamble for read commands.
type inquiry struct{}

func (inquiry) Preamble() Preamble { return PreambleInquiry }

// setting provides the shared preamble and ACK/NAK decoding for write
// commands.
type setting struct{}

func (setting) Preamble() Preamble { return PreambleSetting }

func (setting) Decode(reply []byte) (*Decoded, error) {
	switch string(reply) {
	case "(ACK":
		return &Decoded{}, nil
	case "(NAK":
		return nil, ErrNAK
	default:
		return nil, fmt.Errorf("%w: setting reply %q is neither ACK nor NAK", ErrInvalidReply, reply)
	}
}

// ProtocolIDQuery asks for the protocol version (QPI).
type ProtocolIDQuery struct{ inquiry }

func (ProtocolIDQuery) Payload() []byte { return []byte("QPI") }

func (ProtocolIDQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	if len(reply) != 5 || string(reply[0:3]) != "(PI" {
		return nil, fmt.Errorf("%w: QPI reply %q", ErrInvalidReply, reply)
	}
	version, err := strconv.Atoi(string(reply[3:5]))
	if err != nil {
		return nil, fmt.Errorf("%w: QPI version %q: %v", ErrInvalidReply, reply[3:5], err)
	}
	return &Decoded{Protocol: &version}, nil
}

// SerialQuery asks for the inverter serial number (QID).
type SerialQuery struct{ inquiry }

func (SerialQuery) Payload() []byte { return []byte("QID") }

func (SerialQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	if len(reply) < 2 || reply[0] != '(' {
		return nil, fmt.Errorf("%w: QID reply %q", ErrInvalidReply, reply)
	}
	return &Decoded{Serial: string(reply[1:])}, nil
}

// FirmwareQuery asks for one firmware bank version (QVFW, QVFW2, QVFW3).
// Index selects the bank and is "", "2" or "3".
type FirmwareQuery struct {
	inquiry
	Index string
}

func (q FirmwareQuery) Payload() []byte { return []byte("QVFW" + q.Index) }

func (q FirmwareQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	// some firmwares answer QVFW2/QVFW3 with a bare (VERFW: prefix
	s := string(reply)
	if !strings.HasPrefix(s, "(VERFW"+q.Index+":") && !strings.HasPrefix(s, "(VERFW:") {
		return nil, fmt.Errorf("%w: QVFW%s reply %q", ErrInvalidReply, q.Index, reply)
	}
	version := s[strings.IndexByte(s, ':')+1:]
	return &Decoded{
		Fields:          []Field{{Topic: "firmware_version" + q.Index, Value: version}},
		HasFirmware:     true,
		FirmwareIndex:   q.Index,
		FirmwareVersion: version,
	}, nil
}

// RatedParametersQuery asks for the device ratings (QPIRI).
type RatedParametersQuery struct{ inquiry }

func (RatedParametersQuery) Payload() []byte { return []byte("QPIRI") }

func (RatedParametersQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	values, err := splitTuple(reply, 28)
	if err != nil {
		return nil, fmt.Errorf("%w: QPIRI reply %q: %v", ErrInvalidReply, reply, err)
	}

	fields := make([]Field, 0, 6)
	for _, spec := range []struct {
		topic string
		index int
	}{
		{"battery_recharge_voltage", 8},
		{"max_ac_charging_current", 13},
		{"current_max_charging_current", 14},
	} {
		value, err := numField(values[spec.index])
		if err != nil {
			return nil, fmt.Errorf("%w: QPIRI field %s: %v", ErrInvalidReply, spec.topic, err)
		}
		fields = append(fields, Field{Topic: spec.topic, Value: value})
	}
	fields = append(fields,
		Field{Topic: "output_source_priority", Value: OutputSourcePriorityName(values[16])},
		Field{Topic: "charger_source_priority", Value: ChargerSourcePriorityName(values[17])},
		Field{Topic: "output_mode", Value: values[21]},
	)

	return &Decoded{Fields: fields}, nil
}

// StatusQuery asks for the live telemetry tuple (QPIGS).
type StatusQuery struct{ inquiry }

func (StatusQuery) Payload() []byte { return []byte("QPIGS") }

func (StatusQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	values, err := splitTuple(reply, 21)
	if err != nil {
		return nil, fmt.Errorf("%w: QPIGS reply %q: %v", ErrInvalidReply, reply, err)
	}

	specs := []struct {
		topic string
		index int
	}{
		{"grid_voltage", 0},
		{"grid_frequency", 1},
		{"output_voltage", 2},
		{"output_frequency", 3},
		{"output_va", 4},
		{"output_w", 5},
		{"output_load_percent", 6},
		{"bus_voltage", 7},
		{"battery_voltage", 8},
		{"battery_charging_current", 9},
		{"battery_SOC", 10},
		{"inverter_heatsink_temp", 11},
		{"battery_discharging_current", 15},
	}

	fields := make([]Field, 0, len(specs))
	for _, spec := range specs {
		value, err := numField(values[spec.index])
		if err != nil {
			return nil, fmt.Errorf("%w: QPIGS field %s: %v", ErrInvalidReply, spec.topic, err)
		}
		fields = append(fields, Field{Topic: spec.topic, Value: value})
	}

	return &Decoded{Fields: fields}, nil
}

// ModeQuery asks for the current run mode (QMOD).
type ModeQuery struct{ inquiry }

func (ModeQuery) Payload() []byte { return []byte("QMOD") }

func (ModeQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	if len(reply) != 2 || reply[0] != '(' {
		return nil, fmt.Errorf("%w: QMOD reply %q", ErrInvalidReply, reply)
	}
	return &Decoded{
		Fields: []Field{{Topic: "mode", Value: RunModeName(string(reply[1:2]))}},
	}, nil
}

// FlagsQuery asks for the enabled/disabled feature flags (QFLAG). The reply
// is validated but not republished.
type FlagsQuery struct{ inquiry }

func (FlagsQuery) Payload() []byte { return []byte("QFLAG") }

func (FlagsQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	if len(reply) < 1 || reply[0] != '(' {
		return nil, fmt.Errorf("%w: QFLAG reply %q", ErrInvalidReply, reply)
	}
	return &Decoded{}, nil
}

// WarningsQuery asks for the warning bitmap (QPIWS). The reply is validated
// but not republished.
type WarningsQuery struct{ inquiry }

func (WarningsQuery) Payload() []byte { return []byte("QPIWS") }

func (WarningsQuery) Decode(reply []byte) (*Decoded, error) {
	if isNAK(reply) {
		return nil, ErrNAK
	}
	if len(reply) < 1 || reply[0] != '(' {
		return nil, fmt.Errorf("%w: QPIWS reply %q", ErrInvalidReply, reply)
	}
	return &Decoded{}, nil
}

// SetOutputPriority requests a new output-source priority (POPnn).
type SetOutputPriority struct {
	setting
	code int
}

// NewSetOutputPriority builds the setting for a canonical priority name.
func NewSetOutputPriority(name string) (SetOutputPriority, error) {
	code, ok := OutputSourcePriorityCode(name)
	if !ok {
		return SetOutputPriority{}, fmt.Errorf("unknown output priority %q", name)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return SetOutputPriority{}, fmt.Errorf("unknown output priority %q", name)
	}
	return SetOutputPriority{code: n}, nil
}

func (q SetOutputPriority) Payload() []byte {
	return []byte(fmt.Sprintf("POP%02d", q.code))
}

// SetChargePriority requests a new charger-source priority (PCPnn).
type SetChargePriority struct {
	setting
	code int
}

// NewSetChargePriority builds the setting for a canonical priority name.
func NewSetChargePriority(name string) (SetChargePriority, error) {
	code, ok := ChargerSourcePriorityCode(name)
	if !ok {
		return SetChargePriority{}, fmt.Errorf("unknown charge priority %q", name)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return SetChargePriority{}, fmt.Errorf("unknown charge priority %q", name)
	}
	return SetChargePriority{code: n}, nil
}

func (q SetChargePriority) Payload() []byte {
	return []byte(fmt.Sprintf("PCP%02d", q.code))
}

// splitTuple splits a parenthesized space-separated reply and enforces a
// minimum field count. Extra trailing fields are tolerated.
func splitTuple(reply []byte, min int) ([]string, error) {
	if len(reply) < 1 || reply[0] != '(' {
		return nil, errors.New("missing '(' prefix")
	}
	values := strings.Split(string(reply[1:]), " ")
	if len(values) < min {
		return nil, fmt.Errorf("want at least %d fields, got %d", min, len(values))
	}
	return values, nil
}

// numField parses a locale-independent decimal and reserializes it in
// canonical form ("099" publishes as "99", "0040" as "40").
func numField(raw string) (string, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(value, 'f', -1, 64), nil
}
