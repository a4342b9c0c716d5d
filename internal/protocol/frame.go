package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Preamble selects the envelope direction class.
type Preamble uint16

const (
	// PreambleInquiry marks a read command envelope.
	PreambleInquiry Preamble = 0xFF04
	// PreambleSetting marks a write command envelope.
	PreambleSetting Preamble = 0x0104
)

const (
	// envelope layout: counter(2) constant(2) length(2) preamble(2) payload crc(2) terminator(1)
	headerSize    = 8
	trailerSize   = 3
	overhead      = headerSize + trailerSize
	terminator    = 0x0D
	constantHi    = 0x00
	constantLo    = 0x01
	maxResyncScan = 4096
)

// Frame is one unwrapped transport envelope.
type Frame struct {
	Counter uint16
	Payload []byte
}

// ErrBadCRC reports a frame whose checksum did not match its payload.
var ErrBadCRC = errors.New("frame CRC mismatch")

// ErrBadLength reports a frame whose length field is below the minimum an
// empty-payload envelope requires.
var ErrBadLength = errors.New("frame length field too small")

// ErrBadTerminator reports a frame that did not end in CR.
var ErrBadTerminator = errors.New("frame terminator missing")

// ErrDesync reports a receive buffer in which no valid header was found
// within the resync scan window. The connection cannot recover.
var ErrDesync = errors.New("stream desynchronized beyond resync window")

// Encode wraps payload in a transport envelope.
func Encode(counter uint16, preamble Preamble, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+overhead)

	frame = binary.BigEndian.AppendUint16(frame, counter)
	frame = append(frame, constantHi, constantLo)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)+5))
	frame = binary.BigEndian.AppendUint16(frame, uint16(preamble))
	frame = append(frame, payload...)

	crc := Checksum(payload)
	frame = append(frame, crc[0], crc[1], terminator)

	return frame
}

// validHeader reports whether buf starts with a plausible envelope header.
// It needs at least headerSize bytes.
func validHeader(buf []byte) bool {
	if buf[2] != constantHi || buf[3] != constantLo {
		return false
	}
	pre := Preamble(binary.BigEndian.Uint16(buf[6:8]))
	return pre == PreambleInquiry || pre == PreambleSetting
}

// Next extracts the first complete frame from buf.
//
// n is the number of leading bytes the caller must discard from its receive
// buffer regardless of outcome. ok reports whether a frame was decoded. A
// non-nil err with ok=false classifies a damaged frame (ErrBadCRC,
// ErrBadTerminator) that was consumed, or ErrDesync when the stream cannot
// be realigned. ok=false with err=nil and n=0 means more data is required.
func Next(buf []byte) (f Frame, n int, ok bool, err error) {
	if len(buf) < overhead {
		return Frame{}, 0, false, nil
	}

	if !validHeader(buf) {
		// Discard one byte at a time until a header signature lines up
		// again, bounded so a hostile stream cannot spin us forever.
		limit := len(buf) - headerSize
		if limit > maxResyncScan {
			limit = maxResyncScan
		}
		for skip := 1; skip <= limit; skip++ {
			if validHeader(buf[skip:]) {
				return Frame{}, skip, false, nil
			}
		}
		if len(buf)-headerSize >= maxResyncScan {
			return Frame{}, len(buf), false, ErrDesync
		}
		// No header yet; drop what we scanned past and wait for more.
		if limit > 0 {
			return Frame{}, limit, false, nil
		}
		return Frame{}, 0, false, nil
	}

	// length field covers payload + 5; the whole frame is length + 6
	frameLen := int(binary.BigEndian.Uint16(buf[4:6])) + 6
	if frameLen < overhead {
		// even an empty payload needs the full envelope; drop the bogus
		// header and resync behind it
		return Frame{}, headerSize, false, fmt.Errorf("%w: %d bytes", ErrBadLength, frameLen)
	}
	if len(buf) < frameLen {
		return Frame{}, 0, false, nil
	}

	if buf[frameLen-1] != terminator {
		return Frame{}, frameLen, false, ErrBadTerminator
	}

	payload := buf[headerSize : frameLen-trailerSize]
	crc := Checksum(payload)
	if crc[0] != buf[frameLen-3] || crc[1] != buf[frameLen-2] {
		return Frame{}, frameLen, false, fmt.Errorf("%w: want %02x%02x got %02x%02x",
			ErrBadCRC, crc[0], crc[1], buf[frameLen-3], buf[frameLen-2])
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return Frame{
		Counter: binary.BigEndian.Uint16(buf[0:2]),
		Payload: out,
	}, frameLen, true, nil
}
