package protocol

import "testing"

func TestChecksum(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected [2]byte
	}{
		{name: "QPI", payload: "QPI", expected: [2]byte{0xBE, 0xAC}},
		{name: "QID", payload: "QID", expected: [2]byte{0xD6, 0xEA}},
		{name: "QVFW", payload: "QVFW", expected: [2]byte{0x62, 0x99}},
		{name: "QVFW2", payload: "QVFW2", expected: [2]byte{0xC3, 0xF5}},
		{name: "QVFW3", payload: "QVFW3", expected: [2]byte{0xD3, 0xD4}},
		{name: "QPIRI", payload: "QPIRI", expected: [2]byte{0xF8, 0x54}},
		{name: "QPIGS", payload: "QPIGS", expected: [2]byte{0xB7, 0xA9}},
		{name: "QMOD", payload: "QMOD", expected: [2]byte{0x49, 0xC1}},
		{name: "QFLAG", payload: "QFLAG", expected: [2]byte{0x98, 0x74}},
		{name: "QPIWS", payload: "QPIWS", expected: [2]byte{0xB4, 0xDA}},
		{name: "POP02", payload: "POP02", expected: [2]byte{0xE2, 0x0B}},
		{name: "PCP01", payload: "PCP01", expected: [2]byte{0x9D, 0x5B}},
		{name: "protocol reply", payload: "(PI30", expected: [2]byte{0x9A, 0x0B}},
		{name: "serial reply", payload: "(96332309100452", expected: [2]byte{0x3F, 0xF3}},
		{name: "ACK reply", payload: "(ACK", expected: [2]byte{0x39, 0x20}},
		{name: "NAK reply", payload: "(NAK", expected: [2]byte{0x73, 0x73}},
		{name: "mode reply", payload: "(B", expected: [2]byte{0xE7, 0xC9}},
		{name: "firmware reply", payload: "(VERFW:00072.70", expected: [2]byte{0x53, 0xA7}},
		{name: "empty payload", payload: "", expected: [2]byte{0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Checksum([]byte(tt.payload))
			if result != tt.expected {
				t.Errorf("Checksum(%q) = %02X %02X, expected %02X %02X",
					tt.payload, result[0], result[1], tt.expected[0], tt.expected[1])
			}
		})
	}
}

func TestChecksumEscapesReservedBytes(t *testing.T) {
	// payloads whose raw CRC collides with a reserved byte before escaping
	tests := []struct {
		name     string
		payload  string
		expected [2]byte
	}{
		{name: "MSB collides with '('", payload: "F", expected: [2]byte{0x29, 0x02}}, // raw 0x2802
		{name: "LSB collides with LF", payload: "N", expected: [2]byte{0xA9, 0x0B}},  // raw 0xA90A
		{name: "MSB collides with LF", payload: "U", expected: [2]byte{0x0B, 0x50}},  // raw 0x0A50
		{name: "LSB collides with '('", payload: "BB", expected: [2]byte{0x03, 0x29}}, // raw 0x0328
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Checksum([]byte(tt.payload))
			if result != tt.expected {
				t.Errorf("Checksum(%q) = %02X %02X, expected %02X %02X",
					tt.payload, result[0], result[1], tt.expected[0], tt.expected[1])
			}
		})
	}
}

func TestChecksumAvoidsReservedBytes(t *testing.T) {
	// Sweep all single-byte and a spread of two-byte payloads. No output byte
	// may be a reserved value unless the escape itself reintroduced one.
	for b := 0; b < 256; b++ {
		crc := Checksum([]byte{byte(b)})
		for _, out := range crc {
			if isReserved(out) {
				// acceptable only when the escape produced it
				raw := rawChecksumForTest([]byte{byte(b)})
				if !isReserved(byte(raw>>8)) && !isReserved(byte(raw)) {
					t.Errorf("Checksum([%#02x]) = %02X %02X contains unescaped reserved byte", b, crc[0], crc[1])
				}
			}
		}
	}
}

// rawChecksumForTest computes the CRC without the reserved-byte escape.
func rawChecksumForTest(payload []byte) uint16 {
	var crc uint16
	for _, b := range payload {
		da := crc >> 12
		crc = (crc << 4) ^ crcTable[da^uint16(b>>4)]
		da = crc >> 12
		crc = (crc << 4) ^ crcTable[da^uint16(b&0x0F)]
	}
	return crc
}
