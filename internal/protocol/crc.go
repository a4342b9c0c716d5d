package protocol

// crcTable is the nibble lookup table of the vendor CRC-16 variant shared by
// every Axpert-style device this bridge talks to.
var crcTable = [16]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50a5, 0x60c6, 0x70e7,
	0x8108, 0x9129, 0xa14a, 0xb16b, 0xc18c, 0xd1ad, 0xe1ce, 0xf1ef,
}

// reserved bytes the CRC output must avoid: '(', CR, LF
func isReserved(b byte) bool {
	return b == 0x28 || b == 0x0D || b == 0x0A
}

// Checksum computes the vendor CRC-16 of payload and returns its two
// big-endian bytes with the reserved-value escape applied.
//
// The escape adjusts each output byte at most once: if a byte collides with a
// protocol-reserved value, 0x0100 (MSB) or 0x0001 (LSB) is added to the full
// CRC. A collision introduced by the adjustment itself is shipped as-is,
// matching the reference device behavior.
func Checksum(payload []byte) [2]byte {
	var crc uint16

	for _, b := range payload {
		da := crc >> 12
		crc = (crc << 4) ^ crcTable[da^uint16(b>>4)]
		da = crc >> 12
		crc = (crc << 4) ^ crcTable[da^uint16(b&0x0F)]
	}

	if isReserved(byte(crc >> 8)) {
		crc += 0x0100
	}
	if isReserved(byte(crc)) {
		crc += 0x0001
	}

	return [2]byte{byte(crc >> 8), byte(crc)}
}
