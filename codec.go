package mbmaster

import "encoding/binary"

// readInt decodes a big-endian signed 16-bit value from the first two bytes of b.
func readInt(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

// writeInt encodes v big-endian into the first two bytes of b.
func writeInt(b []byte, v int16) {
	binary.BigEndian.PutUint16(b, uint16(v))
}

// dataBlock writes a sequence of uint16 into b and returns the number of bytes written.
func dataBlock(b []byte, value ...uint16) int {
	for i, v := range value {
		binary.BigEndian.PutUint16(b[i*2:], v)
	}
	return 2 * len(value)
}

// packBits packs coil states LSB first, eight per byte, into b and returns the byte count.
func packBits(b []byte, bits []bool) int {
	n := (len(bits) + 7) / 8
	for i := 0; i < n; i++ {
		b[i] = 0
	}
	for i, on := range bits {
		if on {
			b[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return n
}

// unpackBits is the inverse of packBits for len(dst) states.
func unpackBits(dst []bool, b []byte) {
	for i := range dst {
		dst[i] = b[i/8]&(1<<(uint(i)%8)) != 0
	}
}
