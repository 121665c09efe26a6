package wire

import "math"

// Integer and fixed-point packing for the fast-channel payloads.
//
// Everything is big-endian. Fixed-point values carry their sign in bit 7 of
// the first byte with the magnitude |x|*2^frac in the remaining bits. The
// decoders clear the sign bit in the source buffer before reading the
// magnitude, so a buffer MUST NOT be decoded twice: the first pass destroys
// the sign information. This mirrors the deployed peers bit for bit and is
// covered by tests.

// PutUint16 writes v big-endian into b[0:2].
func PutUint16(b []byte, v uint32) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// PutUint24 writes v big-endian into b[0:3].
func PutUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// PutUint32 writes v big-endian into b[0:4].
func PutUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Uint16 reads a big-endian uint16 from b.
func Uint16(b []byte) uint32 {
	return uint32(b[0])<<8 | uint32(b[1])
}

// Uint24 reads a big-endian uint24 from b.
func Uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Uint32 reads a big-endian uint32 from b.
func Uint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// putFixed writes |x|*2^frac rounded to nearest into width big-endian bytes,
// then flags the sign in bit 7 of the first byte.
func putFixed(b []byte, width int, frac uint, x float64) {
	m := uint32(math.Round(math.Abs(x) * float64(uint32(1)<<frac)))
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(m)
		m >>= 8
	}
	if x < 0 || math.Signbit(x) {
		b[0] |= 0x80
	} else {
		b[0] &^= 0x80
	}
}

// fixed captures bit 7 of b[0] as the sign, clears it in place, and reads the
// magnitude from width big-endian bytes.
func fixed(b []byte, width int, frac uint) float64 {
	neg := b[0]&0x80 != 0
	b[0] &^= 0x80
	var m uint32
	for i := 0; i < width; i++ {
		m = m<<8 | uint32(b[i])
	}
	v := float64(m) / float64(uint32(1)<<frac)
	if neg {
		return -v
	}
	return v
}

// PutFP248 encodes a 24.8 fixed-point value into b[0:4].
func PutFP248(b []byte, x float64) { putFixed(b, 4, 8, x) }

// FP248 decodes a 24.8 fixed-point value from b[0:4], clearing the sign bit.
func FP248(b []byte) float64 { return fixed(b, 4, 8) }

// PutFP168 encodes a 16.8 fixed-point value into b[0:3].
func PutFP168(b []byte, x float64) { putFixed(b, 3, 8, x) }

// FP168 decodes a 16.8 fixed-point value from b[0:3], clearing the sign bit.
func FP168(b []byte) float64 { return fixed(b, 3, 8) }

// PutFP1616 encodes a 16.16 fixed-point value into b[0:4].
func PutFP1616(b []byte, x float64) { putFixed(b, 4, 16, x) }

// FP1616 decodes a 16.16 fixed-point value from b[0:4], clearing the sign bit.
func FP1616(b []byte) float64 { return fixed(b, 4, 16) }

// PutFP88 encodes an 8.8 fixed-point value into b[0:2].
func PutFP88(b []byte, x float64) { putFixed(b, 2, 8, x) }

// FP88 decodes an 8.8 fixed-point value from b[0:2], clearing the sign bit.
func FP88(b []byte) float64 { return fixed(b, 2, 8) }

// PutFP412 encodes a 4.12 fixed-point value into b[0:2].
func PutFP412(b []byte, x float64) { putFixed(b, 2, 12, x) }

// FP412 decodes a 4.12 fixed-point value from b[0:2], clearing the sign bit.
func FP412(b []byte) float64 { return fixed(b, 2, 12) }

// PutFP17 encodes a 1.7 fixed-point value into b[0:1].
func PutFP17(b []byte, x float64) { putFixed(b, 1, 7, x) }

// FP17 decodes a 1.7 fixed-point value from b[0:1], clearing the sign bit.
func FP17(b []byte) float64 { return fixed(b, 1, 7) }
