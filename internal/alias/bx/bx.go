// stand for bytes helper
package bx

import "encoding/binary"

var LE = binary.LittleEndian

// --- LE: read ---
func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func U64(b []byte) uint64 { return LE.Uint64(b) }

// --- LE: write ---
func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { LE.PutUint64(b, v) }

// --- LE: At (offset) ---
func U16At(b []byte, off int) uint16       { return U16(b[off:]) }
func U32At(b []byte, off int) uint32       { return U32(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { PutU16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { PutU32(b[off:], v) }

// --- words (uint32) ---

// WordsFor returns how many 32-bit words hold n bytes.
func WordsFor(n int) int { return (n + 3) >> 2 }

// Lo/Hi split a 64-bit value into two words, low word first.
func Lo(v uint64) uint32 { return uint32(v) }
func Hi(v uint64) uint32 { return uint32(v >> 32) }

// Join64 is the inverse of Lo/Hi.
func Join64(lo, hi uint32) uint64 { return uint64(hi)<<32 | uint64(lo) }

// PackBytes copies b into dst word by word (LE inside each word).
// dst must hold at least WordsFor(len(b)) words; trailing bytes of the
// last word are zeroed.
func PackBytes(dst []uint32, b []byte) {
	n := WordsFor(len(b))
	for i := 0; i < n; i++ {
		var w [4]byte
		copy(w[:], b[i*4:])
		dst[i] = U32(w[:])
	}
}

// UnpackBytes reads n bytes packed by PackBytes.
func UnpackBytes(src []uint32, n int) []byte {
	out := make([]byte, WordsFor(n)*4)
	for i := 0; i < WordsFor(n); i++ {
		PutU32(out[i*4:], src[i])
	}
	return out[:n]
}

// WordsToBytes flattens words into a fresh LE byte slice.
func WordsToBytes(w []uint32) []byte {
	out := make([]byte, len(w)*4)
	for i, v := range w {
		PutU32(out[i*4:], v)
	}
	return out
}

// BytesToWords is the inverse of WordsToBytes; len(b) must be a multiple of 4.
func BytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = U32(b[i*4:])
	}
	return out
}
