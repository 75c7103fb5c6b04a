package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLittleEndianReadWrite verifies that PutU16/U32/U64 and U16/U32/U64
// correctly round-trip values using little-endian encoding.
func TestLittleEndianReadWrite(t *testing.T) {
	{
		b := make([]byte, 2)
		PutU16(b, 0x1234)
		assert.Equal(t, []byte{0x34, 0x12}, b)
		assert.Equal(t, uint16(0x1234), U16(b))
	}
	{
		b := make([]byte, 4)
		PutU32(b, 0x01020304)
		assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b)
		assert.Equal(t, uint32(0x01020304), U32(b))
	}
	{
		b := make([]byte, 8)
		PutU64(b, 0x0102030405060708)
		assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, b)
		assert.Equal(t, uint64(0x0102030405060708), U64(b))
	}
}

func TestLittleEndianAt(t *testing.T) {
	buf := make([]byte, 8)
	PutU16At(buf, 0, 0x0A0B)
	PutU32At(buf, 2, 0x01020304)

	assert.Equal(t, uint16(0x0A0B), U16At(buf, 0))
	assert.Equal(t, uint32(0x01020304), U32At(buf, 2))
}

func TestWordsFor(t *testing.T) {
	assert.Equal(t, 0, WordsFor(0))
	assert.Equal(t, 1, WordsFor(1))
	assert.Equal(t, 1, WordsFor(4))
	assert.Equal(t, 2, WordsFor(5))
}

func TestSplitJoin64(t *testing.T) {
	v := uint64(0xDEADBEEF_01020304)
	assert.Equal(t, uint32(0x01020304), Lo(v))
	assert.Equal(t, uint32(0xDEADBEEF), Hi(v))
	assert.Equal(t, v, Join64(Lo(v), Hi(v)))
}

// PackBytes/UnpackBytes must survive lengths that are not word aligned.
func TestPackUnpackBytes(t *testing.T) {
	for _, s := range []string{"", "a", "abcd", "hello world"} {
		dst := make([]uint32, WordsFor(len(s)))
		PackBytes(dst, []byte(s))
		assert.Equal(t, s, string(UnpackBytes(dst, len(s))))
	}
}

func TestWordsBytesRoundTrip(t *testing.T) {
	w := []uint32{1, 0xFFFFFFFF, 0x01020304}
	b := WordsToBytes(w)
	assert.Len(t, b, 12)
	assert.Equal(t, w, BytesToWords(b))
}
