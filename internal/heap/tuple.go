package heap

import (
	"github.com/cespare/xxhash/v2"

	"github.com/tuannm99/novatup/internal/alias/bx"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
)

// HeaderBits live in the upper half of the second header word.
type HeaderBits uint32

const (
	Free       HeaderBits = 1 << iota // slot is on the page free list
	Alloc                             // inserted, not committed yet
	DiskPart                          // row has a disk part
	LCPKeep                           // deleted, kept for a running checkpoint
	Freed                             // deleted and released
	ChainedRow                        // row has a var part
	LCPSkip                           // inserted ahead of the checkpoint cursor

	// copy tuple only
	DiskAlloc
	DiskInline
	MMShrink
	MMGrown
)

const copyOnlyBits = DiskAlloc | DiskInline | MMShrink | MMGrown

// Tuple is a view over the fixed part of a row (stable or copy).
type Tuple struct {
	W []uint32
	L *record.Layout
}

func (t Tuple) OpPtr() uint32 { return t.W[record.OpPtrIdx] }

func (t Tuple) SetOpPtr(v uint32) { t.W[record.OpPtrIdx] = v }

func (t Tuple) Bits() HeaderBits { return HeaderBits(t.W[record.BitsIdx] >> 16) }

func (t Tuple) HasBits(b HeaderBits) bool { return t.Bits()&b != 0 }

func (t Tuple) SetBits(b HeaderBits) {
	t.W[record.BitsIdx] |= uint32(b) << 16
}

func (t Tuple) ClearBits(b HeaderBits) {
	t.W[record.BitsIdx] &^= uint32(b) << 16
}

// ClearCopyBits drops the bits that only make sense on a copy tuple.
func (t Tuple) ClearCopyBits() { t.ClearBits(copyOnlyBits) }

func (t Tuple) Version() uint16 { return uint16(t.W[record.BitsIdx]) }

func (t Tuple) SetVersion(v uint16) {
	t.W[record.BitsIdx] = t.W[record.BitsIdx]&0xFFFF0000 | uint32(v)
}

func (t Tuple) GCI() uint32 {
	if t.L.GCIIdx < 0 {
		return 0
	}
	return t.W[t.L.GCIIdx]
}

func (t Tuple) SetGCI(gci uint32) {
	if t.L.GCIIdx >= 0 {
		t.W[t.L.GCIIdx] = gci
	}
}

func (t Tuple) VarRef() VarRef {
	if t.L.VarRefIdx < 0 {
		return NullVarRef
	}
	return VarRef(t.W[t.L.VarRefIdx])
}

func (t Tuple) SetVarRef(r VarRef) {
	if t.L.VarRefIdx >= 0 {
		t.W[t.L.VarRefIdx] = uint32(r)
	}
}

func (t Tuple) DiskRef() storage.DiskKey {
	if t.L.DiskRefIdx < 0 {
		return storage.NullDiskKey
	}
	return storage.DiskKeyFromWords(t.W[t.L.DiskRefIdx], t.W[t.L.DiskRefIdx+1])
}

func (t Tuple) SetDiskRef(k storage.DiskKey) {
	if t.L.DiskRefIdx >= 0 {
		t.W[t.L.DiskRefIdx], t.W[t.L.DiskRefIdx+1] = k.Words()
	}
}

func (t Tuple) IsNull(a record.Attr) bool { return t.L.IsNull(t.W, a) }

// AttrWords is the word range of a fixed memory attribute.
func (t Tuple) AttrWords(a record.Attr) []uint32 {
	return t.W[a.Offset : a.Offset+a.Desc.FixedWords()]
}

// DataWords are the words following the header: refs and fixed attributes.
func (t Tuple) DataWords() []uint32 { return t.W[t.L.HeaderSize:] }

// NullWords is the null bitmap.
func (t Tuple) NullWords() []uint32 { return t.W[t.L.NullIdx : t.L.NullIdx+t.L.NullWords] }

// Checksum hashes the version, the null bitmap, the fixed attributes and
// the var part. The op pointer, header bits, gci and refs change without
// the row content changing and are left out.
func (t Tuple) Checksum(varPart []uint32) uint32 {
	d := xxhash.New()
	var b [4]byte
	bx.PutU32(b[:], uint32(t.Version()))
	_, _ = d.Write(b[:])
	_, _ = d.Write(bx.WordsToBytes(t.NullWords()))
	for _, a := range t.L.Attrs {
		if a.Desc.IsVar() || a.Desc.Storage == record.StorageDisk {
			continue
		}
		_, _ = d.Write(bx.WordsToBytes(t.AttrWords(a)))
	}
	if len(varPart) > 0 {
		_, _ = d.Write(bx.WordsToBytes(varPart))
	}
	sum := d.Sum64()
	return bx.Lo(sum) ^ bx.Hi(sum)
}

func (t Tuple) StoredChecksum() uint32 {
	if t.L.ChecksumIdx < 0 {
		return 0
	}
	return t.W[t.L.ChecksumIdx]
}

// UpdateChecksum refreshes the checksum word when the table carries one.
func (t Tuple) UpdateChecksum(varPart []uint32) {
	if t.L.ChecksumIdx >= 0 {
		t.W[t.L.ChecksumIdx] = t.Checksum(varPart)
	}
}

// VerifyChecksum reports whether the stored checksum matches the content.
func (t Tuple) VerifyChecksum(varPart []uint32) bool {
	if t.L.ChecksumIdx < 0 {
		return true
	}
	return t.W[t.L.ChecksumIdx] == t.Checksum(varPart)
}

// VarRef addresses a var part entry: 19 bits fragment page, 13 bits index.
type VarRef uint32

const NullVarRef = VarRef(pagepool.RNIL)

const varIdxBits = 13

func MakeVarRef(fragPage, idx uint32) VarRef {
	return VarRef(fragPage<<varIdxBits | idx&(1<<varIdxBits-1))
}

func (r VarRef) IsNull() bool { return r == NullVarRef }

func (r VarRef) Page() uint32 { return uint32(r) >> varIdxBits }

func (r VarRef) Idx() uint32 { return uint32(r) & (1<<varIdxBits - 1) }
