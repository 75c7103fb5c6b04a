package record

// LayoutKind selects how a row is stored physically.
type LayoutKind uint8

const (
	KindFixed LayoutKind = iota + 1
	KindVariable
	KindDiskBacked
)

func (k LayoutKind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindVariable:
		return "variable"
	case KindDiskBacked:
		return "disk_backed"
	default:
		return "unknown"
	}
}

// Fixed header words present in every row.
const (
	OpPtrIdx = 0
	BitsIdx  = 1
)

// Attr is an attribute placed inside the row.
//   - memory fixed: Offset is a word offset from the row start
//   - var:          VarIndex is the position inside the var part
//   - disk:         Offset is a word offset from the disk part start
type Attr struct {
	ID       uint32
	Desc     AttrDescriptor
	Offset   int
	VarIndex int
	NullBit  int // -1 when NOT NULL
}

type LayoutOptions struct {
	Checksum bool
	RowGCI   bool
}

// Layout is the word map of a table's rows. Offsets are assigned in
// attribute order and never overlap.
type Layout struct {
	Kind  LayoutKind
	Attrs []Attr

	ChecksumIdx int // -1 when absent
	NullIdx     int
	NullWords   int
	GCIIdx      int // -1 when absent
	HeaderSize  int
	VarRefIdx   int // -1 when absent
	DiskRefIdx  int // -1 when absent, two words otherwise

	FixSize     int // words of the memory fixed part
	VarCount    int
	VarMaxWords int // length words + max data words
	DiskSize    int // words of the disk part
	KeyCount    int
}

// BuildLayout computes the word layout. Attrs must carry their null bit
// positions already; nullable is the number of nullable attributes.
func BuildLayout(attrs []Attr, nullable int, opts LayoutOptions) *Layout {
	l := &Layout{
		Attrs:       make([]Attr, len(attrs)),
		ChecksumIdx: -1,
		GCIIdx:      -1,
		VarRefIdx:   -1,
		DiskRefIdx:  -1,
	}
	copy(l.Attrs, attrs)

	idx := BitsIdx + 1
	if opts.Checksum {
		l.ChecksumIdx = idx
		idx++
	}
	l.NullIdx = idx
	l.NullWords = (nullable + 31) >> 5
	idx += l.NullWords
	if opts.RowGCI {
		l.GCIIdx = idx
		idx++
	}
	l.HeaderSize = idx

	hasVar, hasDisk := false, false
	for _, a := range attrs {
		if a.Desc.IsVar() {
			hasVar = true
		}
		if a.Desc.Storage == StorageDisk {
			hasDisk = true
		}
	}
	if hasVar {
		l.VarRefIdx = idx
		idx++
	}
	if hasDisk {
		l.DiskRefIdx = idx
		idx += 2
	}

	for i := range l.Attrs {
		a := &l.Attrs[i]
		if a.Desc.PrimaryKey {
			l.KeyCount++
		}
		switch {
		case a.Desc.IsVar():
			a.VarIndex = l.VarCount
			l.VarCount++
			l.VarMaxWords += 1 + a.Desc.MaxVarWords()
		case a.Desc.Storage == StorageDisk:
			a.Offset = l.DiskSize
			l.DiskSize += a.Desc.FixedWords()
		default:
			a.Offset = idx
			idx += a.Desc.FixedWords()
		}
	}
	l.FixSize = idx

	switch {
	case hasDisk:
		l.Kind = KindDiskBacked
	case hasVar:
		l.Kind = KindVariable
	default:
		l.Kind = KindFixed
	}
	return l
}

// CopySize is the size of a copy tuple: fixed part, then the var part at
// its maximum, then the disk part.
func (l *Layout) CopySize() int {
	return l.FixSize + l.VarMaxWords + l.DiskSize
}

func (l *Layout) IsNull(fix []uint32, a Attr) bool {
	if a.NullBit < 0 {
		return false
	}
	w := fix[l.NullIdx+a.NullBit>>5]
	return w&(1<<(uint(a.NullBit)&31)) != 0
}

func (l *Layout) SetNull(fix []uint32, a Attr, null bool) {
	if a.NullBit < 0 {
		return
	}
	i := l.NullIdx + a.NullBit>>5
	bit := uint32(1) << (uint(a.NullBit) & 31)
	if null {
		fix[i] |= bit
	} else {
		fix[i] &^= bit
	}
}
