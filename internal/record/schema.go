package record

import (
	"errors"

	"github.com/tuannm99/novatup/internal/alias/bx"
)

type ColumnType uint8

const (
	ColInt32 ColumnType = iota
	ColInt64
	ColBool
	ColFloat64
	ColText  // UTF-8
	ColBytes // opaque bytes
)

// Storage tells whether an attribute lives in the memory row or in the
// disk-resident part of the row.
type Storage uint8

const (
	StorageMemory Storage = iota
	StorageDisk
)

var (
	ErrBadDescriptor = errors.New("record: invalid attribute descriptor")
	ErrVarOnDisk     = errors.New("record: variable-size attributes cannot be disk resident")
)

// AttrDescriptor is what the schema layer sends for each attribute.
type AttrDescriptor struct {
	Name       string
	Type       ColumnType
	MaxLen     uint32 // bytes, TEXT/BYTES only
	Fixed      bool   // TEXT/BYTES stored as a fixed array of MaxLen bytes
	Nullable   bool
	PrimaryKey bool
	Storage    Storage
}

func (d AttrDescriptor) IsVar() bool {
	return (d.Type == ColText || d.Type == ColBytes) && !d.Fixed
}

func (d AttrDescriptor) Validate() error {
	switch d.Type {
	case ColInt32, ColInt64, ColBool, ColFloat64:
		return nil
	case ColText, ColBytes:
		if d.MaxLen == 0 {
			return ErrBadDescriptor
		}
		if d.IsVar() && d.Storage == StorageDisk {
			return ErrVarOnDisk
		}
		return nil
	default:
		return ErrBadDescriptor
	}
}

// FixedWords is the footprint in the fixed (or disk) part.
// Fixed arrays keep a length word in front of the data.
func (d AttrDescriptor) FixedWords() int {
	switch d.Type {
	case ColInt32, ColBool:
		return 1
	case ColInt64, ColFloat64:
		return 2
	case ColText, ColBytes:
		if d.Fixed {
			return 1 + bx.WordsFor(int(d.MaxLen))
		}
	}
	return 0
}

// MaxVarWords is the worst case footprint in the var part (length word excluded).
func (d AttrDescriptor) MaxVarWords() int {
	if !d.IsVar() {
		return 0
	}
	return bx.WordsFor(int(d.MaxLen))
}
