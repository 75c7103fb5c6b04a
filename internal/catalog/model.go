package catalog

import (
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

type TableState uint8

const (
	TableUndefined TableState = iota
	TableDefining
	TableDefined
	TableDropping
)

func (s TableState) String() string {
	switch s {
	case TableUndefined:
		return "undefined"
	case TableDefining:
		return "defining"
	case TableDefined:
		return "defined"
	case TableDropping:
		return "dropping"
	default:
		return "unknown"
	}
}

// Table is the descriptor of one table inside this partition.
type Table struct {
	ID    uint32
	State TableState

	AttrCount     int
	NullableCount int
	Opts          record.LayoutOptions

	// Layout is nil until the table is DEFINED.
	Layout *record.Layout

	// Frags has a fixed capacity; nil entries are free slots.
	Frags []*Fragment
}

func (t *Table) FragmentCount() int {
	n := 0
	for _, f := range t.Frags {
		if f != nil {
			n++
		}
	}
	return n
}

// PageRange maps Count fragment pages starting at FragStart onto real pool
// pages starting at RealStart.
type PageRange struct {
	FragStart uint32
	RealStart uint32
	Count     uint32
}

// Checkpoint is the checkpoint scan state of a fragment. Cursor is the next
// slot the scan will visit.
type Checkpoint struct {
	Active bool
	Cursor pagepool.LocalKey
}

// DiskExtent tracks slot usage of one disk page owned by a fragment.
type DiskExtent struct {
	Page uint32
	Used []uint64
	Free int
}

// Fragment is one partition of one table.
type Fragment struct {
	ID      uint32
	TableID uint32

	Ranges    []PageRange
	PageCount uint32 // pages owned
	Formatted uint32 // pages given a kind, always the lowest fragment page numbers

	FreeFix []uint32 // fix pages with at least one free slot
	FreeVar []uint32 // var pages with some free space

	Checkpoint Checkpoint
	KeepHead   pagepool.LocalKey

	DiskFile    uint32
	DiskExtents []DiskExtent

	// Broken is set after an internal consistency violation; no further
	// requests are served for this fragment.
	Broken bool
}

// RealPage resolves a fragment page number to a pool page index.
func (f *Fragment) RealPage(fragPage uint32) (uint32, bool) {
	for _, r := range f.Ranges {
		if fragPage >= r.FragStart && fragPage < r.FragStart+r.Count {
			return r.RealStart + (fragPage - r.FragStart), true
		}
	}
	return pagepool.RNIL, false
}
