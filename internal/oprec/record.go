// Package oprec holds operation records: one per in-flight row operation,
// linked into a per-row chain anchored at the row's op pointer word.
package oprec

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novatup/internal/copybuf"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/storage"
)

var (
	ErrNoOpRecord  = errors.New("oprec: no free operation record")
	ErrStaleHandle = errors.New("oprec: stale operation handle")
	ErrNotInChain  = errors.New("oprec: record not in chain")
)

type Kind uint8

const (
	KindRead Kind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type State uint8

const (
	StateIdle State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Flags uint16

const (
	FlagLoadDiskPage     Flags = 1 << iota // disk page must be resident before commit
	FlagWaitLogBuffer                      // commit waits for undo buffer space
	FlagDiskPreallocated                   // DiskKey was allocated at prepare
	FlagInsertDelete                       // delete of a row inserted by the same transaction
	FlagUndoLogged                         // undo record already written for this commit
)

type TxID uint64

// Location is where the row lives.
type Location struct {
	Table uint32
	Frag  uint32
	Key   pagepool.LocalKey
}

// Payload is what an operation carries towards commit.
type Payload struct {
	Kind      Kind
	Copy      copybuf.Ref
	UndoWords int
	DiskKey   storage.DiskKey
	Flags     Flags
	Version   uint16
}

type Record struct {
	Payload

	State   State
	Tx      TxID
	UserRef uint64
	Loc     Location

	prev  uint32 // older operation on the row
	next  uint32 // newer operation on the row
	gen   uint32
	inUse bool
}

func (r *Record) Has(f Flags) bool { return r.Flags&f != 0 }

// Handle names a record; Gen detects reuse of the slot.
type Handle struct {
	Idx uint32
	Gen uint32
}

var NullHandle = Handle{Idx: pagepool.RNIL}

func (h Handle) IsNull() bool { return h.Idx == pagepool.RNIL }

func (h Handle) String() string {
	if h.IsNull() {
		return "op(nil)"
	}
	return fmt.Sprintf("op(%d#%d)", h.Idx, h.Gen)
}

// Pool is a fixed arena of operation records.
type Pool struct {
	recs []Record
	free []uint32
}

func NewPool(n int) *Pool {
	p := &Pool{recs: make([]Record, n), free: make([]uint32, 0, n)}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p
}

// Seize takes a free record, reset to IDLE and unlinked.
func (p *Pool) Seize() (Handle, *Record, error) {
	if len(p.free) == 0 {
		return NullHandle, nil, ErrNoOpRecord
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	r := &p.recs[idx]
	gen := r.gen + 1
	*r = Record{
		Payload: Payload{Copy: copybuf.NullRef, DiskKey: storage.NullDiskKey},
		prev:    pagepool.RNIL,
		next:    pagepool.RNIL,
		gen:     gen,
		inUse:   true,
	}
	return Handle{Idx: idx, Gen: gen}, r, nil
}

// Get resolves a handle, failing for released or reused records.
func (p *Pool) Get(h Handle) (*Record, error) {
	if int(h.Idx) >= len(p.recs) {
		return nil, ErrStaleHandle
	}
	r := &p.recs[h.Idx]
	if !r.inUse || r.gen != h.Gen {
		return nil, ErrStaleHandle
	}
	return r, nil
}

// Release returns the record to the pool. The caller unlinks it first.
func (p *Pool) Release(h Handle) error {
	r, err := p.Get(h)
	if err != nil {
		return err
	}
	r.inUse = false
	p.free = append(p.free, h.Idx)
	return nil
}

func (p *Pool) handle(idx uint32) Handle {
	return Handle{Idx: idx, Gen: p.recs[idx].gen}
}

func (p *Pool) InUse() int { return len(p.recs) - len(p.free) }

func (p *Pool) Size() int { return len(p.recs) }
