// Package copybuf is the scratch space for copy tuples: the private row
// images in-flight operations work on until commit or abort.
package copybuf

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
)

var (
	ErrNoCopySpace = errors.New("copybuf: out of copy tuple space")
	ErrBadRef      = errors.New("copybuf: invalid copy tuple reference")
)

// Ref is the word offset of an allocation. NullRef means none.
type Ref uint32

const NullRef = Ref(0xFFFFFFFF)

func (r Ref) IsNull() bool { return r == NullRef }

type block struct {
	off, n uint32
}

// Arena is a first-fit allocator over one word slice. Free blocks are kept
// sorted by offset and merged with their neighbours.
type Arena struct {
	words []uint32
	free  []block
	used  map[uint32]uint32 // off -> size
}

func New(words int) *Arena {
	a := &Arena{
		words: make([]uint32, words),
		free:  []block{{0, uint32(words)}},
		used:  make(map[uint32]uint32),
	}
	slog.Debug("copybuf: init", "words", words, "size", humanize.IBytes(uint64(words)*4))
	return a
}

// Alloc returns n zeroed words.
func (a *Arena) Alloc(n int) (Ref, []uint32, error) {
	if n <= 0 {
		return NullRef, nil, ErrBadRef
	}
	for i, b := range a.free {
		if b.n < uint32(n) {
			continue
		}
		off := b.off
		if b.n == uint32(n) {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = block{b.off + uint32(n), b.n - uint32(n)}
		}
		a.used[off] = uint32(n)
		w := a.words[off : off+uint32(n) : off+uint32(n)]
		clear(w)
		return Ref(off), w, nil
	}
	return NullRef, nil, ErrNoCopySpace
}

// Get returns the words of a live allocation.
func (a *Arena) Get(r Ref) ([]uint32, error) {
	n, ok := a.used[uint32(r)]
	if !ok {
		return nil, ErrBadRef
	}
	off := uint32(r)
	return a.words[off : off+n : off+n], nil
}

// Free releases r. Freeing twice is an error.
func (a *Arena) Free(r Ref) error {
	n, ok := a.used[uint32(r)]
	if !ok {
		return ErrBadRef
	}
	delete(a.used, uint32(r))

	off := uint32(r)
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, block{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = block{off, n}

	// merge with right, then left
	if i+1 < len(a.free) && a.free[i].off+a.free[i].n == a.free[i+1].off {
		a.free[i].n += a.free[i+1].n
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].n == a.free[i].off {
		a.free[i-1].n += a.free[i].n
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// InUse is the number of live allocations.
func (a *Arena) InUse() int { return len(a.used) }

// FreeWords is the total free space.
func (a *Arena) FreeWords() int {
	n := 0
	for _, b := range a.free {
		n += int(b.n)
	}
	return n
}
