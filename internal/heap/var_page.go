package heap

import (
	"errors"
	"sort"

	"github.com/tuannm99/novatup/internal/pagepool"
)

var (
	ErrNoVarSpace = errors.New("heap: not enough free space on var page")
	ErrBadEntry   = errors.New("heap: invalid var entry")
)

// Var page kind words
const (
	offVarEntries  = pagepool.OffKind     // directory length
	offVarUpper    = pagepool.OffKind + 1 // lowest data word in use
	offVarUsed     = pagepool.OffKind + 2 // live data words
	offVarFreeEnts = pagepool.OffKind + 3 // free directory entries
)

const freeEntry = pagepool.RNIL

// MaxVarEntryWords is the largest entry a var page can hold.
const MaxVarEntryWords = pagepool.DataWords - 1

// VarPage keeps var parts. The entry directory grows up from the header,
// data grows down from the page end. An entry word is offset<<16 | length.
// Entry indexes are stable; data may move when the page is compacted.
//
// +------------------+ 0
// | page header      |
// | directory[]      | <-- HeaderWords + entries
// +------------------+
// |   free space     |
// +------------------+ <-- upper
// |  var data        |
// |  (grows down)    |
// +------------------+ PageWords
type VarPage struct {
	pagepool.Page
}

func FormatVarPage(pg pagepool.Page, fragPage uint32) VarPage {
	pg.Clear()
	pg.SetFragPageID(fragPage)
	pg.SetState(pagepool.StateVarPage)
	p := VarPage{pg}
	p.SetWord(offVarUpper, pagepool.PageWords)
	return p
}

func AsVarPage(pg pagepool.Page) (VarPage, error) {
	if pg.State() != pagepool.StateVarPage {
		return VarPage{}, ErrWrongPage
	}
	return VarPage{pg}, nil
}

func (p VarPage) entries() uint32 { return p.Word(offVarEntries) }

func (p VarPage) lower() uint32 { return pagepool.HeaderWords + p.entries() }

func (p VarPage) upper() uint32 { return p.Word(offVarUpper) }

func (p VarPage) entry(i uint32) uint32 { return p.Words[pagepool.HeaderWords+i] }

func (p VarPage) setEntry(i, v uint32) { p.Words[pagepool.HeaderWords+i] = v }

// FreeWords is the space an insert could use after compaction, counting
// one directory word when no free entry can be reused.
func (p VarPage) FreeWords() int {
	n := int(pagepool.PageWords-p.lower()) - int(p.Word(offVarUsed))
	if p.Word(offVarFreeEnts) == 0 {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

func (p VarPage) EntryCount() int { return int(p.entries() - p.Word(offVarFreeEnts)) }

// Get returns the words of entry i.
func (p VarPage) Get(i uint32) ([]uint32, error) {
	if i >= p.entries() || p.entry(i) == freeEntry {
		return nil, ErrBadEntry
	}
	e := p.entry(i)
	off, n := e>>16, e&0xFFFF
	return p.Words[off : off+n : off+n], nil
}

// Insert reserves n words and returns the entry index.
func (p VarPage) Insert(n int) (uint32, error) {
	if n <= 0 || n > MaxVarEntryWords {
		return 0, ErrBadEntry
	}
	if p.FreeWords() < n {
		return 0, ErrNoVarSpace
	}

	idx := p.entries()
	if p.Word(offVarFreeEnts) > 0 {
		for i := uint32(0); i < p.entries(); i++ {
			if p.entry(i) == freeEntry {
				idx = i
				break
			}
		}
	}

	need := uint32(n)
	if idx == p.entries() {
		need++
	}
	if p.upper()-p.lower() < need {
		p.compact()
	}

	if idx == p.entries() {
		p.SetWord(offVarEntries, idx+1)
	} else {
		p.SetWord(offVarFreeEnts, p.Word(offVarFreeEnts)-1)
	}
	off := p.upper() - uint32(n)
	p.SetWord(offVarUpper, off)
	p.SetWord(offVarUsed, p.Word(offVarUsed)+uint32(n))
	p.setEntry(idx, off<<16|uint32(n))
	clear(p.Words[off : off+uint32(n)])
	return idx, nil
}

// Shrink cuts entry i down to n words in place.
func (p VarPage) Shrink(i uint32, n int) error {
	w, err := p.Get(i)
	if err != nil {
		return err
	}
	if n <= 0 || n > len(w) {
		return ErrBadEntry
	}
	off := p.entry(i) >> 16
	p.setEntry(i, off<<16|uint32(n))
	p.SetWord(offVarUsed, p.Word(offVarUsed)-uint32(len(w)-n))
	return nil
}

// Free releases entry i. Trailing free directory words are given back.
func (p VarPage) Free(i uint32) error {
	w, err := p.Get(i)
	if err != nil {
		return err
	}
	off := p.entry(i) >> 16
	p.SetWord(offVarUsed, p.Word(offVarUsed)-uint32(len(w)))
	p.setEntry(i, freeEntry)
	p.SetWord(offVarFreeEnts, p.Word(offVarFreeEnts)+1)
	if off == p.upper() {
		p.SetWord(offVarUpper, off+uint32(len(w)))
	}
	for n := p.entries(); n > 0 && p.entry(n-1) == freeEntry; n-- {
		p.SetWord(offVarEntries, n-1)
		p.SetWord(offVarFreeEnts, p.Word(offVarFreeEnts)-1)
	}
	if p.EntryCount() == 0 {
		p.SetWord(offVarUpper, pagepool.PageWords)
	}
	return nil
}

// compact moves every live entry to the end of the page.
func (p VarPage) compact() {
	type live struct{ idx, off, n uint32 }
	var ents []live
	for i := uint32(0); i < p.entries(); i++ {
		e := p.entry(i)
		if e == freeEntry {
			continue
		}
		ents = append(ents, live{i, e >> 16, e & 0xFFFF})
	}
	// highest offset first so moves never overlap data not yet moved
	sort.Slice(ents, func(a, b int) bool { return ents[a].off > ents[b].off })

	top := uint32(pagepool.PageWords)
	for _, e := range ents {
		top -= e.n
		copy(p.Words[top:top+e.n], p.Words[e.off:e.off+e.n])
		p.setEntry(e.idx, top<<16|e.n)
	}
	p.SetWord(offVarUpper, top)
}
