package pagepool

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// Pool is a fixed array of equally sized pages plus the buddy free lists.
// It is owned by exactly one partition and is not safe for concurrent use.
type Pool struct {
	words    []uint32
	nPages   uint32
	freeList [NumClasses]uint32
	free     uint32
}

// New creates a pool of nPages pages, all of them free.
func New(nPages uint32) *Pool {
	p := &Pool{
		words:  make([]uint32, int(nPages)*PageWords),
		nPages: nPages,
	}
	for i := range p.freeList {
		p.freeList[i] = RNIL
	}
	for i := uint32(0); i < nPages; i++ {
		pg := p.page(i)
		pg.Words[offPhysicalIndex] = i
		pg.Words[offFragPageID] = RNIL
		pg.SetState(StateAllocated)
		pg.setNextRun(RNIL)
		pg.setPrevRun(RNIL)
		pg.setFirstInRun(RNIL)
		pg.setLastInRun(RNIL)
	}
	p.returnRun(0, nPages)

	slog.Info("pagepool: init",
		"pages", nPages,
		"size", humanize.IBytes(uint64(nPages)*PageWords*4),
	)
	return p
}

func (p *Pool) page(i uint32) Page {
	off := int(i) * PageWords
	return Page{Words: p.words[off : off+PageWords : off+PageWords]}
}

// Get returns page i after a bounds check.
func (p *Pool) Get(i uint32) (Page, error) {
	if i >= p.nPages {
		return Page{}, ErrBadPage
	}
	return p.page(i), nil
}

func (p *Pool) NumPages() uint32 { return p.nPages }

// FreePageCount is the number of pages currently tracked by the free lists.
func (p *Pool) FreePageCount() uint32 { return p.free }

// AllocatedPageCount is the number of pages handed out.
func (p *Pool) AllocatedPageCount() uint32 { return p.nPages - p.free }

// Run is one entry of a free list.
type Run struct {
	Start uint32
	Pages uint32
	Class int
}

// FreeRuns walks every free list and returns the runs found, class by class.
func (p *Pool) FreeRuns() []Run {
	var out []Run
	for c := 0; c < NumClasses; c++ {
		for i := p.freeList[c]; i != RNIL; i = p.page(i).nextRun() {
			out = append(out, Run{Start: i, Pages: 1 << c, Class: c})
		}
	}
	return out
}

// ClassCounts returns how many runs each class holds.
func (p *Pool) ClassCounts() [NumClasses]int {
	var out [NumClasses]int
	for c := 0; c < NumClasses; c++ {
		for i := p.freeList[c]; i != RNIL; i = p.page(i).nextRun() {
			out[c]++
		}
	}
	return out
}
