package pagepool

import "errors"

const (
	// PageWords is the size of every page in 32-bit words (32 KiB).
	PageWords = 8192
	// HeaderWords is reserved at the start of every page.
	HeaderWords = 16
	// DataWords is what a page kind may use after the header.
	DataWords = PageWords - HeaderWords

	// NumClasses is the number of buddy size classes; class k holds runs of 2^k pages.
	NumClasses = 16

	// RNIL marks an absent page / link.
	RNIL uint32 = 0xFFFFFFFF
)

// Header word offsets
const (
	offPhysicalIndex = 0
	offFragPageID    = 1
	offState         = 2
	offNextRun       = 3
	offPrevRun       = 4
	offFirstInRun    = 5 // only on the last page of a free run
	offLastInRun     = 6 // only on the first page of a free run

	// OffKind is the first header word a page kind (fix/var) may use.
	OffKind = 7
)

type PageState uint32

const (
	StateAllocated PageState = iota + 1
	StateFreeBoundary
	StateEmpty
	StateFixPage
	StateVarPage
)

func (s PageState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateFreeBoundary:
		return "free_boundary"
	case StateEmpty:
		return "empty"
	case StateFixPage:
		return "fix"
	case StateVarPage:
		return "var"
	default:
		return "unknown"
	}
}

var (
	ErrBadPage          = errors.New("pagepool: page index out of range")
	ErrCorruptFreeList  = errors.New("pagepool: free list corrupted")
	ErrFreeOutOfRange   = errors.New("pagepool: free range out of bounds")
	ErrPageAlreadyFreed = errors.New("pagepool: page already on a free list")
)

// Page is a view over one page of the pool.
type Page struct {
	Words []uint32 // len == PageWords
}

func (p Page) PhysicalIndex() uint32 { return p.Words[offPhysicalIndex] }

func (p Page) FragPageID() uint32 { return p.Words[offFragPageID] }

func (p Page) SetFragPageID(v uint32) { p.Words[offFragPageID] = v }

func (p Page) State() PageState { return PageState(p.Words[offState]) }

func (p Page) SetState(s PageState) { p.Words[offState] = uint32(s) }

// Word/SetWord access the kind-specific header words (OffKind..HeaderWords).
func (p Page) Word(off int) uint32 { return p.Words[off] }

func (p Page) SetWord(off int, v uint32) { p.Words[off] = v }

// Data returns the words after the header.
func (p Page) Data() []uint32 { return p.Words[HeaderWords:] }

// Clear zeroes everything but the physical index and fragment page id.
func (p Page) Clear() {
	phys, frag := p.PhysicalIndex(), p.FragPageID()
	clear(p.Words)
	p.Words[offPhysicalIndex] = phys
	p.Words[offFragPageID] = frag
}

func (p Page) nextRun() uint32 { return p.Words[offNextRun] }

func (p Page) setNextRun(v uint32) { p.Words[offNextRun] = v }

func (p Page) prevRun() uint32 { return p.Words[offPrevRun] }

func (p Page) setPrevRun(v uint32) { p.Words[offPrevRun] = v }

func (p Page) firstInRun() uint32 { return p.Words[offFirstInRun] }

func (p Page) setFirstInRun(v uint32) { p.Words[offFirstInRun] = v }

func (p Page) lastInRun() uint32 { return p.Words[offLastInRun] }

func (p Page) setLastInRun(v uint32) { p.Words[offLastInRun] = v }
