package heap

import (
	"errors"

	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

var (
	ErrBadSlot      = errors.New("heap: invalid slot")
	ErrSlotFree     = errors.New("heap: slot already free")
	ErrWrongPage    = errors.New("heap: page has the wrong kind")
	ErrSlotTooLarge = errors.New("heap: row does not fit a page")
)

// Fix page kind words
const (
	offFixFreeHead  = pagepool.OffKind
	offFixFreeCount = pagepool.OffKind + 1
	offFixSlotSize  = pagepool.OffKind + 2
	offFixSlotCount = pagepool.OffKind + 3
)

// FixPage hands out fixed-size row slots. Free slots are chained through
// their op pointer word and carry the Free bit.
type FixPage struct {
	pagepool.Page
}

// FormatFixPage turns pg into an empty fix page. Slot versions start at 0.
func FormatFixPage(pg pagepool.Page, fragPage uint32, slotSize int) (FixPage, error) {
	if slotSize < record.BitsIdx+1 || slotSize > pagepool.DataWords {
		return FixPage{}, ErrSlotTooLarge
	}
	pg.Clear()
	pg.SetFragPageID(fragPage)
	pg.SetState(pagepool.StateFixPage)

	p := FixPage{pg}
	n := pagepool.DataWords / slotSize
	p.SetWord(offFixSlotSize, uint32(slotSize))
	p.SetWord(offFixSlotCount, uint32(n))
	p.SetWord(offFixFreeHead, pagepool.RNIL)
	p.SetWord(offFixFreeCount, 0)
	for i := n - 1; i >= 0; i-- {
		p.push(uint32(i))
	}
	return p, nil
}

func AsFixPage(pg pagepool.Page) (FixPage, error) {
	if pg.State() != pagepool.StateFixPage {
		return FixPage{}, ErrWrongPage
	}
	return FixPage{pg}, nil
}

func (p FixPage) SlotSize() int { return int(p.Word(offFixSlotSize)) }

func (p FixPage) SlotCount() int { return int(p.Word(offFixSlotCount)) }

func (p FixPage) FreeCount() int { return int(p.Word(offFixFreeCount)) }

// Slot returns the words of slot i.
func (p FixPage) Slot(i uint32) ([]uint32, error) {
	if int(i) >= p.SlotCount() {
		return nil, ErrBadSlot
	}
	size := p.SlotSize()
	off := pagepool.HeaderWords + int(i)*size
	return p.Words[off : off+size : off+size], nil
}

func (p FixPage) IsFree(i uint32) bool {
	w, err := p.Slot(i)
	if err != nil {
		return false
	}
	return HeaderBits(w[record.BitsIdx]>>16)&Free != 0
}

// AllocSlot pops a free slot. The slot is zeroed except for its version and
// its op pointer is set to RNIL.
func (p FixPage) AllocSlot() (uint32, bool) {
	head := p.Word(offFixFreeHead)
	if head == pagepool.RNIL {
		return 0, false
	}
	w, _ := p.Slot(head)
	p.SetWord(offFixFreeHead, w[record.OpPtrIdx])
	p.SetWord(offFixFreeCount, p.Word(offFixFreeCount)-1)

	version := w[record.BitsIdx] & 0xFFFF
	clear(w)
	w[record.OpPtrIdx] = pagepool.RNIL
	w[record.BitsIdx] = version
	return head, true
}

// FreeSlot puts slot i back on the free list, keeping its version.
func (p FixPage) FreeSlot(i uint32) error {
	if int(i) >= p.SlotCount() {
		return ErrBadSlot
	}
	if p.IsFree(i) {
		return ErrSlotFree
	}
	p.push(i)
	return nil
}

func (p FixPage) push(i uint32) {
	w, _ := p.Slot(i)
	w[record.OpPtrIdx] = p.Word(offFixFreeHead)
	w[record.BitsIdx] = uint32(Free)<<16 | w[record.BitsIdx]&0xFFFF
	p.SetWord(offFixFreeHead, i)
	p.SetWord(offFixFreeCount, p.Word(offFixFreeCount)+1)
}
