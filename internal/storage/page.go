package storage

import (
	"encoding/binary"
	"errors"
)

// Header offsets
const (
	offFlags    = 0
	offPageID   = 2
	offRecWords = 6
	offSlots    = 8
	offReserved = 10
	offLSN      = 16
)

// Page flags
const (
	PageFlagFormatted uint16 = 1 << 0
)

var (
	ErrRecordTooLarge = errors.New("page: record too large for a page")
	ErrBadSlot        = errors.New("page: invalid slot")
	ErrRecordSize     = errors.New("page: record size does not match page format")
	ErrWrongSize      = errors.New("page: buffer size != PageSize")
)

// Page is one disk page holding fixed-size records (disk parts of rows).
//
// +------------------+ 0
// | header           | flags, pageID, record words, slots, page LSN
// +------------------+ HeaderSize
// | record 0         |
// | record 1         |
// | ...              |
// +------------------+ HeaderSize + slots*recWords*4
// | unused           |
// +------------------+ PageSize (8192)
type Page struct {
	Buf []byte // fixed-size 8KB
}

func NewPage(buf []byte, pageID uint32) (*Page, error) {
	if len(buf) != PageSize {
		return nil, ErrWrongSize
	}
	p := &Page{Buf: buf}
	p.init(pageID)
	return p, nil
}

// ---- low-level header getters/setters ----
func (p *Page) flags() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[offFlags:])
}

func (p *Page) setFlags(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offFlags:], v)
}

func (p *Page) PageID() uint32 {
	return binary.LittleEndian.Uint32(p.Buf[offPageID:])
}

func (p *Page) setPageID(v uint32) {
	binary.LittleEndian.PutUint32(p.Buf[offPageID:], v)
}

func (p *Page) RecWords() int {
	return int(binary.LittleEndian.Uint16(p.Buf[offRecWords:]))
}

func (p *Page) setRecWords(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offRecWords:], v)
}

func (p *Page) SlotCount() int {
	return int(binary.LittleEndian.Uint16(p.Buf[offSlots:]))
}

func (p *Page) setSlotCount(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offSlots:], v)
}

// LSN is the undo log position of the last change written to the page.
func (p *Page) LSN() uint64 {
	return binary.LittleEndian.Uint64(p.Buf[offLSN:])
}

func (p *Page) SetLSN(v uint64) {
	binary.LittleEndian.PutUint64(p.Buf[offLSN:], v)
}

func (p *Page) init(pageID uint32) {
	clear(p.Buf)
	p.setFlags(0)
	p.setPageID(pageID)
}

// SlotsFor is how many records of recWords words fit a page.
func SlotsFor(recWords int) int {
	if recWords <= 0 {
		return 0
	}
	return (PageSize - HeaderSize) / (recWords * 4)
}

// Format prepares the page for records of recWords words. Formatting an
// already formatted page with the same size is a no-op.
func (p *Page) Format(recWords int) error {
	if p.IsFormatted() {
		if p.RecWords() != recWords {
			return ErrRecordSize
		}
		return nil
	}
	n := SlotsFor(recWords)
	if n == 0 || recWords > 0xFFFF {
		return ErrRecordTooLarge
	}
	p.setRecWords(uint16(recWords))
	p.setSlotCount(uint16(n))
	p.setFlags(p.flags() | PageFlagFormatted)
	return nil
}

// Reformat drops every record on the page and formats it for recWords.
func (p *Page) Reformat(recWords int) error {
	clear(p.Buf[HeaderSize:])
	p.setFlags(p.flags() &^ PageFlagFormatted)
	p.setSlotCount(0)
	return p.Format(recWords)
}

func (p *Page) IsFormatted() bool {
	return p.flags()&PageFlagFormatted != 0
}

func (p *Page) IsUninitialized() bool {
	return p.flags() == 0 && p.PageID() == 0 && p.RecWords() == 0
}

func (p *Page) recOff(slot int) (int, error) {
	if !p.IsFormatted() {
		return 0, ErrInvalidOperation
	}
	if slot < 0 || slot >= p.SlotCount() {
		return 0, ErrBadSlot
	}
	return HeaderSize + slot*p.RecWords()*4, nil
}

// ReadRecord copies record slot into dst (RecWords words).
func (p *Page) ReadRecord(slot int, dst []uint32) error {
	off, err := p.recOff(slot)
	if err != nil {
		return err
	}
	if len(dst) != p.RecWords() {
		return ErrRecordSize
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(p.Buf[off+i*4:])
	}
	return nil
}

// WriteRecord overwrites record slot with src (RecWords words).
func (p *Page) WriteRecord(slot int, src []uint32) error {
	off, err := p.recOff(slot)
	if err != nil {
		return err
	}
	if len(src) != p.RecWords() {
		return ErrRecordSize
	}
	for i, w := range src {
		binary.LittleEndian.PutUint32(p.Buf[off+i*4:], w)
	}
	return nil
}

// ClearRecord zeroes record slot.
func (p *Page) ClearRecord(slot int) error {
	off, err := p.recOff(slot)
	if err != nil {
		return err
	}
	clear(p.Buf[off : off+p.RecWords()*4])
	return nil
}
