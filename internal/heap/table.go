package heap

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

// Heap places rows of a fragment into its pages: fixed parts on fix pages,
// var parts on var pages. New pages are formatted on demand.
type Heap struct {
	cat  *catalog.Catalog
	pool *pagepool.Pool
}

func New(cat *catalog.Catalog) *Heap {
	return &Heap{cat: cat, pool: cat.Pool()}
}

func (h *Heap) page(f *catalog.Fragment, fragPage uint32) (pagepool.Page, error) {
	if fragPage >= f.Formatted {
		return pagepool.Page{}, fmt.Errorf("frag %d page %d: %w", f.ID, fragPage, ErrBadSlot)
	}
	real, ok := f.RealPage(fragPage)
	if !ok {
		return pagepool.Page{}, fmt.Errorf("frag %d page %d: %w", f.ID, fragPage, ErrBadSlot)
	}
	return h.pool.Get(real)
}

// PageState tells a scan what kind of page fragPage is.
func (h *Heap) PageState(f *catalog.Fragment, fragPage uint32) (pagepool.PageState, error) {
	pg, err := h.page(f, fragPage)
	if err != nil {
		return 0, err
	}
	return pg.State(), nil
}

func (h *Heap) FixPage(f *catalog.Fragment, fragPage uint32) (FixPage, error) {
	pg, err := h.page(f, fragPage)
	if err != nil {
		return FixPage{}, err
	}
	return AsFixPage(pg)
}

func (h *Heap) VarPage(f *catalog.Fragment, fragPage uint32) (VarPage, error) {
	pg, err := h.page(f, fragPage)
	if err != nil {
		return VarPage{}, err
	}
	return AsVarPage(pg)
}

// newPage takes the next unformatted fragment page, growing the fragment
// when every page is in use.
func (h *Heap) newPage(f *catalog.Fragment) (uint32, pagepool.Page, error) {
	if f.Formatted == f.PageCount {
		if _, err := h.cat.GrowFragment(f, 0); err != nil {
			return 0, pagepool.Page{}, err
		}
	}
	fragPage := f.Formatted
	real, ok := f.RealPage(fragPage)
	if !ok {
		return 0, pagepool.Page{}, fmt.Errorf("frag %d page %d unmapped: %w", f.ID, fragPage, ErrBadSlot)
	}
	pg, err := h.pool.Get(real)
	if err != nil {
		return 0, pagepool.Page{}, err
	}
	f.Formatted++
	return fragPage, pg, nil
}

// Tuple resolves the fixed part of the row at key.
func (h *Heap) Tuple(f *catalog.Fragment, l *record.Layout, key pagepool.LocalKey) (Tuple, error) {
	p, err := h.FixPage(f, key.Page)
	if err != nil {
		return Tuple{}, err
	}
	w, err := p.Slot(key.Slot)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{W: w[:l.FixSize], L: l}, nil
}

// AllocRow takes a free fixed slot. The returned tuple has no header bits
// set and keeps the version the slot had.
func (h *Heap) AllocRow(f *catalog.Fragment, l *record.Layout) (pagepool.LocalKey, Tuple, error) {
	for len(f.FreeFix) > 0 {
		fragPage := f.FreeFix[len(f.FreeFix)-1]
		p, err := h.FixPage(f, fragPage)
		if err != nil {
			return pagepool.NullKey, Tuple{}, err
		}
		slot, ok := p.AllocSlot()
		if p.FreeCount() == 0 {
			f.FreeFix = f.FreeFix[:len(f.FreeFix)-1]
		}
		if ok {
			w, _ := p.Slot(slot)
			return pagepool.LocalKey{Page: fragPage, Slot: slot}, Tuple{W: w[:l.FixSize], L: l}, nil
		}
	}

	fragPage, pg, err := h.newPage(f)
	if err != nil {
		return pagepool.NullKey, Tuple{}, err
	}
	p, err := FormatFixPage(pg, fragPage, l.FixSize)
	if err != nil {
		return pagepool.NullKey, Tuple{}, err
	}
	slog.Debug("heap: fix page formatted", "table", f.TableID, "frag", f.ID, "page", fragPage, "slots", p.SlotCount())

	slot, _ := p.AllocSlot()
	if p.FreeCount() > 0 {
		f.FreeFix = append(f.FreeFix, fragPage)
	}
	w, _ := p.Slot(slot)
	return pagepool.LocalKey{Page: fragPage, Slot: slot}, Tuple{W: w[:l.FixSize], L: l}, nil
}

// FreeRow returns the slot at key to its page.
func (h *Heap) FreeRow(f *catalog.Fragment, key pagepool.LocalKey) error {
	p, err := h.FixPage(f, key.Page)
	if err != nil {
		return err
	}
	wasFull := p.FreeCount() == 0
	if err := p.FreeSlot(key.Slot); err != nil {
		return err
	}
	if wasFull {
		f.FreeFix = append(f.FreeFix, key.Page)
	}
	return nil
}

// AllocVar reserves a var part of n words.
func (h *Heap) AllocVar(f *catalog.Fragment, n int) (VarRef, []uint32, error) {
	if n > MaxVarEntryWords {
		return NullVarRef, nil, ErrSlotTooLarge
	}
	for _, fragPage := range f.FreeVar {
		p, err := h.VarPage(f, fragPage)
		if err != nil {
			return NullVarRef, nil, err
		}
		if p.FreeWords() < n {
			continue
		}
		return h.insertVar(f, p, fragPage, n)
	}

	fragPage, pg, err := h.newPage(f)
	if err != nil {
		return NullVarRef, nil, err
	}
	p := FormatVarPage(pg, fragPage)
	f.FreeVar = append(f.FreeVar, fragPage)
	slog.Debug("heap: var page formatted", "table", f.TableID, "frag", f.ID, "page", fragPage)
	return h.insertVar(f, p, fragPage, n)
}

func (h *Heap) insertVar(f *catalog.Fragment, p VarPage, fragPage uint32, n int) (VarRef, []uint32, error) {
	idx, err := p.Insert(n)
	if err != nil {
		return NullVarRef, nil, err
	}
	if p.FreeWords() == 0 {
		f.FreeVar = slices.DeleteFunc(f.FreeVar, func(x uint32) bool { return x == fragPage })
	}
	w, _ := p.Get(idx)
	return MakeVarRef(fragPage, idx), w, nil
}

// VarPart returns the words of the var part at ref.
func (h *Heap) VarPart(f *catalog.Fragment, ref VarRef) ([]uint32, error) {
	p, err := h.VarPage(f, ref.Page())
	if err != nil {
		return nil, err
	}
	return p.Get(ref.Idx())
}

func (h *Heap) ShrinkVar(f *catalog.Fragment, ref VarRef, n int) error {
	p, err := h.VarPage(f, ref.Page())
	if err != nil {
		return err
	}
	if err := p.Shrink(ref.Idx(), n); err != nil {
		return err
	}
	h.noteVarSpace(f, ref.Page())
	return nil
}

// GrowVar gives the var part at ref room for n words, moving it to a new
// entry when needed. The content is kept.
func (h *Heap) GrowVar(f *catalog.Fragment, ref VarRef, n int) (VarRef, []uint32, error) {
	cur, err := h.VarPart(f, ref)
	if err != nil {
		return NullVarRef, nil, err
	}
	if len(cur) >= n {
		return ref, cur, nil
	}
	// the old entry may move when its page is compacted
	old := slices.Clone(cur)
	nref, w, err := h.AllocVar(f, n)
	if err != nil {
		return NullVarRef, nil, err
	}
	copy(w, old)
	if err := h.FreeVar(f, ref); err != nil {
		return NullVarRef, nil, err
	}
	return nref, w, nil
}

func (h *Heap) FreeVar(f *catalog.Fragment, ref VarRef) error {
	p, err := h.VarPage(f, ref.Page())
	if err != nil {
		return err
	}
	if err := p.Free(ref.Idx()); err != nil {
		return err
	}
	h.noteVarSpace(f, ref.Page())
	return nil
}

func (h *Heap) noteVarSpace(f *catalog.Fragment, fragPage uint32) {
	if !slices.Contains(f.FreeVar, fragPage) {
		f.FreeVar = append(f.FreeVar, fragPage)
	}
}
