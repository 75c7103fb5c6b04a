package tup

import (
	"log/slog"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
)

// CheckpointRow is one row written by a checkpoint scan. Values holds the
// memory attributes; disk attributes are nil.
type CheckpointRow struct {
	Key     pagepool.LocalKey
	Version uint16
	GCI     uint32
	Kept    bool
	Values  []any
}

// CheckpointSink receives the rows of a fragment checkpoint in page/slot
// order.
type CheckpointSink interface {
	WriteRow(CheckpointRow) error
}

type checkpointScan struct {
	sink CheckpointSink
	rows int
	kept int
}

// StartCheckpoint positions a checkpoint scan of the fragment at its first
// slot. Rows deleted at or after the cursor while the scan runs stay on the
// fragment's keep list until the scan has written them.
func (m *Manager) StartCheckpoint(tableID, fragID uint32, sink CheckpointSink) error {
	_, f, err := m.fragment(tableID, fragID)
	if err != nil {
		return err
	}
	if f.Checkpoint.Active {
		return ErrCheckpointActive
	}
	f.Checkpoint = catalog.Checkpoint{Active: true, Cursor: pagepool.LocalKey{}}
	m.checkpoints[fragRef{tableID, fragID}] = &checkpointScan{sink: sink}
	slog.Info("tup: checkpoint start", "table", tableID, "frag", fragID, "pages", f.Formatted)
	return nil
}

// CheckpointStep visits up to StepSlots slots and reports true once the
// whole fragment has been written.
func (m *Manager) CheckpointStep(tableID, fragID uint32) (bool, error) {
	t, f, err := m.fragment(tableID, fragID)
	if err != nil {
		return false, err
	}
	scan, ok := m.checkpoints[fragRef{tableID, fragID}]
	if !ok || !f.Checkpoint.Active {
		return false, ErrNoCheckpoint
	}
	l := t.Layout
	cur := &f.Checkpoint.Cursor

	for n := 0; n < m.opts.StepSlots; {
		if cur.Page >= f.Formatted {
			m.finishCheckpoint(f, l, scan)
			return true, nil
		}
		st, err := m.heap.PageState(f, cur.Page)
		if err != nil {
			return false, m.broken(f, err)
		}
		if st != pagepool.StateFixPage {
			*cur = pagepool.LocalKey{Page: cur.Page + 1}
			continue
		}
		p, err := m.heap.FixPage(f, cur.Page)
		if err != nil {
			return false, m.broken(f, err)
		}
		if int(cur.Slot) >= p.SlotCount() {
			*cur = pagepool.LocalKey{Page: cur.Page + 1}
			continue
		}
		if err := m.checkpointSlot(f, l, scan, *cur); err != nil {
			return false, err
		}
		cur.Slot++
		n++
	}
	return false, nil
}

func (m *Manager) checkpointSlot(f *catalog.Fragment, l *record.Layout, scan *checkpointScan, key pagepool.LocalKey) error {
	row, err := m.heap.Tuple(f, l, key)
	if err != nil {
		return m.broken(f, err)
	}
	switch {
	case row.HasBits(heap.Free):
		return nil
	case row.HasBits(heap.LCPKeep):
		img, err := m.rowImage(f, l, row)
		if err != nil {
			return err
		}
		if err := scan.sink.WriteRow(CheckpointRow{Key: key, Version: row.Version(), GCI: row.GCI(), Kept: true, Values: img}); err != nil {
			return err
		}
		scan.kept++
		if err := m.unkeep(f, l, key); err != nil {
			return err
		}
		return m.freeRow(f, l, key, row, storage.NullDiskKey)
	case row.HasBits(heap.LCPSkip):
		row.ClearBits(heap.LCPSkip)
		return nil
	case row.HasBits(heap.Alloc):
		return nil
	}
	img, err := m.rowImage(f, l, row)
	if err != nil {
		return err
	}
	scan.rows++
	return scan.sink.WriteRow(CheckpointRow{Key: key, Version: row.Version(), GCI: row.GCI(), Values: img})
}

func (m *Manager) finishCheckpoint(f *catalog.Fragment, l *record.Layout, scan *checkpointScan) {
	f.Checkpoint = catalog.Checkpoint{Cursor: pagepool.NullKey}
	delete(m.checkpoints, fragRef{f.TableID, f.ID})
	if !f.KeepHead.IsNull() {
		slog.Warn("tup: keep list not empty after checkpoint", "table", f.TableID, "frag", f.ID)
		m.releaseKept(f, l)
	}
	slog.Info("tup: checkpoint done", "table", f.TableID, "frag", f.ID, "rows", scan.rows, "kept", scan.kept)
}

// AbortCheckpoint stops the scan, frees the rows kept for it and clears
// the skip marks it left on rows it had not reached.
func (m *Manager) AbortCheckpoint(tableID, fragID uint32) error {
	t, f, err := m.cat.GetFragment(tableID, fragID)
	if err != nil {
		return err
	}
	if !f.Checkpoint.Active {
		return ErrNoCheckpoint
	}
	l := t.Layout
	from := f.Checkpoint.Cursor
	f.Checkpoint = catalog.Checkpoint{Cursor: pagepool.NullKey}
	delete(m.checkpoints, fragRef{tableID, fragID})
	m.releaseKept(f, l)

	for page := from.Page; page < f.Formatted; page++ {
		p, err := m.heap.FixPage(f, page)
		if err != nil {
			continue
		}
		start := uint32(0)
		if page == from.Page {
			start = from.Slot
		}
		for slot := start; int(slot) < p.SlotCount(); slot++ {
			row, err := m.heap.Tuple(f, l, pagepool.LocalKey{Page: page, Slot: slot})
			if err != nil {
				return m.broken(f, err)
			}
			if !row.HasBits(heap.Free) {
				row.ClearBits(heap.LCPSkip)
			}
		}
	}
	slog.Info("tup: checkpoint aborted", "table", tableID, "frag", fragID, "cursor", from)
	return nil
}

// RunCheckpoint runs a whole checkpoint as scheduler steps and calls done
// at the end.
func (m *Manager) RunCheckpoint(tableID, fragID uint32, sink CheckpointSink, done func(error)) error {
	if err := m.StartCheckpoint(tableID, fragID, sink); err != nil {
		return err
	}
	var step func()
	step = func() {
		finished, err := m.CheckpointStep(tableID, fragID)
		switch {
		case err != nil:
			_ = m.AbortCheckpoint(tableID, fragID)
			done(err)
		case finished:
			done(nil)
		default:
			m.sched.Post("tup: checkpoint step", step)
		}
	}
	m.sched.Post("tup: checkpoint step", step)
	return nil
}

// KeptRows lists the rows currently on the fragment's keep list.
func (m *Manager) KeptRows(tableID, fragID uint32) ([]CheckpointRow, error) {
	t, f, err := m.fragment(tableID, fragID)
	if err != nil {
		return nil, err
	}
	l := t.Layout
	var out []CheckpointRow
	for key := f.KeepHead; !key.IsNull(); {
		row, err := m.heap.Tuple(f, l, key)
		if err != nil {
			return nil, m.broken(f, err)
		}
		img, err := m.rowImage(f, l, row)
		if err != nil {
			return nil, err
		}
		out = append(out, CheckpointRow{Key: key, Version: row.Version(), GCI: row.GCI(), Kept: true, Values: img})
		key = keepKey(row.OpPtr())
	}
	return out, nil
}

// unkeep removes key from the keep list.
func (m *Manager) unkeep(f *catalog.Fragment, l *record.Layout, key pagepool.LocalKey) error {
	prev := pagepool.NullKey
	for cur := f.KeepHead; !cur.IsNull(); {
		row, err := m.heap.Tuple(f, l, cur)
		if err != nil {
			return m.broken(f, err)
		}
		next := keepKey(row.OpPtr())
		if cur == key {
			if prev.IsNull() {
				f.KeepHead = next
			} else {
				pr, err := m.heap.Tuple(f, l, prev)
				if err != nil {
					return m.broken(f, err)
				}
				pr.SetOpPtr(keepLink(next))
			}
			row.SetOpPtr(pagepool.RNIL)
			return nil
		}
		prev, cur = cur, next
	}
	return m.broken(f, ErrRowNotFound)
}

// releaseKept frees every row on the keep list.
func (m *Manager) releaseKept(f *catalog.Fragment, l *record.Layout) {
	for key := f.KeepHead; !key.IsNull(); {
		row, err := m.heap.Tuple(f, l, key)
		if err != nil {
			_ = m.broken(f, err)
			break
		}
		next := keepKey(row.OpPtr())
		if err := m.freeRow(f, l, key, row, storage.NullDiskKey); err != nil {
			break
		}
		key = next
	}
	f.KeepHead = pagepool.NullKey
}

// rowImage decodes the memory attributes of a stable row.
func (m *Manager) rowImage(f *catalog.Fragment, l *record.Layout, row heap.Tuple) ([]any, error) {
	var varPart []uint32
	if l.VarCount > 0 {
		vp, err := m.heap.VarPart(f, row.VarRef())
		if err != nil {
			return nil, m.broken(f, err)
		}
		varPart = vp
	}
	vals, err := record.DecodeRow(l, row.W, varPart, make([]uint32, l.DiskSize))
	if err != nil {
		return nil, err
	}
	for i, a := range l.Attrs {
		if a.Desc.Storage == record.StorageDisk {
			vals[i] = nil
		}
	}
	return vals, nil
}
