package tup

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/copybuf"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
	"github.com/tuannm99/novatup/internal/wal"
)

// OpReq is a row operation request. Key is ignored by Insert; Values holds
// one value per attribute, in attribute order.
type OpReq struct {
	Tx      oprec.TxID
	Table   uint32
	Frag    uint32
	Key     pagepool.LocalKey
	Values  []any
	UserRef uint64
}

func (r OpReq) loc() oprec.Location {
	return oprec.Location{Table: r.Table, Frag: r.Frag, Key: r.Key}
}

// Insert places a new row and prepares its insert operation. The row stays
// invisible to other transactions until the operation commits.
func (m *Manager) Insert(req OpReq) (oprec.Handle, pagepool.LocalKey, error) {
	t, f, err := m.fragment(req.Table, req.Frag)
	if err != nil {
		return oprec.NullHandle, pagepool.NullKey, err
	}
	l := t.Layout
	if err := m.needsDisk(l); err != nil {
		return oprec.NullHandle, pagepool.NullKey, err
	}

	key, row, err := m.heap.AllocRow(f, l)
	if err != nil {
		return oprec.NullHandle, pagepool.NullKey, err
	}
	row.SetBits(heap.Alloc)
	row.SetVarRef(heap.NullVarRef)
	row.SetDiskRef(storage.NullDiskKey)

	loc := req.loc()
	loc.Key = key
	h, err := m.beginOp(req.Tx, loc, oprec.KindInsert, req.UserRef, f, l, row)
	if err != nil {
		if ferr := m.heap.FreeRow(f, key); ferr != nil {
			return oprec.NullHandle, pagepool.NullKey, m.broken(f, ferr)
		}
		return oprec.NullHandle, pagepool.NullKey, err
	}

	if l.Kind == record.KindDiskBacked {
		dk, err := m.allocDisk(f, l)
		if err != nil {
			_ = m.Abort(h)
			return oprec.NullHandle, pagepool.NullKey, err
		}
		rec, _ := m.ops.Get(h)
		rec.DiskKey = dk
		rec.Flags |= oprec.FlagDiskPreallocated
	}

	if err := m.ApplyCopy(h, req.Values); err != nil {
		_ = m.Abort(h)
		return oprec.NullHandle, pagepool.NullKey, err
	}
	return h, key, nil
}

// Update prepares a full-row update.
func (m *Manager) Update(req OpReq) (oprec.Handle, error) {
	h, err := m.BeginOperation(req.Tx, req.loc(), oprec.KindUpdate)
	if err != nil {
		return oprec.NullHandle, err
	}
	if rec, err := m.ops.Get(h); err == nil {
		rec.UserRef = req.UserRef
	}
	if err := m.ApplyCopy(h, req.Values); err != nil {
		_ = m.Abort(h)
		return oprec.NullHandle, err
	}
	return h, nil
}

// Delete prepares a delete.
func (m *Manager) Delete(req OpReq) (oprec.Handle, error) {
	h, err := m.BeginOperation(req.Tx, req.loc(), oprec.KindDelete)
	if err != nil {
		return oprec.NullHandle, err
	}
	if rec, err := m.ops.Get(h); err == nil {
		rec.UserRef = req.UserRef
	}
	return h, nil
}

// BeginOperation links a new operation of kind onto the row at loc. Update
// operations need ApplyCopy before they can commit. Inserts go through
// Insert.
func (m *Manager) BeginOperation(tx oprec.TxID, loc oprec.Location, kind oprec.Kind) (oprec.Handle, error) {
	if kind == oprec.KindInsert {
		return oprec.NullHandle, ErrWrongKind
	}
	t, f, err := m.fragment(loc.Table, loc.Frag)
	if err != nil {
		return oprec.NullHandle, err
	}
	l := t.Layout
	if err := m.needsDisk(l); err != nil {
		return oprec.NullHandle, err
	}
	row, err := m.heap.Tuple(f, l, loc.Key)
	if err != nil {
		return oprec.NullHandle, fmt.Errorf("%w %s: %w", ErrRowNotFound, loc.Key, err)
	}
	return m.beginOp(tx, loc, kind, 0, f, l, row)
}

func (m *Manager) beginOp(tx oprec.TxID, loc oprec.Location, kind oprec.Kind, userRef uint64,
	f *catalog.Fragment, l *record.Layout, row heap.Tuple,
) (oprec.Handle, error) {
	if row.HasBits(heap.Free | heap.Freed | heap.LCPKeep) {
		return oprec.NullHandle, ErrRowNotFound
	}

	var headRec *oprec.Record
	head, chained := m.ops.Head(row)
	if chained {
		r, err := m.ops.Get(head)
		if err != nil {
			return oprec.NullHandle, m.broken(f, err)
		}
		if r.Tx != tx {
			return oprec.NullHandle, ErrRowLocked
		}
		if r.Kind == oprec.KindDelete {
			return oprec.NullHandle, ErrRowNotFound
		}
		headRec = r
	}
	if kind == oprec.KindInsert {
		if chained || !row.HasBits(heap.Alloc) {
			return oprec.NullHandle, ErrWrongKind
		}
	} else if !chained && row.HasBits(heap.Alloc) {
		return oprec.NullHandle, ErrRowNotFound
	}

	h, rec, err := m.ops.Seize()
	if err != nil {
		return oprec.NullHandle, err
	}
	rec.Kind = kind
	rec.Tx = tx
	rec.Loc = loc
	rec.UserRef = userRef
	rec.State = oprec.StateIdle

	base := row.Version()
	src := row.W
	rec.DiskKey = row.DiskRef()
	if headRec != nil {
		base = headRec.Version
		rec.DiskKey = headRec.DiskKey
		if !headRec.Copy.IsNull() {
			if w, err := m.copies.Get(headRec.Copy); err == nil {
				src = w[:l.FixSize]
			}
		}
	}
	switch kind {
	case oprec.KindInsert, oprec.KindRead:
		rec.Version = base
	default:
		rec.Version = base + 1
	}

	insertDelete := kind == oprec.KindDelete && row.HasBits(heap.Alloc)
	if insertDelete {
		rec.Flags |= oprec.FlagInsertDelete
	}

	if kind == oprec.KindInsert || kind == oprec.KindUpdate {
		ref, w, err := m.copies.Alloc(l.CopySize())
		if err != nil {
			_ = m.ops.Release(h)
			return oprec.NullHandle, err
		}
		copy(w, src[:l.FixSize])
		ct := heap.Tuple{W: w[:l.FixSize], L: l}
		ct.SetOpPtr(pagepool.RNIL)
		ct.ClearCopyBits()
		ct.SetVersion(rec.Version)
		rec.Copy = ref
	}

	if l.Kind == record.KindDiskBacked && kind != oprec.KindRead && !insertDelete {
		words := wal.RecordWords(l.DiskSize)
		if err := m.undo.Reserve(words); err != nil {
			m.releaseCopy(rec)
			_ = m.ops.Release(h)
			return oprec.NullHandle, err
		}
		rec.UndoWords = words
		if kind == oprec.KindDelete {
			rec.Flags |= oprec.FlagLoadDiskPage
		}
	}

	if err := m.ops.Push(row, h); err != nil {
		m.releaseResources(rec)
		_ = m.ops.Release(h)
		return oprec.NullHandle, m.broken(f, err)
	}
	if kind == oprec.KindDelete || kind == oprec.KindRead {
		rec.State = oprec.StatePrepared
	}
	slog.Debug("tup: op begin", "op", h, "kind", kind, "tx", tx, "table", loc.Table, "frag", loc.Frag, "key", loc.Key, "version", rec.Version)
	return h, nil
}

// ApplyCopy writes the post-image of an insert or update into its copy
// tuple. The stable row is not touched, except that its var part is grown
// to fit the new image.
func (m *Manager) ApplyCopy(h oprec.Handle, values []any) error {
	rec, err := m.ops.Get(h)
	if err != nil {
		return err
	}
	if rec.Kind != oprec.KindInsert && rec.Kind != oprec.KindUpdate {
		return ErrWrongKind
	}
	if _, ok := m.pending[h]; ok {
		return ErrCommitInProgress
	}
	t, f, err := m.fragment(rec.Loc.Table, rec.Loc.Frag)
	if err != nil {
		return err
	}
	l := t.Layout
	row, err := m.heap.Tuple(f, l, rec.Loc.Key)
	if err != nil {
		return m.broken(f, err)
	}

	enc, err := record.EncodeRow(l, values)
	if err != nil {
		return err
	}
	w, err := m.copies.Get(rec.Copy)
	if err != nil {
		return m.broken(f, err)
	}
	fix, varPart, disk := copyParts(l, w)
	ct := heap.Tuple{W: fix, L: l}
	copy(ct.NullWords(), enc.Fix[l.NullIdx:l.NullIdx+l.NullWords])
	for _, a := range l.Attrs {
		if a.Desc.IsVar() || a.Desc.Storage == record.StorageDisk {
			continue
		}
		copy(ct.AttrWords(a), enc.Fix[a.Offset:a.Offset+a.Desc.FixedWords()])
	}
	clear(varPart)
	copy(varPart, enc.Var)
	copy(disk, enc.Disk)

	if l.VarCount > 0 {
		grown, err := m.ensureVar(f, row, len(enc.Var))
		if err != nil {
			return err
		}
		if grown {
			ct.SetBits(heap.MMGrown)
		}
	}
	rec.State = oprec.StatePrepared
	return nil
}

// ensureVar makes the stable row's var part at least n words long.
func (m *Manager) ensureVar(f *catalog.Fragment, row heap.Tuple, n int) (bool, error) {
	ref := row.VarRef()
	if ref.IsNull() {
		nref, _, err := m.heap.AllocVar(f, n)
		if err != nil {
			return false, err
		}
		row.SetVarRef(nref)
		row.SetBits(heap.ChainedRow)
		return true, nil
	}
	cur, err := m.heap.VarPart(f, ref)
	if err != nil {
		return false, m.broken(f, err)
	}
	if len(cur) >= n {
		return false, nil
	}
	nref, _, err := m.heap.GrowVar(f, ref, n)
	if err != nil {
		return false, err
	}
	row.SetVarRef(nref)
	return true, nil
}

// RemoveFromChain unlinks the operation from its row and releases its copy
// tuple, undo reservation and record.
func (m *Manager) RemoveFromChain(h oprec.Handle) error {
	rec, err := m.ops.Get(h)
	if err != nil {
		return err
	}
	t, f, err := m.cat.GetFragment(rec.Loc.Table, rec.Loc.Frag)
	if err != nil {
		return err
	}
	row, err := m.heap.Tuple(f, t.Layout, rec.Loc.Key)
	if err != nil {
		return m.broken(f, err)
	}
	return m.removeFromChain(f, row, h, rec)
}

func (m *Manager) removeFromChain(f *catalog.Fragment, row heap.Tuple, h oprec.Handle, rec *oprec.Record) error {
	if err := m.ops.Unlink(row, h); err != nil {
		return m.broken(f, err)
	}
	m.releaseResources(rec)
	return m.ops.Release(h)
}

func (m *Manager) releaseCopy(rec *oprec.Record) {
	if rec.Copy.IsNull() {
		return
	}
	if err := m.copies.Free(rec.Copy); err != nil {
		slog.Warn("tup: copy tuple release", "ref", rec.Copy, "err", err)
	}
	rec.Copy = copybuf.NullRef
}

func (m *Manager) releaseResources(rec *oprec.Record) {
	m.releaseCopy(rec)
	if rec.UndoWords > 0 {
		m.undo.Release(rec.UndoWords)
		rec.UndoWords = 0
	}
}

// ---- reads ----

// Read returns the row as tx sees it: its own newest prepared image when it
// has operations on the row, the stable row otherwise.
func (m *Manager) Read(tx oprec.TxID, tableID, fragID uint32, key pagepool.LocalKey) ([]any, error) {
	t, f, err := m.fragment(tableID, fragID)
	if err != nil {
		return nil, err
	}
	l := t.Layout
	row, err := m.heap.Tuple(f, l, key)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrRowNotFound, key, err)
	}
	if row.HasBits(heap.Free | heap.Freed | heap.LCPKeep) {
		return nil, ErrRowNotFound
	}

	if head, ok := m.ops.Head(row); ok {
		hr, err := m.ops.Get(head)
		if err != nil {
			return nil, m.broken(f, err)
		}
		if hr.Tx == tx {
			for h, ok := head, true; ok; h, ok = m.ops.Prev(h) {
				rec, err := m.ops.Get(h)
				if err != nil {
					return nil, m.broken(f, err)
				}
				switch {
				case rec.Kind == oprec.KindDelete:
					return nil, ErrRowNotFound
				case !rec.Copy.IsNull() && rec.State == oprec.StatePrepared:
					return m.decodeCopy(l, rec.Copy)
				}
			}
		}
	}
	if row.HasBits(heap.Alloc) {
		return nil, ErrRowNotFound
	}
	return m.decodeStable(f, l, row, key)
}

// ReadVersion returns the image of the row carrying version, looking at
// prepared operations first and the stable row last.
func (m *Manager) ReadVersion(tableID, fragID uint32, key pagepool.LocalKey, version uint16) ([]any, error) {
	t, f, err := m.fragment(tableID, fragID)
	if err != nil {
		return nil, err
	}
	l := t.Layout
	row, err := m.heap.Tuple(f, l, key)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrRowNotFound, key, err)
	}
	if row.HasBits(heap.Free | heap.Freed | heap.LCPKeep) {
		return nil, ErrRowNotFound
	}
	for h, ok := m.ops.Head(row); ok; h, ok = m.ops.Prev(h) {
		rec, err := m.ops.Get(h)
		if err != nil {
			return nil, m.broken(f, err)
		}
		if rec.Version == version && !rec.Copy.IsNull() && rec.State == oprec.StatePrepared {
			return m.decodeCopy(l, rec.Copy)
		}
	}
	if !row.HasBits(heap.Alloc) && row.Version() == version {
		return m.decodeStable(f, l, row, key)
	}
	return nil, ErrVersionNotFound
}

func (m *Manager) decodeCopy(l *record.Layout, ref copybuf.Ref) ([]any, error) {
	w, err := m.copies.Get(ref)
	if err != nil {
		return nil, err
	}
	fix, varPart, disk := copyParts(l, w)
	return record.DecodeRow(l, fix, varPart, disk)
}

func (m *Manager) decodeStable(f *catalog.Fragment, l *record.Layout, row heap.Tuple, key pagepool.LocalKey) ([]any, error) {
	var varPart []uint32
	if l.VarCount > 0 {
		vp, err := m.heap.VarPart(f, row.VarRef())
		if err != nil {
			return nil, m.broken(f, fmt.Errorf("row %s var part: %w", key, err))
		}
		varPart = vp
	}
	disk := make([]uint32, l.DiskSize)
	if l.DiskSize > 0 {
		if dk := row.DiskRef(); !dk.IsNull() {
			if err := m.readDisk(dk, disk); err != nil {
				return nil, err
			}
		}
	}
	return record.DecodeRow(l, row.W, varPart, disk)
}
