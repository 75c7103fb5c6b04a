package tup

import (
	"log/slog"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
	"github.com/tuannm99/novatup/internal/wal"
)

// Token identifies a commit that could not finish right away.
type Token uint64

// Result of a commit: Pending means the commit waits for a disk page or
// for undo buffer space and completes later through CommitReq.Done.
type Result struct {
	Pending bool
	Token   Token
}

type CommitReq struct {
	Op  oprec.Handle
	GCI uint32
	// Done is called from the partition's scheduler when a pending commit
	// finishes. It is not called for commits that complete immediately.
	Done func(Token, error)
}

type pendingCommit struct {
	req   CommitReq
	token Token
}

// Commit commits one operation. Operations of a row must be committed in
// chain order; an operation committed early trades places with the oldest
// one first. Only the newest operation of the row applies its image to the
// stable row, the older ones are just released.
func (m *Manager) Commit(req CommitReq) (Result, error) {
	if _, ok := m.pending[req.Op]; ok {
		return Result{}, ErrCommitInProgress
	}
	done, err := m.commit(req.Op, req.GCI)
	if err != nil {
		return Result{}, err
	}
	if done {
		return Result{}, nil
	}
	m.nextToken++
	p := &pendingCommit{req: req, token: m.nextToken}
	m.pending[req.Op] = p
	slog.Debug("tup: commit pending", "op", req.Op, "token", p.token)
	return Result{Pending: true, Token: p.token}, nil
}

// resumer returns the callback handed to the page cache and the undo log.
// The resumed commit runs as a scheduler job of the partition.
func (m *Manager) resumer(h oprec.Handle, why string) func() {
	return func() {
		m.sched.Post("tup: commit resume ("+why+")", func() { m.resume(h) })
	}
}

func (m *Manager) resume(h oprec.Handle) {
	p, ok := m.pending[h]
	if !ok {
		return
	}
	done, err := m.commit(h, p.req.GCI)
	if err == nil && !done {
		return
	}
	delete(m.pending, h)
	if p.req.Done != nil {
		p.req.Done(p.token, err)
	}
}

// commit reports false with a nil error when it is suspended.
func (m *Manager) commit(h oprec.Handle, gci uint32) (bool, error) {
	rec, err := m.ops.Get(h)
	if err != nil {
		return false, err
	}
	if rec.State != oprec.StatePrepared {
		return false, ErrNotPrepared
	}
	t, f, err := m.fragment(rec.Loc.Table, rec.Loc.Frag)
	if err != nil {
		return false, err
	}
	l := t.Layout
	row, err := m.heap.Tuple(f, l, rec.Loc.Key)
	if err != nil {
		return false, m.broken(f, err)
	}

	if first := m.ops.First(h); first != h {
		if err := m.ops.Swap(row, h, first); err != nil {
			return false, m.broken(f, err)
		}
		slog.Debug("tup: commit order fixed", "op", h, "first", first, "key", rec.Loc.Key)
	}

	if !m.ops.IsLast(h) {
		// a newer read carries no image of its own, it takes over this one
		if next, ok := m.ops.Next(h); ok && rec.Kind != oprec.KindRead {
			if nr, err := m.ops.Get(next); err == nil && nr.Kind == oprec.KindRead {
				if err := m.ops.HandOver(h, next); err != nil {
					return false, m.broken(f, err)
				}
			}
		}
		rec.State = oprec.StateCommitted
		return true, m.removeFromChain(f, row, h, rec)
	}

	switch rec.Kind {
	case oprec.KindInsert, oprec.KindUpdate:
		return m.commitWrite(h, rec, f, l, row, gci)
	case oprec.KindDelete:
		return m.commitDelete(h, rec, f, l, row, gci)
	default:
		key, dk := rec.Loc.Key, rec.DiskKey
		rec.State = oprec.StateCommitted
		if err := m.removeFromChain(f, row, h, rec); err != nil {
			return false, err
		}
		// the insert under this read was aborted
		if row.HasBits(heap.Alloc) {
			return true, m.freeRow(f, l, key, row, dk)
		}
		return true, nil
	}
}

// lcpAhead reports whether the running checkpoint of f has not reached key.
func lcpAhead(f *catalog.Fragment, key pagepool.LocalKey) bool {
	return f.Checkpoint.Active && !key.Less(f.Checkpoint.Cursor)
}

func (m *Manager) commitWrite(h oprec.Handle, rec *oprec.Record, f *catalog.Fragment,
	l *record.Layout, row heap.Tuple, gci uint32,
) (bool, error) {
	w, err := m.copies.Get(rec.Copy)
	if err != nil {
		return false, m.broken(f, err)
	}
	fix, varPart, disk := copyParts(l, w)
	key := rec.Loc.Key
	wasAlloc := row.HasBits(heap.Alloc)

	if l.Kind == record.KindDiskBacked && !rec.Has(oprec.FlagUndoLogged) {
		typ, words := wal.RecUndoUpdate, wal.RecordWords(l.DiskSize)
		if wasAlloc {
			typ, words = wal.RecUndoAlloc, wal.RecordWords(0)
		}
		if ready, err := m.diskReady(h, rec, words); err != nil || !ready {
			return false, err
		}
		if err := m.writeDisk(rec, typ, gci, l.DiskSize, disk); err != nil {
			return false, err
		}
	}

	// Everything below runs without suspending.
	opPtr, vref := row.OpPtr(), row.VarRef()
	bits := row.Bits() &^ (heap.Alloc | heap.Freed)
	if l.VarCount > 0 {
		bits |= heap.ChainedRow
	}
	if l.DiskSize > 0 {
		bits |= heap.DiskPart
	}
	if wasAlloc && lcpAhead(f, key) {
		bits |= heap.LCPSkip
	}

	copy(row.W, fix)
	row.SetOpPtr(opPtr)
	row.ClearBits(row.Bits())
	row.SetBits(bits)
	row.SetVersion(rec.Version)
	row.SetVarRef(vref)
	if l.DiskSize > 0 {
		row.SetDiskRef(rec.DiskKey)
	}

	var stableVar []uint32
	if l.VarCount > 0 {
		entry, err := m.heap.VarPart(f, vref)
		if err != nil {
			return false, m.broken(f, err)
		}
		need := record.VarWords(l, varPart)
		if len(entry) < need {
			return false, m.broken(f, heap.ErrNoVarSpace)
		}
		copy(entry, varPart[:need])
		if len(entry) > need {
			if err := m.heap.ShrinkVar(f, vref, need); err != nil {
				return false, m.broken(f, err)
			}
		}
		stableVar = entry[:need]
	}
	row.SetGCI(gci)
	row.UpdateChecksum(stableVar)

	slog.Debug("tup: commit", "op", h, "kind", rec.Kind, "key", key, "version", rec.Version, "gci", gci)
	rec.State = oprec.StateCommitted
	return true, m.removeFromChain(f, row, h, rec)
}

func (m *Manager) commitDelete(h oprec.Handle, rec *oprec.Record, f *catalog.Fragment,
	l *record.Layout, row heap.Tuple, gci uint32,
) (bool, error) {
	key := rec.Loc.Key

	if rec.Has(oprec.FlagInsertDelete) {
		// the row was never visible: no undo, no keep
		dk := rec.DiskKey
		rec.State = oprec.StateCommitted
		if err := m.removeFromChain(f, row, h, rec); err != nil {
			return false, err
		}
		slog.Debug("tup: commit insert+delete", "op", h, "key", key)
		return true, m.freeRow(f, l, key, row, dk)
	}

	if l.DiskSize > 0 && !rec.DiskKey.IsNull() && !rec.Has(oprec.FlagUndoLogged) {
		if ready, err := m.diskReady(h, rec, wal.RecordWords(l.DiskSize)); err != nil || !ready {
			return false, err
		}
		if err := m.writeDisk(rec, wal.RecUndoFree, gci, l.DiskSize, nil); err != nil {
			return false, err
		}
		if err := m.freeDisk(f, rec.DiskKey); err != nil {
			return false, m.broken(f, err)
		}
	}

	version := rec.Version
	rec.State = oprec.StateCommitted
	if err := m.removeFromChain(f, row, h, rec); err != nil {
		return false, err
	}
	row.SetVersion(version)
	row.SetGCI(gci)
	if l.DiskSize > 0 {
		row.SetDiskRef(storage.NullDiskKey)
		row.ClearBits(heap.DiskPart)
	}

	if lcpAhead(f, key) && !row.HasBits(heap.LCPSkip) {
		row.SetBits(heap.LCPKeep)
		row.SetOpPtr(keepLink(f.KeepHead))
		f.KeepHead = key
		if err := m.refreshChecksum(f, l, row); err != nil {
			return false, err
		}
		slog.Debug("tup: deleted row kept for checkpoint", "table", f.TableID, "frag", f.ID, "key", key)
		return true, nil
	}

	row.SetBits(heap.Freed)
	slog.Debug("tup: commit delete", "op", h, "key", key, "version", version, "gci", gci)
	return true, m.freeRow(f, l, key, row, storage.NullDiskKey)
}

func (m *Manager) refreshChecksum(f *catalog.Fragment, l *record.Layout, row heap.Tuple) error {
	if l.ChecksumIdx < 0 {
		return nil
	}
	var varPart []uint32
	if l.VarCount > 0 && !row.VarRef().IsNull() {
		vp, err := m.heap.VarPart(f, row.VarRef())
		if err != nil {
			return m.broken(f, err)
		}
		varPart = vp[:record.VarWords(l, vp)]
	}
	row.UpdateChecksum(varPart)
	return nil
}

// freeRow releases the row slot with its var part and, when dk is set, the
// disk record reserved for it.
func (m *Manager) freeRow(f *catalog.Fragment, l *record.Layout, key pagepool.LocalKey, row heap.Tuple, dk storage.DiskKey) error {
	if l.VarCount > 0 {
		if ref := row.VarRef(); !ref.IsNull() {
			if err := m.heap.FreeVar(f, ref); err != nil {
				return m.broken(f, err)
			}
			row.SetVarRef(heap.NullVarRef)
		}
	}
	if err := m.freeDisk(f, dk); err != nil {
		return m.broken(f, err)
	}
	if err := m.heap.FreeRow(f, key); err != nil {
		return m.broken(f, err)
	}
	return nil
}

// Keep list links go through the op pointer word of kept rows.
const keepSlotBits = 13

func keepLink(k pagepool.LocalKey) uint32 {
	if k.IsNull() {
		return pagepool.RNIL
	}
	return k.Page<<keepSlotBits | k.Slot
}

func keepKey(w uint32) pagepool.LocalKey {
	if w == pagepool.RNIL {
		return pagepool.NullKey
	}
	return pagepool.LocalKey{Page: w >> keepSlotBits, Slot: w & (1<<keepSlotBits - 1)}
}
