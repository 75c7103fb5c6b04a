package tup

import (
	"log/slog"

	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/record"
)

// Abort removes the operation from its row and releases what it holds.
// The stable row is never touched, except that a row whose only operations
// were aborted loses its never-visible insert or its grown var space.
// Aborting a released handle does nothing.
func (m *Manager) Abort(h oprec.Handle) error {
	rec, err := m.ops.Get(h)
	if err != nil {
		return nil
	}
	if _, ok := m.pending[h]; ok {
		return ErrCommitInProgress
	}
	t, f, err := m.cat.GetFragment(rec.Loc.Table, rec.Loc.Frag)
	if err != nil {
		// the row is gone, only the record and its copy remain
		m.releaseResources(rec)
		if rerr := m.ops.Release(h); rerr != nil {
			return rerr
		}
		return err
	}
	l := t.Layout
	row, err := m.heap.Tuple(f, l, rec.Loc.Key)
	if err != nil {
		return m.broken(f, err)
	}

	key, dk, kind := rec.Loc.Key, rec.DiskKey, rec.Kind
	rec.State = oprec.StateAborted
	if err := m.removeFromChain(f, row, h, rec); err != nil {
		return err
	}
	slog.Debug("tup: abort", "op", h, "kind", kind, "key", key)

	if _, chained := m.ops.Head(row); chained {
		return nil
	}
	if row.HasBits(heap.Alloc) {
		return m.freeRow(f, l, key, row, dk)
	}
	if l.VarCount > 0 && !row.VarRef().IsNull() {
		vp, err := m.heap.VarPart(f, row.VarRef())
		if err != nil {
			return m.broken(f, err)
		}
		if used := record.VarWords(l, vp); used < len(vp) {
			if err := m.heap.ShrinkVar(f, row.VarRef(), used); err != nil {
				return m.broken(f, err)
			}
		}
	}
	return nil
}
