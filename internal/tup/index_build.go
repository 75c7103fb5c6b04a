package tup

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

// IndexEntry is one row version handed to an index under construction.
type IndexEntry struct {
	Frag    uint32
	Key     pagepool.LocalKey
	Version uint16
	Values  []any
}

// IndexMaintainer is the ordered index side of a build.
type IndexMaintainer interface {
	AddEntry(indexID uint32, e IndexEntry) error
}

type BuildHandle uint32

type BuildStatus uint8

const (
	BuildRunning BuildStatus = iota + 1
	BuildDone
	BuildFailed
)

func (s BuildStatus) String() string {
	switch s {
	case BuildRunning:
		return "running"
	case BuildDone:
		return "done"
	case BuildFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type indexBuild struct {
	table   uint32
	index   uint32
	maint   IndexMaintainer
	fragIdx int
	cursor  pagepool.LocalKey
	entries int
}

// StartBuild prepares a scan of every fragment of the table feeding maint.
func (m *Manager) StartBuild(tableID, indexID uint32, maint IndexMaintainer) (BuildHandle, error) {
	t, err := m.cat.Table(tableID)
	if err != nil {
		return 0, err
	}
	if t.State != catalog.TableDefined {
		return 0, catalog.ErrTableBusy
	}
	if len(m.builds) >= m.opts.MaxBuilds {
		return 0, ErrBuildBusy
	}
	m.nextBuild++
	h := m.nextBuild
	m.builds[h] = &indexBuild{table: tableID, index: indexID, maint: maint}
	slog.Info("tup: index build start", "table", tableID, "index", indexID, "build", h)
	return h, nil
}

// BuildStep advances the build by up to StepSlots slots, fragment by
// fragment, page by page. Every live row contributes its stable version
// and the image of each prepared insert or update on it.
func (m *Manager) BuildStep(h BuildHandle) (BuildStatus, error) {
	b, ok := m.builds[h]
	if !ok {
		return BuildFailed, ErrNoSuchBuild
	}
	fail := func(err error) (BuildStatus, error) {
		delete(m.builds, h)
		slog.Warn("tup: index build failed", "table", b.table, "index", b.index, "err", err)
		return BuildFailed, err
	}

	t, err := m.cat.Table(b.table)
	if err != nil {
		return fail(err)
	}
	if t.State != catalog.TableDefined {
		return fail(catalog.ErrTableBusy)
	}
	l := t.Layout
	frags := t.Fragments()

	for n := 0; n < m.opts.StepSlots; {
		if b.fragIdx >= len(frags) {
			delete(m.builds, h)
			slog.Info("tup: index build done", "table", b.table, "index", b.index, "entries", b.entries)
			return BuildDone, nil
		}
		f := frags[b.fragIdx]
		if f.Broken {
			return fail(ErrFragmentBroken)
		}
		if b.cursor.Page >= f.Formatted {
			b.fragIdx++
			b.cursor = pagepool.LocalKey{}
			continue
		}
		p, err := m.heap.FixPage(f, b.cursor.Page)
		if err != nil || int(b.cursor.Slot) >= p.SlotCount() {
			// var pages hold no rows
			b.cursor = pagepool.LocalKey{Page: b.cursor.Page + 1}
			continue
		}
		if err := m.buildSlot(b, f, l, b.cursor); err != nil {
			return fail(err)
		}
		b.cursor.Slot++
		n++
	}
	return BuildRunning, nil
}

func (m *Manager) buildSlot(b *indexBuild, f *catalog.Fragment, l *record.Layout, key pagepool.LocalKey) error {
	row, err := m.heap.Tuple(f, l, key)
	if err != nil {
		return m.broken(f, err)
	}
	if row.HasBits(heap.Free | heap.Freed | heap.LCPKeep) {
		return nil
	}

	add := func(version uint16, vals []any) error {
		e := IndexEntry{Frag: f.ID, Key: key, Version: version, Values: vals}
		if err := b.maint.AddEntry(b.index, e); err != nil {
			return fmt.Errorf("index %d row %s: %w", b.index, key, err)
		}
		b.entries++
		return nil
	}

	// a delete heading the chain leaves the stable version in place
	if !row.HasBits(heap.Alloc) {
		vals, err := m.decodeStable(f, l, row, key)
		if err != nil {
			return err
		}
		if err := add(row.Version(), vals); err != nil {
			return err
		}
	}
	for _, h := range m.ops.Chain(row) {
		rec, err := m.ops.Get(h)
		if err != nil {
			return m.broken(f, err)
		}
		if rec.Kind == oprec.KindDelete || rec.Copy.IsNull() || rec.State != oprec.StatePrepared {
			continue
		}
		vals, err := m.decodeCopy(l, rec.Copy)
		if err != nil {
			return err
		}
		if err := add(rec.Version, vals); err != nil {
			return err
		}
	}
	return nil
}

// RunBuild drives a build through the scheduler and calls done with the
// outcome.
func (m *Manager) RunBuild(tableID, indexID uint32, maint IndexMaintainer, done func(error)) (BuildHandle, error) {
	h, err := m.StartBuild(tableID, indexID, maint)
	if err != nil {
		return 0, err
	}
	var step func()
	step = func() {
		st, err := m.BuildStep(h)
		switch st {
		case BuildRunning:
			m.sched.Post("tup: index build step", step)
		case BuildDone:
			done(nil)
		default:
			done(err)
		}
	}
	m.sched.Post("tup: index build step", step)
	return h, nil
}

// CancelBuild drops a running build.
func (m *Manager) CancelBuild(h BuildHandle) error {
	if _, ok := m.builds[h]; !ok {
		return ErrNoSuchBuild
	}
	delete(m.builds, h)
	return nil
}
