package tup

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tuannm99/novatup/internal/bufferpool"
	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
	"github.com/tuannm99/novatup/internal/wal"
)

// maxDiskPages bounds the pages of one fragment's disk file.
const maxDiskPages = 1 << 16

// allocDisk reserves a disk record for a new row. Extents are pages of the
// fragment's disk file, one bit per record.
func (m *Manager) allocDisk(f *catalog.Fragment, l *record.Layout) (storage.DiskKey, error) {
	slots := storage.SlotsFor(l.DiskSize)
	if slots == 0 {
		return storage.NullDiskKey, storage.ErrRecordTooLarge
	}
	for i := range f.DiskExtents {
		e := &f.DiskExtents[i]
		if e.Free == 0 {
			continue
		}
		for w, word := range e.Used {
			if word == ^uint64(0) {
				continue
			}
			bit := bits.TrailingZeros64(^word)
			slot := w*64 + bit
			if slot >= slots {
				break
			}
			e.Used[w] |= 1 << bit
			e.Free--
			return storage.DiskKey{File: f.DiskFile, Page: e.Page, Slot: uint32(slot)}, nil
		}
	}

	if len(f.DiskExtents) >= maxDiskPages {
		return storage.NullDiskKey, ErrDiskFull
	}
	e := catalog.DiskExtent{
		Page: uint32(len(f.DiskExtents)),
		Used: make([]uint64, (slots+63)/64),
		Free: slots - 1,
	}
	e.Used[0] = 1
	f.DiskExtents = append(f.DiskExtents, e)
	slog.Debug("tup: disk extent added", "table", f.TableID, "frag", f.ID, "file", f.DiskFile, "page", e.Page, "slots", slots)
	return storage.DiskKey{File: f.DiskFile, Page: e.Page, Slot: 0}, nil
}

func (m *Manager) freeDisk(f *catalog.Fragment, k storage.DiskKey) error {
	if k.IsNull() {
		return nil
	}
	if int(k.Page) >= len(f.DiskExtents) {
		return fmt.Errorf("disk key %s: %w", k, storage.ErrBadSlot)
	}
	e := &f.DiskExtents[k.Page]
	w, bit := k.Slot/64, k.Slot%64
	if int(w) >= len(e.Used) || e.Used[w]&(1<<bit) == 0 {
		return fmt.Errorf("disk key %s not in use: %w", k, storage.ErrBadSlot)
	}
	e.Used[w] &^= 1 << bit
	e.Free++
	return nil
}

func pageTag(k storage.DiskKey) bufferpool.PageTag {
	return bufferpool.PageTag{File: k.File, PageID: k.Page}
}

// readDisk copies the disk record at k into dst. Reads pin the page
// synchronously.
func (m *Manager) readDisk(k storage.DiskKey, dst []uint32) error {
	if m.pages == nil {
		return ErrNoDiskManager
	}
	view := m.pages.Pool().View(k.File)
	pg, err := view.GetPage(k.Page)
	if err != nil {
		return err
	}
	defer func() { _ = view.Unpin(pg, false) }()
	if !pg.IsFormatted() {
		clear(dst)
		return nil
	}
	return pg.ReadRecord(int(k.Slot), dst)
}

// diskReady checks that the disk page of rec is resident and that the
// undo buffer has room for words. When either is missing a resume of the
// commit is queued and false is returned.
func (m *Manager) diskReady(h oprec.Handle, rec *oprec.Record, words int) (bool, error) {
	if !m.pages.Request(pageTag(rec.DiskKey), m.resumer(h, "page")) {
		rec.Flags |= oprec.FlagLoadDiskPage
		return false, nil
	}
	rec.Flags &^= oprec.FlagLoadDiskPage
	ok, err := m.undo.RequestBuffer(words, m.resumer(h, "log buffer"))
	if err != nil {
		return false, err
	}
	if !ok {
		rec.Flags |= oprec.FlagWaitLogBuffer
		return false, nil
	}
	rec.Flags &^= oprec.FlagWaitLogBuffer
	return true, nil
}

// writeDisk logs the undo record for the change and makes it durable, then
// applies after to the disk record (nil clears it).
func (m *Manager) writeDisk(rec *oprec.Record, typ wal.RecType, gci uint32, recWords int, after []uint32) error {
	view := m.pages.Pool().View(rec.DiskKey.File)
	pg, err := view.GetPage(rec.DiskKey.Page)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = view.Unpin(pg, dirty) }()

	if err := pg.Format(recWords); err != nil {
		// extents are rebuilt empty after a restart, so a fresh
		// allocation may land on a page left by an earlier table
		if !errors.Is(err, storage.ErrRecordSize) || typ != wal.RecUndoAlloc {
			return err
		}
		if err := pg.Reformat(recWords); err != nil {
			return err
		}
		slog.Info("tup: disk page reformatted", "file", rec.DiskKey.File, "page", rec.DiskKey.Page, "words", recWords)
	}
	undo := wal.Record{
		Type:     typ,
		GCI:      gci,
		File:     rec.DiskKey.File,
		Page:     rec.DiskKey.Page,
		Slot:     rec.DiskKey.Slot,
		RecWords: recWords,
	}
	if typ != wal.RecUndoAlloc {
		undo.Image = make([]uint32, recWords)
		if err := pg.ReadRecord(int(rec.DiskKey.Slot), undo.Image); err != nil {
			return err
		}
	}
	lsn, err := m.undo.Append(undo)
	if err != nil {
		return err
	}
	if err := m.undo.Flush(lsn); err != nil {
		return err
	}
	rec.Flags |= oprec.FlagUndoLogged
	if rec.UndoWords > 0 {
		m.undo.Release(rec.UndoWords)
		rec.UndoWords = 0
	}

	if after == nil {
		err = pg.ClearRecord(int(rec.DiskKey.Slot))
	} else {
		err = pg.WriteRecord(int(rec.DiskKey.Slot), after)
	}
	if err != nil {
		return err
	}
	pg.SetLSN(lsn)
	dirty = true
	slog.Debug("tup: disk record written", "key", rec.DiskKey, "undo", typ, "lsn", lsn)
	return nil
}
