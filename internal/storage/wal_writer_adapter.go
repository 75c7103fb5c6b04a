package storage

import (
	"fmt"
	"path/filepath"
)

// UndoWriter adapts StorageManager to the undo log's record applier without
// creating an import cycle (wal must not import storage).
type UndoWriter struct {
	SM  *StorageManager
	Dir string
}

func NewUndoWriter(sm *StorageManager, dir string) *UndoWriter {
	return &UndoWriter{SM: sm, Dir: dir}
}

// FileSetFor names the file set of disk file number file under dir.
func FileSetFor(dir string, file uint32) LocalFileSet {
	return LocalFileSet{Dir: filepath.Clean(dir), Base: fmt.Sprintf("tup_%d.dat", file)}
}

// WriteRecord restores a record image. A nil image clears the slot.
func (w *UndoWriter) WriteRecord(file, pageID, slot uint32, recWords int, image []uint32) error {
	if w == nil || w.SM == nil {
		return nil
	}
	fs := FileSetFor(w.Dir, file)
	p, err := w.SM.LoadPage(fs, pageID)
	if err != nil {
		return err
	}
	if err := p.Format(recWords); err != nil {
		return fmt.Errorf("storage: undo page %d: %w", pageID, err)
	}
	if image == nil {
		err = p.ClearRecord(int(slot))
	} else {
		err = p.WriteRecord(int(slot), image)
	}
	if err != nil {
		return err
	}
	return w.SM.SavePage(fs, pageID, *p)
}
