package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tuannm99/novatup/internal/alias/util"
)

type FileSet interface {
	OpenSegment(segNo uint32) (*os.File, error)
}

var _ FileSet = LocalFileSet{}

// LocalFileSet is one disk file of a fragment: a directory plus the base
// name of its segments (Base, Base.1, Base.2, ...).
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) OpenSegment(segNo uint32) (*os.File, error) {
	if err := os.MkdirAll(lfs.Dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo)), os.O_RDWR|os.O_CREATE, 0o644)
}

// StorageManager moves whole pages between memory and disk files. It keeps
// no state; every call opens the segment it needs.
type StorageManager struct{}

func NewStorageManager() *StorageManager {
	return &StorageManager{}
}

func locate(pageID uint32) (segNo uint32, off int64) {
	return pageID / SegmentPages, int64(pageID%SegmentPages) * PageSize
}

// readAt fills dst with the page. Bytes past the end of the segment read
// as zero, so pages never written come back blank.
func (sm *StorageManager) readAt(fs FileSet, pageID uint32, dst []byte) error {
	segNo, off := locate(pageID)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)

	n, err := f.ReadAt(dst, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(dst[n:])
	return nil
}

func (sm *StorageManager) writeAt(fs FileSet, pageID uint32, src []byte) error {
	segNo, off := locate(pageID)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)

	n, err := f.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != len(src) {
		return io.ErrShortWrite
	}
	return nil
}

// LoadPage reads pageID. A page that was never written is initialized
// with its ID and left unformatted.
func (sm *StorageManager) LoadPage(fs FileSet, pageID uint32) (*Page, error) {
	buf := make([]byte, PageSize)
	if err := sm.readAt(fs, pageID, buf); err != nil {
		return nil, fmt.Errorf("storage: load page %d: %w", pageID, err)
	}
	p := &Page{Buf: buf}
	if p.IsUninitialized() {
		p.init(pageID)
	}
	return p, nil
}

func (sm *StorageManager) SavePage(fs FileSet, pageID uint32, p Page) error {
	if len(p.Buf) != PageSize {
		return ErrWrongSize
	}
	if err := sm.writeAt(fs, pageID, p.Buf); err != nil {
		return fmt.Errorf("storage: save page %d: %w", pageID, err)
	}
	return nil
}

// CountPages is the number of pages covered by the segments of lfs. The
// first missing segment ends the count.
func (sm *StorageManager) CountPages(lfs LocalFileSet) (uint32, error) {
	var total uint32
	for segNo := uint32(0); ; segNo++ {
		info, err := os.Stat(filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo)))
		if errors.Is(err, os.ErrNotExist) {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		total += uint32(info.Size() / PageSize)
	}
}
