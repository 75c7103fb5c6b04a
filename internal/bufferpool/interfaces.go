package bufferpool

import "github.com/tuannm99/novatup/internal/storage"

// Replacer picks victim frames; it tracks frame indices [0..capacity).
type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// Manager is a buffer pool bound to one disk file.
type Manager interface {
	GetPage(pageID uint32) (*storage.Page, error)
	Unpin(page *storage.Page, dirty bool) error
	FlushAll() error
}
