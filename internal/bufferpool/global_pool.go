package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"

	"github.com/tuannm99/novatup/internal/storage"
)

var (
	DefaultCapacity = 128

	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned  = errors.New("bufferpool: page is pinned")
)

// PageTag uniquely identifies a page in the global pool.
type PageTag struct {
	File   uint32
	PageID uint32
}

func (t PageTag) cacheKey() uint64 { return uint64(t.File)<<32 | uint64(t.PageID) }

// Options sizes the pool. L2Bytes == 0 disables the second-level cache.
type Options struct {
	Dir     string // directory holding the disk files
	Frames  int
	L2Bytes int64
}

// GlobalPool is the disk page cache shared by every partition of a node.
// Pages live in frames replaced by CLOCK; clean pages pushed out of a
// frame are kept in a ristretto cache so a later miss skips the disk read.
type GlobalPool struct {
	sm  *storage.StorageManager
	dir string

	// frames has len == capacity, nil == free slot; table maps a tag to
	// its frame index.
	mu     sync.Mutex
	frames []*Frame
	table  map[PageTag]int
	repl   Replacer
	l2     *ristretto.Cache[uint64, []byte]

	hits, misses, l2hits uint64
}

// Frame is stored in global frames[].
type Frame struct {
	Tag   PageTag
	Page  *storage.Page
	Dirty bool
	Pin   int32
}

func NewGlobalPool(sm *storage.StorageManager, opts Options) (*GlobalPool, error) {
	capacity := opts.Frames
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	g := &GlobalPool{
		sm:     sm,
		dir:    opts.Dir,
		frames: make([]*Frame, capacity),
		table:  make(map[PageTag]int),
		repl:   newClockReplacer(capacity),
	}
	if opts.L2Bytes > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: max(10*opts.L2Bytes/storage.PageSize, 100),
			MaxCost:     opts.L2Bytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("bufferpool: l2 cache: %w", err)
		}
		g.l2 = c
	}
	slog.Info("bufferpool: init",
		"frames", capacity,
		"frame_bytes", humanize.IBytes(uint64(capacity)*storage.PageSize),
		"l2_bytes", humanize.IBytes(uint64(max(opts.L2Bytes, 0))),
	)
	return g, nil
}

func (g *GlobalPool) fileSet(file uint32) storage.LocalFileSet {
	return storage.FileSetFor(g.dir, file)
}

// Close releases the second-level cache.
func (g *GlobalPool) Close() {
	if g.l2 != nil {
		g.l2.Close()
	}
}

// Resident reports whether the page can be pinned without a disk read.
func (g *GlobalPool) Resident(tag PageTag) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.table[tag]; ok {
		return true
	}
	if g.l2 != nil {
		_, ok := g.l2.Get(tag.cacheKey())
		return ok
	}
	return false
}

// GetPage pins and returns the page.
func (g *GlobalPool) GetPage(tag PageTag) (*storage.Page, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1) HIT
	if idx, ok := g.table[tag]; ok {
		f := g.frames[idx]
		if f == nil {
			delete(g.table, tag)
		} else {
			g.hits++
			wasZero := f.Pin == 0
			f.Pin++

			g.repl.RecordAccess(idx)
			if wasZero {
				g.repl.SetEvictable(idx, false)
			}
			return f.Page, nil
		}
	}
	g.misses++

	// 2) Find free slot, else evict
	idx := -1
	for i, f := range g.frames {
		if f == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		var err error
		if idx, err = g.evictLocked(); err != nil {
			return nil, err
		}
	}

	page, err := g.loadLocked(tag)
	if err != nil {
		return nil, err
	}
	g.frames[idx] = &Frame{Tag: tag, Page: page, Pin: 1}
	g.table[tag] = idx
	g.repl.RecordAccess(idx)
	g.repl.SetEvictable(idx, false)
	return page, nil
}

// loadLocked reads a page from the second-level cache or from disk.
func (g *GlobalPool) loadLocked(tag PageTag) (*storage.Page, error) {
	if g.l2 != nil {
		if buf, ok := g.l2.Get(tag.cacheKey()); ok {
			g.l2hits++
			g.l2.Del(tag.cacheKey())
			cp := make([]byte, len(buf))
			copy(cp, buf)
			return &storage.Page{Buf: cp}, nil
		}
	}
	return g.sm.LoadPage(g.fileSet(tag.File), tag.PageID)
}

// evictLocked frees one frame and returns its index.
func (g *GlobalPool) evictLocked() (int, error) {
	victimIdx, ok := g.repl.Evict()
	if !ok {
		return -1, ErrNoFreeFrame
	}
	victim := g.frames[victimIdx]
	if victim == nil || victim.Pin != 0 {
		return -1, ErrNoFreeFrame
	}

	if victim.Dirty {
		if err := g.sm.SavePage(g.fileSet(victim.Tag.File), victim.Tag.PageID, *victim.Page); err != nil {
			// Put victim back as evictable if flush fails
			g.repl.RecordAccess(victimIdx)
			g.repl.SetEvictable(victimIdx, true)
			return -1, err
		}
		victim.Dirty = false
	}
	if g.l2 != nil {
		g.l2.Set(victim.Tag.cacheKey(), victim.Page.Buf, storage.PageSize)
		g.l2.Wait()
	}

	delete(g.table, victim.Tag)
	g.frames[victimIdx] = nil
	slog.Debug("bufferpool: evict", "file", victim.Tag.File, "page", victim.Tag.PageID)
	return victimIdx, nil
}

// Unpin decreases pin count and marks dirty optionally.
func (g *GlobalPool) Unpin(tag PageTag, dirty bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.table[tag]
	if !ok {
		return nil
	}
	f := g.frames[idx]
	if f == nil {
		delete(g.table, tag)
		return nil
	}

	if dirty {
		f.Dirty = true
	}
	if f.Pin > 0 {
		f.Pin--
		if f.Pin == 0 {
			g.repl.SetEvictable(idx, true)
		}
	}
	return nil
}

// FlushAll flushes all dirty pages in the global pool.
func (g *GlobalPool) FlushAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushLocked(func(PageTag) bool { return true })
}

// FlushFile flushes dirty pages belonging to one disk file.
func (g *GlobalPool) FlushFile(file uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushLocked(func(t PageTag) bool { return t.File == file })
}

func (g *GlobalPool) flushLocked(match func(PageTag) bool) error {
	for _, f := range g.frames {
		if f == nil || !f.Dirty || !match(f.Tag) {
			continue
		}
		if err := g.sm.SavePage(g.fileSet(f.Tag.File), f.Tag.PageID, *f.Page); err != nil {
			return err
		}
		f.Dirty = false
	}
	return nil
}

// DropFile removes ALL pages of a disk file from the pool without writing
// them and deletes the file's segments.
// If any page is pinned, ErrPagePinned is returned.
func (g *GlobalPool) DropFile(file uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// First pass: detect pinned
	for _, f := range g.frames {
		if f != nil && f.Tag.File == file && f.Pin != 0 {
			return ErrPagePinned
		}
	}

	// Second pass: remove
	for i, f := range g.frames {
		if f == nil || f.Tag.File != file {
			continue
		}
		if g.l2 != nil {
			g.l2.Del(f.Tag.cacheKey())
		}
		delete(g.table, f.Tag)
		g.frames[i] = nil
		g.repl.Remove(i)
	}
	if g.l2 != nil {
		// evicted pages of the file may still sit in l2
		g.l2.Clear()
	}
	return storage.RemoveAllSegments(g.fileSet(file))
}

// FilePages is how many pages of file are on disk. Dirty frames not yet
// flushed are not counted.
func (g *GlobalPool) FilePages(file uint32) (uint32, error) {
	return g.sm.CountPages(g.fileSet(file))
}

// Stats is a snapshot of hit counters.
type Stats struct {
	Hits, Misses, L2Hits uint64
}

func (g *GlobalPool) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Hits: g.hits, Misses: g.misses, L2Hits: g.l2hits}
}
