package bufferpool

import "github.com/tuannm99/novatup/internal/storage"

// FileView binds a GlobalPool to one disk file.
// It implements Manager so a fragment can use it without caring about tags.
type FileView struct {
	gp   *GlobalPool
	file uint32
}

func (v *FileView) GetPage(pageID uint32) (*storage.Page, error) {
	return v.gp.GetPage(PageTag{File: v.file, PageID: pageID})
}

func (v *FileView) Unpin(page *storage.Page, dirty bool) error {
	if page == nil {
		return nil
	}
	return v.gp.Unpin(PageTag{File: v.file, PageID: page.PageID()}, dirty)
}

// FlushAll flushes dirty pages for THIS file only.
func (v *FileView) FlushAll() error {
	return v.gp.FlushFile(v.file)
}

// View returns a file-scoped Manager backed by the shared GlobalPool.
func (gp *GlobalPool) View(file uint32) Manager {
	return &FileView{gp: gp, file: file}
}
