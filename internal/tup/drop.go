package tup

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/storage"
)

// DropTable releases every fragment of the table, one per scheduler step,
// then resets the descriptor and calls done.
func (m *Manager) DropTable(tableID uint32, done func(error)) error {
	if m.ops.Any(func(r *oprec.Record) bool { return r.Loc.Table == tableID }) {
		return fmt.Errorf("%w: table %d has operations in flight", catalog.ErrTableBusy, tableID)
	}
	if err := m.cat.BeginDrop(tableID); err != nil {
		return err
	}
	for id := range m.checkpoints {
		if id.table == tableID {
			delete(m.checkpoints, id)
		}
	}
	for h, b := range m.builds {
		if b.table == tableID {
			delete(m.builds, h)
		}
	}
	slog.Info("tup: drop table", "table", tableID)
	m.sched.Post("tup: drop table step", func() { m.dropStep(tableID, done) })
	return nil
}

func (m *Manager) dropStep(tableID uint32, done func(error)) {
	f, err := m.cat.ReleaseNextFragment(tableID)
	if err != nil {
		done(err)
		return
	}
	if f != nil {
		if len(f.DiskExtents) > 0 && m.pages != nil {
			gp := m.pages.Pool()
			if n, err := gp.FilePages(f.DiskFile); err == nil {
				slog.Info("tup: drop disk file", "table", tableID, "frag", f.ID, "file", f.DiskFile,
					"pages", n, "size", humanize.IBytes(uint64(n)*storage.PageSize))
			}
			if err := gp.DropFile(f.DiskFile); err != nil {
				slog.Warn("tup: drop disk file", "table", tableID, "frag", f.ID, "file", f.DiskFile, "err", err)
			}
		}
		slog.Debug("tup: fragment released", "table", tableID, "frag", f.ID)
		m.sched.Post("tup: drop table step", func() { m.dropStep(tableID, done) })
		return
	}
	if err := m.cat.FinishDrop(tableID); err != nil {
		done(err)
		return
	}
	slog.Info("tup: table dropped", "table", tableID)
	done(nil)
}
