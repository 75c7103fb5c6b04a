package tup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novatup/internal/bufferpool"
	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/storage"
	"github.com/tuannm99/novatup/internal/wal"
)

func ledgerAttrs() []record.AttrDescriptor {
	return []record.AttrDescriptor{
		{Name: "id", Type: record.ColInt32, PrimaryKey: true},
		{Name: "balance", Type: record.ColInt64, Storage: record.StorageDisk},
		{Name: "note", Type: record.ColText, MaxLen: 8, Fixed: true, Storage: record.StorageDisk},
	}
}

func newDiskManager(t *testing.T, bufferWords int) (*Manager, *wal.Manager) {
	t.Helper()
	dir := t.TempDir()
	gp, err := bufferpool.NewGlobalPool(storage.NewStorageManager(), bufferpool.Options{Dir: dir, Frames: 8})
	require.NoError(t, err)
	t.Cleanup(gp.Close)
	undo, err := wal.Open(wal.Options{Dir: dir, BufferWords: bufferWords})
	require.NoError(t, err)
	t.Cleanup(func() { _ = undo.Close() })

	m := NewManager(Options{
		Pages:   32,
		Catalog: catalog.Options{MaxTables: 4, InitialPages: 2},
	}, Disk{Pages: bufferpool.NewRequests(gp), Undo: undo})
	createTable(t, m, catalog.CreateFragReq{TableID: 3}, ledgerAttrs())
	return m, undo
}

func undoRecords(t *testing.T, undo *wal.Manager) []wal.Record {
	t.Helper()
	var out []wal.Record
	require.NoError(t, undo.Replay(func(r wal.Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

type doneLog struct {
	calls int
	token Token
	err   error
}

func (d *doneLog) done(tok Token, err error) {
	d.calls++
	d.token, d.err = tok, err
}

func TestDiskRowCommitWaitsForPage(t *testing.T) {
	m, undo := newDiskManager(t, 0)
	l := mustLayout(t, m, 3)
	require.Equal(t, record.KindDiskBacked, l.Kind)

	h, key, err := m.Insert(OpReq{Tx: 1, Table: 3, Values: []any{int32(1), int64(500), "alpha"}})
	require.NoError(t, err)
	assert.Positive(t, undo.Reserved())

	dl := &doneLog{}
	res, err := m.Commit(CommitReq{Op: h, GCI: 7, Done: dl.done})
	require.NoError(t, err)
	require.True(t, res.Pending)
	assert.Equal(t, 1, m.Stats().PendingCommits)
	rec, err := m.ops.Get(h)
	require.NoError(t, err)
	assert.True(t, rec.Has(oprec.FlagLoadDiskPage))

	require.ErrorIs(t, m.Abort(h), ErrCommitInProgress)
	_, err = m.Commit(CommitReq{Op: h, GCI: 7})
	require.ErrorIs(t, err, ErrCommitInProgress)

	require.True(t, m.Busy())
	require.NoError(t, m.Poll(0))
	require.Equal(t, 1, dl.calls)
	require.NoError(t, dl.err)
	assert.Equal(t, res.Token, dl.token)
	requireIdle(t, m)
	assert.Zero(t, undo.Reserved())

	vals, err := m.Read(2, 3, 0, key)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int64(500), "alpha"}, vals)

	recs := undoRecords(t, undo)
	require.Len(t, recs, 1)
	assert.Equal(t, wal.RecUndoAlloc, recs[0].Type)
	assert.Equal(t, uint32(7), recs[0].GCI)

	// the page is resident now
	h, err = m.Update(OpReq{Tx: 2, Table: 3, Key: key, Values: []any{int32(1), int64(650), "beta"}})
	require.NoError(t, err)
	res, err = m.Commit(CommitReq{Op: h, GCI: 8})
	require.NoError(t, err)
	require.False(t, res.Pending)

	vals, err = m.Read(3, 3, 0, key)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int64(650), "beta"}, vals)

	recs = undoRecords(t, undo)
	require.Len(t, recs, 2)
	assert.Equal(t, wal.RecUndoUpdate, recs[1].Type)
	before, err := record.DecodeRow(l, make([]uint32, l.FixSize), nil, recs[1].Image)
	require.NoError(t, err)
	assert.Equal(t, int64(500), before[1])
	assert.Equal(t, "alpha", before[2])

	// checkpoint rows carry memory attributes only
	sink := &rowSink{}
	require.NoError(t, m.StartCheckpoint(3, 0, sink))
	runSteps(t, m, 3, 0)
	require.Len(t, sink.rows, 1)
	assert.Equal(t, []any{int32(1), nil, nil}, sink.rows[0].Values)

	h, err = m.Delete(OpReq{Tx: 4, Table: 3, Key: key})
	require.NoError(t, err)
	res, err = m.Commit(CommitReq{Op: h, GCI: 9})
	require.NoError(t, err)
	require.False(t, res.Pending)
	requireIdle(t, m)

	recs = undoRecords(t, undo)
	require.Len(t, recs, 3)
	assert.Equal(t, wal.RecUndoFree, recs[2].Type)
	_, err = m.Read(3, 3, 0, key)
	require.ErrorIs(t, err, ErrRowNotFound)

	_, f, err := m.Catalog().GetFragment(3, 0)
	require.NoError(t, err)
	require.Len(t, f.DiskExtents, 1)
	assert.Equal(t, storage.SlotsFor(l.DiskSize), f.DiskExtents[0].Free)
}

func TestDiskRowCommitWaitsForLogBuffer(t *testing.T) {
	m, undo := newDiskManager(t, wal.RecordWords(5))
	l := mustLayout(t, m, 3)
	require.Equal(t, 5, l.DiskSize)

	h, key, err := m.Insert(OpReq{Tx: 1, Table: 3, Values: []any{int32(1), int64(1), "a"}})
	require.NoError(t, err)
	res, err := m.Commit(CommitReq{Op: h, GCI: 1})
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.NoError(t, m.Poll(0))
	requireIdle(t, m)

	h, err = m.Update(OpReq{Tx: 2, Table: 3, Key: key, Values: []any{int32(1), int64(2), "b"}})
	require.NoError(t, err)

	// someone else fills the buffer
	_, err = undo.Append(wal.Record{Type: wal.RecUndoUpdate, Image: make([]uint32, l.DiskSize)})
	require.NoError(t, err)

	dl := &doneLog{}
	res, err = m.Commit(CommitReq{Op: h, GCI: 2, Done: dl.done})
	require.NoError(t, err)
	require.True(t, res.Pending)
	rec, err := m.ops.Get(h)
	require.NoError(t, err)
	assert.True(t, rec.Has(oprec.FlagWaitLogBuffer))
	assert.Equal(t, 1, undo.Waiting())

	require.NoError(t, m.Poll(0))
	assert.Zero(t, dl.calls)

	require.NoError(t, undo.Flush(undo.LastLSN()))
	require.True(t, m.Busy())
	require.NoError(t, m.Poll(0))
	require.Equal(t, 1, dl.calls)
	require.NoError(t, dl.err)
	requireIdle(t, m)

	vals, err := m.Read(3, 3, 0, key)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int64(2), "b"}, vals)
}

func TestDiskTableNeedsDiskCollaborators(t *testing.T) {
	m := newManager(t, Options{})
	createTable(t, m, catalog.CreateFragReq{TableID: 3}, ledgerAttrs())

	_, _, err := m.Insert(OpReq{Tx: 1, Table: 3, Values: []any{int32(1), int64(1), "a"}})
	require.ErrorIs(t, err, ErrNoDiskManager)
	requireIdle(t, m)
}

func TestAbortedDiskInsertReleasesDiskRecord(t *testing.T) {
	m, undo := newDiskManager(t, 0)

	h, _, err := m.Insert(OpReq{Tx: 1, Table: 3, Values: []any{int32(1), int64(1), "a"}})
	require.NoError(t, err)
	_, f, err := m.Catalog().GetFragment(3, 0)
	require.NoError(t, err)
	require.Len(t, f.DiskExtents, 1)
	slots := f.DiskExtents[0].Free + 1

	require.NoError(t, m.Abort(h))
	requireIdle(t, m)
	assert.Equal(t, slots, f.DiskExtents[0].Free)
	assert.Zero(t, undo.Reserved())
	assert.Empty(t, undoRecords(t, undo))
}

func TestDropDiskTableRemovesFile(t *testing.T) {
	m, _ := newDiskManager(t, 0)

	h, _, err := m.Insert(OpReq{Tx: 1, Table: 3, Values: []any{int32(1), int64(1), "a"}})
	require.NoError(t, err)
	d := &doneLog{}
	_, err = m.Commit(CommitReq{Op: h, GCI: 1, Done: d.done})
	require.NoError(t, err)
	for m.Busy() {
		require.NoError(t, m.Poll(0))
	}
	requireIdle(t, m)

	_, f, err := m.Catalog().GetFragment(3, 0)
	require.NoError(t, err)
	gp := m.pages.Pool()
	require.NoError(t, gp.FlushFile(f.DiskFile))
	n, err := gp.FilePages(f.DiskFile)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	dropped := false
	require.NoError(t, m.DropTable(3, func(err error) { dropped = err == nil }))
	require.NoError(t, m.Poll(0))
	require.True(t, dropped)
	n, err = gp.FilePages(f.DiskFile)
	require.NoError(t, err)
	require.Zero(t, n)
}
