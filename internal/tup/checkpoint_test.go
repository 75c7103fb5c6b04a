package tup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/pagepool"
)

type rowSink struct {
	rows []CheckpointRow
	fail error
}

func (s *rowSink) WriteRow(r CheckpointRow) error {
	if s.fail != nil {
		return s.fail
	}
	s.rows = append(s.rows, r)
	return nil
}

func (s *rowSink) keys() []pagepool.LocalKey {
	out := make([]pagepool.LocalKey, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Key)
	}
	return out
}

func runSteps(t *testing.T, m *Manager, table, frag uint32) {
	t.Helper()
	for range 100000 {
		done, err := m.CheckpointStep(table, frag)
		require.NoError(t, err)
		if done {
			return
		}
	}
	t.Fatal("checkpoint did not finish")
}

func TestCheckpointKeepsRowsDeletedAheadOfCursor(t *testing.T) {
	m := newManager(t, Options{StepSlots: 2})
	createTable(t, m, catalog.CreateFragReq{TableID: 1}, accountAttrs())
	l := mustLayout(t, m, 1)
	_, f, err := m.Catalog().GetFragment(1, 0)
	require.NoError(t, err)

	var keys []pagepool.LocalKey
	for i := range 5 {
		keys = append(keys, insertCommitted(t, m, 1, 0, 1, account(int32(i), int64(i))))
	}

	sink := &rowSink{}
	require.NoError(t, m.StartCheckpoint(1, 0, sink))
	require.ErrorIs(t, m.StartCheckpoint(1, 0, sink), ErrCheckpointActive)

	done, err := m.CheckpointStep(1, 0)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, pagepool.LocalKey{Page: 0, Slot: 2}, f.Checkpoint.Cursor)

	// inserted ahead of the cursor: not part of this checkpoint
	h, late, err := m.Insert(OpReq{Tx: 2, Table: 1, Values: account(50, 50)})
	require.NoError(t, err)
	_, err = m.Commit(CommitReq{Op: h, GCI: 2})
	require.NoError(t, err)
	lateRow, err := m.heap.Tuple(f, l, late)
	require.NoError(t, err)
	assert.True(t, lateRow.HasBits(heap.LCPSkip))

	// behind the cursor: freed at once
	h, err = m.Delete(OpReq{Tx: 3, Table: 1, Key: keys[1]})
	require.NoError(t, err)
	_, err = m.Commit(CommitReq{Op: h, GCI: 3})
	require.NoError(t, err)

	// ahead of the cursor: kept until the scan writes it
	h, err = m.Delete(OpReq{Tx: 3, Table: 1, Key: keys[3]})
	require.NoError(t, err)
	_, err = m.Commit(CommitReq{Op: h, GCI: 3})
	require.NoError(t, err)

	_, err = m.Read(9, 1, 0, keys[3])
	require.ErrorIs(t, err, ErrRowNotFound)
	kept, err := m.KeptRows(1, 0)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, keys[3], kept[0].Key)
	assert.Equal(t, account(3, 3), kept[0].Values)
	assert.Equal(t, uint16(1), kept[0].Version)

	p, err := m.heap.FixPage(f, 0)
	require.NoError(t, err)
	assert.True(t, p.IsFree(keys[1].Slot))
	assert.False(t, p.IsFree(keys[3].Slot))

	runSteps(t, m, 1, 0)
	assert.False(t, f.Checkpoint.Active)
	assert.True(t, f.KeepHead.IsNull())

	assert.Equal(t, keys, sink.keys())
	for _, r := range sink.rows {
		assert.Equal(t, r.Key == keys[3], r.Kept, "row %s", r.Key)
	}
	assert.True(t, p.IsFree(keys[3].Slot))
	assert.False(t, lateRow.HasBits(heap.LCPSkip))

	kept, err = m.KeptRows(1, 0)
	require.NoError(t, err)
	assert.Empty(t, kept)
	requireIdle(t, m)
}

func TestAbortCheckpointReleasesKeepList(t *testing.T) {
	m := newManager(t, Options{StepSlots: 1})
	createTable(t, m, catalog.CreateFragReq{TableID: 1}, accountAttrs())
	l := mustLayout(t, m, 1)
	_, f, err := m.Catalog().GetFragment(1, 0)
	require.NoError(t, err)

	a := insertCommitted(t, m, 1, 0, 1, account(1, 1))
	b := insertCommitted(t, m, 1, 0, 1, account(2, 2))

	require.NoError(t, m.StartCheckpoint(1, 0, &rowSink{}))
	_, err = m.CheckpointStep(1, 0)
	require.NoError(t, err)

	h, err := m.Delete(OpReq{Tx: 2, Table: 1, Key: b})
	require.NoError(t, err)
	_, err = m.Commit(CommitReq{Op: h, GCI: 2})
	require.NoError(t, err)
	h, c, err := m.Insert(OpReq{Tx: 2, Table: 1, Values: account(3, 3)})
	require.NoError(t, err)
	_, err = m.Commit(CommitReq{Op: h, GCI: 2})
	require.NoError(t, err)

	require.False(t, f.KeepHead.IsNull())
	require.NoError(t, m.AbortCheckpoint(1, 0))
	require.ErrorIs(t, m.AbortCheckpoint(1, 0), ErrNoCheckpoint)

	assert.True(t, f.KeepHead.IsNull())
	p, err := m.heap.FixPage(f, 0)
	require.NoError(t, err)
	assert.True(t, p.IsFree(b.Slot))
	assert.False(t, p.IsFree(a.Slot))

	row, err := m.heap.Tuple(f, l, c)
	require.NoError(t, err)
	assert.False(t, row.HasBits(heap.LCPSkip))

	_, err = m.CheckpointStep(1, 0)
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRunCheckpointThroughScheduler(t *testing.T) {
	m := newManager(t, Options{StepSlots: 16})
	createTable(t, m, catalog.CreateFragReq{TableID: 1}, accountAttrs())
	for i := range 3 {
		insertCommitted(t, m, 1, 0, 1, account(int32(i), 0))
	}

	sink := &rowSink{}
	var result error
	finished := false
	require.NoError(t, m.RunCheckpoint(1, 0, sink, func(err error) {
		finished, result = true, err
	}))
	require.True(t, m.Busy())
	require.NoError(t, m.Poll(0))
	require.True(t, finished)
	require.NoError(t, result)
	assert.Len(t, sink.rows, 3)
	assert.False(t, m.Busy())

	// a failing sink stops the scan and reports the error
	boom := errors.New("sink full")
	finished = false
	require.NoError(t, m.RunCheckpoint(1, 0, &rowSink{fail: boom}, func(err error) {
		finished, result = true, err
	}))
	require.NoError(t, m.Poll(0))
	require.True(t, finished)
	require.ErrorIs(t, result, boom)
	_, f, err := m.Catalog().GetFragment(1, 0)
	require.NoError(t, err)
	assert.False(t, f.Checkpoint.Active)
}
