package wal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type writeCall struct {
	file, page, slot uint32
	recWords         int
	image            []uint32
}

type recorder struct {
	calls []writeCall
	fail  error
}

func (r *recorder) WriteRecord(file, pageID, slot uint32, recWords int, image []uint32) error {
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, writeCall{file, pageID, slot, recWords, image})
	return nil
}

func openTest(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	m, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAppendFlushReplay(t *testing.T) {
	m := openTest(t, Options{})

	l1, err := m.Append(Record{Type: RecUndoAlloc, GCI: 7, File: 1, Page: 2, Slot: 3, RecWords: 4})
	require.NoError(t, err)
	l2, err := m.Append(Record{Type: RecUndoUpdate, GCI: 7, File: 1, Page: 2, Slot: 3, RecWords: 4, Image: []uint32{9, 8, 7, 6}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), l1)
	require.Equal(t, uint64(2), l2)
	require.Positive(t, m.BufferedWords())

	// nothing durable yet
	n := 0
	require.NoError(t, m.Replay(func(Record) error { n++; return nil }))
	require.Zero(t, n)

	require.NoError(t, m.Flush(l2))
	require.Equal(t, l2, m.FlushedLSN())
	require.Zero(t, m.BufferedWords())

	var got []Record
	require.NoError(t, m.Replay(func(r Record) error { got = append(got, r); return nil }))
	require.Len(t, got, 2)
	require.Equal(t, RecUndoAlloc, got[0].Type)
	require.Nil(t, got[0].Image)
	require.Equal(t, RecUndoUpdate, got[1].Type)
	require.Equal(t, []uint32{9, 8, 7, 6}, got[1].Image)
	require.Equal(t, uint32(7), got[1].GCI)
	require.Equal(t, 4, got[1].RecWords)
}

func TestReopenContinuesLSN(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	lsn, err := m.Append(Record{Type: RecUndoFree, Image: []uint32{1}})
	require.NoError(t, err)
	require.NoError(t, m.Flush(lsn))
	require.NoError(t, m.Close())

	m2 := openTest(t, Options{Dir: dir})
	require.Equal(t, lsn, m2.LastLSN())
	next, err := m2.Append(Record{Type: RecUndoAlloc})
	require.NoError(t, err)
	require.Equal(t, lsn+1, next)
}

func TestReserveRelease(t *testing.T) {
	m := openTest(t, Options{SpaceWords: 100})

	require.NoError(t, m.Reserve(60))
	require.ErrorIs(t, m.Reserve(50), ErrNoUndoSpace)
	m.Release(60)
	require.NoError(t, m.Reserve(100))
	require.Equal(t, int64(100), m.Reserved())
	m.Release(500)
	require.Zero(t, m.Reserved())
}

func TestBufferFullWaitsForFlush(t *testing.T) {
	words := RecordWords(2)
	m := openTest(t, Options{BufferWords: words})

	ok, err := m.RequestBuffer(words, func() { t.Fatal("unexpected callback") })
	require.NoError(t, err)
	require.True(t, ok)
	lsn, err := m.Append(Record{Type: RecUndoUpdate, Image: []uint32{1, 2}})
	require.NoError(t, err)

	_, err = m.Append(Record{Type: RecUndoUpdate, Image: []uint32{3, 4}})
	require.ErrorIs(t, err, ErrBufferFull)

	woke := 0
	ok, err = m.RequestBuffer(words, func() { woke++ })
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, m.Waiting())

	require.NoError(t, m.Flush(lsn))
	require.Equal(t, 1, woke)
	require.Zero(t, m.Waiting())
	ok, err = m.RequestBuffer(words, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequestLargerThanBufferFails(t *testing.T) {
	words := RecordWords(2)
	m := openTest(t, Options{BufferWords: words})

	ok, err := m.RequestBuffer(words+1, func() { t.Fatal("unexpected callback") })
	require.ErrorIs(t, err, ErrBufferFull)
	require.False(t, ok)
	require.Zero(t, m.Waiting())
}

func TestApplyUndoReverseOrder(t *testing.T) {
	m := openTest(t, Options{})

	base, err := m.Append(Record{Type: RecUndoUpdate, File: 1, Page: 1, Slot: 0, RecWords: 2, Image: []uint32{0, 0}})
	require.NoError(t, err)
	_, err = m.Append(Record{Type: RecUndoAlloc, File: 1, Page: 1, Slot: 1, RecWords: 2})
	require.NoError(t, err)
	last, err := m.Append(Record{Type: RecUndoFree, File: 1, Page: 1, Slot: 2, RecWords: 2, Image: []uint32{5, 6}})
	require.NoError(t, err)
	require.NoError(t, m.Flush(last))

	r := &recorder{}
	n, err := m.ApplyUndo(base, r)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, r.calls, 2)
	require.Equal(t, uint32(2), r.calls[0].slot)
	require.Equal(t, []uint32{5, 6}, r.calls[0].image)
	require.Equal(t, uint32(1), r.calls[1].slot)
	require.Nil(t, r.calls[1].image)

	_, err = m.ApplyUndo(0, &recorder{fail: errors.New("boom")})
	require.Error(t, err)
}

func TestRecTypeString(t *testing.T) {
	require.Equal(t, "UNDO_ALLOC", RecUndoAlloc.String())
	require.Equal(t, "UNDO_FREE", RecUndoFree.String())
	require.Equal(t, "UNKNOWN", RecType(0).String())
}

func TestTruncate(t *testing.T) {
	m := openTest(t, Options{})
	lsn, err := m.Append(Record{Type: RecUndoAlloc, File: 1, RecWords: 1})
	require.NoError(t, err)
	require.ErrorIs(t, m.Truncate(), ErrBufferBusy)

	require.NoError(t, m.Flush(lsn))
	require.NoError(t, m.Truncate())
	require.Equal(t, lsn, m.FlushedLSN())

	n, err := m.ApplyUndo(0, &recorder{})
	require.NoError(t, err)
	require.Zero(t, n)

	next, err := m.Append(Record{Type: RecUndoFree, Image: []uint32{4}})
	require.NoError(t, err)
	require.Equal(t, lsn+1, next)
	require.NoError(t, m.Flush(next))

	var got []Record
	require.NoError(t, m.Replay(func(r Record) error { got = append(got, r); return nil }))
	require.Len(t, got, 1)
	require.Equal(t, next, got[0].LSN)
}
