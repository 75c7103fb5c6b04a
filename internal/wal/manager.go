// Package wal is the undo log of disk-resident row parts. Every change to
// a disk record is preceded by a record holding what is needed to revert
// it: the before image for updates and frees, the location for allocs.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tuannm99/novatup/internal/alias/bx"
)

var (
	ErrBadMagic    = errors.New("wal: bad magic")
	ErrBadCRC      = errors.New("wal: bad crc")
	ErrBadRecord   = errors.New("wal: bad record")
	ErrShortRead   = errors.New("wal: short read")
	ErrNoWALFile   = errors.New("wal: wal file not found")
	ErrNoUndoSpace = errors.New("wal: undo log space exhausted")
	ErrBufferFull  = errors.New("wal: log buffer full")
	ErrBufferBusy  = errors.New("wal: log buffer not empty")
)

const (
	magicU32   uint32 = 0x4F444E55 // "UNDO"
	versionU16        = 1

	// magic(4) ver(2) typ(1) rsv(1) totalLen(4) crc(4)
	prefixLen = 4 + 2 + 1 + 1 + 4 + 4
	// lsn(8) gci(4) file(4) page(4) slot(4) recWords(4) imageWords(4)
	bodyFixedLen = 8 + 4 + 4 + 4 + 4 + 4 + 4
)

type RecType uint8

const (
	RecUndoAlloc  RecType = 1 // revert: clear the slot
	RecUndoUpdate RecType = 2 // revert: write the before image
	RecUndoFree   RecType = 3 // revert: write the before image
)

func (t RecType) String() string {
	switch t {
	case RecUndoAlloc:
		return "UNDO_ALLOC"
	case RecUndoUpdate:
		return "UNDO_UPDATE"
	case RecUndoFree:
		return "UNDO_FREE"
	default:
		return "UNKNOWN"
	}
}

// Record is one undo entry. Image is nil for RecUndoAlloc.
type Record struct {
	Type     RecType
	LSN      uint64
	GCI      uint32
	File     uint32
	Page     uint32
	Slot     uint32
	RecWords int
	Image    []uint32
}

// RecordWords is the log buffer space a record of this shape needs.
func RecordWords(imageWords int) int {
	return bx.WordsFor(prefixLen+bodyFixedLen) + imageWords
}

// RecordWriter applies undo images; storage.UndoWriter implements it.
type RecordWriter interface {
	WriteRecord(file, pageID, slot uint32, recWords int, image []uint32) error
}

type Options struct {
	Dir         string
	Name        string // file name, default undo.log
	SpaceWords  int64  // undo log space that can be reserved
	BufferWords int    // in-memory log buffer
}

type waiter struct {
	words int
	cb    func()
}

type Manager struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	lsn     uint64
	flushed uint64

	space    int64
	reserved int64

	bufCap   int
	bufWords int
	buf      []byte
	waiters  []waiter
}

func Open(opts Options) (*Manager, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = "undo.log"
	}
	path := filepath.Join(opts.Dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		f:      f,
		path:   path,
		space:  opts.SpaceWords,
		bufCap: opts.BufferWords,
	}
	if m.space <= 0 {
		m.space = 1 << 20
	}
	if m.bufCap <= 0 {
		m.bufCap = 1 << 14
	}
	_ = m.initLastLSN()
	slog.Info("wal: open", "path", path, "last_lsn", m.lsn, "space_words", m.space, "buffer_words", m.bufCap)
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// ---- log space ----

// Reserve sets aside undo space for a prepared operation.
func (m *Manager) Reserve(words int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved+int64(words) > m.space {
		return ErrNoUndoSpace
	}
	m.reserved += int64(words)
	return nil
}

// Release gives reserved space back.
func (m *Manager) Release(words int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved -= int64(words)
	if m.reserved < 0 {
		m.reserved = 0
	}
}

func (m *Manager) Reserved() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// ---- log buffer ----

// RequestBuffer reports true when words fit the log buffer now. Otherwise
// cb is queued and runs from Flush once they fit. A request larger than
// the whole buffer can never fit and fails with ErrBufferFull.
func (m *Manager) RequestBuffer(words int, cb func()) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if words > m.bufCap {
		return false, ErrBufferFull
	}
	if len(m.waiters) == 0 && m.bufWords+words <= m.bufCap {
		return true, nil
	}
	m.waiters = append(m.waiters, waiter{words: words, cb: cb})
	return false, nil
}

func (m *Manager) BufferedWords() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufWords
}

func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Append encodes rec into the log buffer and returns its LSN. The record
// is durable only after Flush.
func (m *Manager) Append(rec Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return 0, ErrNoWALFile
	}
	words := RecordWords(len(rec.Image))
	if m.bufWords+words > m.bufCap {
		return 0, ErrBufferFull
	}

	m.lsn++
	rec.LSN = m.lsn
	m.buf = append(m.buf, encode(rec)...)
	m.bufWords += words
	return rec.LSN, nil
}

// Flush writes the buffer out and syncs it, then wakes buffer waiters in
// order for as long as they fit.
func (m *Manager) Flush(upto uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.f == nil {
		m.mu.Unlock()
		return nil
	}
	if len(m.buf) > 0 {
		if _, err := m.f.Write(m.buf); err != nil {
			m.mu.Unlock()
			return err
		}
		m.buf = m.buf[:0]
		m.bufWords = 0
	}
	if upto > m.flushed {
		if err := m.f.Sync(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.flushed = min(upto, m.lsn)
	}

	var wake []func()
	free := m.bufCap
	for len(m.waiters) > 0 && m.waiters[0].words <= free {
		free -= m.waiters[0].words
		wake = append(wake, m.waiters[0].cb)
		m.waiters = m.waiters[1:]
	}
	m.mu.Unlock()

	for _, cb := range wake {
		cb()
	}
	return nil
}

// Truncate empties the log file once its records are no longer needed.
// Buffered records must have been flushed first.
func (m *Manager) Truncate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoWALFile
	}
	if len(m.buf) > 0 {
		return ErrBufferBusy
	}
	if err := m.f.Truncate(0); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = m.lsn
	slog.Debug("wal: truncated", "path", m.path, "lsn", m.lsn)
	return nil
}

func (m *Manager) FlushedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

func (m *Manager) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn
}

// ---- encoding ----

func encode(rec Record) []byte {
	totalLen := prefixLen + bodyFixedLen + 4*len(rec.Image)
	buf := make([]byte, totalLen)
	off := 0

	putU32 := func(v uint32) { bx.PutU32(buf[off:off+4], v); off += 4 }
	putU16 := func(v uint16) { bx.PutU16(buf[off:off+2], v); off += 2 }
	putU64 := func(v uint64) { bx.PutU64(buf[off:off+8], v); off += 8 }
	putU8 := func(v uint8) { buf[off] = v; off++ }

	putU32(magicU32)
	putU16(versionU16)
	putU8(uint8(rec.Type))
	putU8(0)
	putU32(uint32(totalLen))

	crcOff := off
	putU32(0) // placeholder

	putU64(rec.LSN)
	putU32(rec.GCI)
	putU32(rec.File)
	putU32(rec.Page)
	putU32(rec.Slot)
	putU32(uint32(rec.RecWords))
	putU32(uint32(len(rec.Image)))
	for _, w := range rec.Image {
		putU32(w)
	}

	crc := crc32.ChecksumIEEE(buf[crcOff+4:])
	bx.PutU32(buf[crcOff:crcOff+4], crc)
	return buf
}

func readOne(r *bufio.Reader) (*Record, error) {
	var pre [prefixLen]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, err
	}
	if bx.U32(pre[0:4]) != magicU32 {
		return nil, ErrBadMagic
	}
	if bx.U16(pre[4:6]) != versionU16 {
		return nil, ErrBadRecord
	}
	tp := RecType(pre[6])
	totalLen := bx.U32(pre[8:12])
	if totalLen < prefixLen+bodyFixedLen {
		return nil, ErrBadRecord
	}
	wantCRC := bx.U32(pre[12:16])

	rest := make([]byte, int(totalLen)-prefixLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(rest) != wantCRC {
		return nil, ErrBadCRC
	}

	off := 0
	getU64 := func() uint64 { v := bx.U64(rest[off : off+8]); off += 8; return v }
	getU32 := func() uint32 { v := bx.U32(rest[off : off+4]); off += 4; return v }

	rec := &Record{Type: tp}
	rec.LSN = getU64()
	rec.GCI = getU32()
	rec.File = getU32()
	rec.Page = getU32()
	rec.Slot = getU32()
	rec.RecWords = int(getU32())
	n := int(getU32())
	if off+4*n != len(rest) {
		return nil, ErrBadRecord
	}
	if n > 0 {
		rec.Image = make([]uint32, n)
		for i := range rec.Image {
			rec.Image[i] = getU32()
		}
	}
	return rec, nil
}

// Replay calls fn for every durable record in log order.
func (m *Manager) Replay(fn func(Record) error) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		rec, err := readOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// tolerate torn tail record
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrShortRead) {
				return nil
			}
			return err
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
}

// ApplyUndo reverts every durable change after LSN since, newest first.
func (m *Manager) ApplyUndo(since uint64, w RecordWriter) (int, error) {
	var recs []Record
	if err := m.Replay(func(rec Record) error {
		if rec.LSN > since {
			recs = append(recs, rec)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		var err error
		switch rec.Type {
		case RecUndoAlloc:
			err = w.WriteRecord(rec.File, rec.Page, rec.Slot, rec.RecWords, nil)
		case RecUndoUpdate, RecUndoFree:
			err = w.WriteRecord(rec.File, rec.Page, rec.Slot, rec.RecWords, rec.Image)
		default:
			err = ErrBadRecord
		}
		if err != nil {
			return len(recs) - 1 - i, fmt.Errorf("wal: undo lsn %d: %w", rec.LSN, err)
		}
	}
	slog.Info("wal: undo applied", "since", since, "records", len(recs))
	return len(recs), nil
}

func (m *Manager) initLastLSN() error {
	var last uint64
	err := m.Replay(func(rec Record) error {
		if rec.LSN > last {
			last = rec.LSN
		}
		return nil
	})
	if last > 0 {
		m.lsn = last
		m.flushed = last
	}
	return err
}
