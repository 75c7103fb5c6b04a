// Package tup is the tuple manager of one partition: row operations, their
// version chains, commit and abort, checkpoint scans, index builds and
// table drop, on top of the page pool and the table catalog.
package tup

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novatup/internal/bufferpool"
	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/copybuf"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/sched"
	"github.com/tuannm99/novatup/internal/wal"
)

type Options struct {
	Partition int
	Pages     uint32
	OpRecords int
	CopyWords int
	Catalog   catalog.Options

	// MaxBuilds bounds concurrently running index builds.
	MaxBuilds int
	// StepSlots is how many row slots one scan step visits.
	StepSlots int
}

func (o *Options) setDefaults() {
	if o.Pages == 0 {
		o.Pages = 256
	}
	if o.OpRecords <= 0 {
		o.OpRecords = 1024
	}
	if o.CopyWords <= 0 {
		o.CopyWords = 1 << 16
	}
	if o.MaxBuilds <= 0 {
		o.MaxBuilds = 2
	}
	if o.StepSlots <= 0 {
		o.StepSlots = 64
	}
}

// Disk groups the collaborators needed by tables with disk attributes.
// Both may be nil when no such table is created.
type Disk struct {
	Pages *bufferpool.Requests
	Undo  *wal.Manager
}

// Manager owns every structure of one partition. It must only be used from
// the goroutine driving that partition.
type Manager struct {
	opts Options

	pool   *pagepool.Pool
	cat    *catalog.Catalog
	heap   *heap.Heap
	ops    *oprec.Pool
	copies *copybuf.Arena
	sched  *sched.Queue

	pages *bufferpool.Requests
	undo  *wal.Manager

	nextToken    Token
	pending      map[oprec.Handle]*pendingCommit
	checkpoints  map[fragRef]*checkpointScan
	builds       map[BuildHandle]*indexBuild
	nextBuild    BuildHandle
	nextDiskFile uint32
}

type fragRef struct {
	table, frag uint32
}

func NewManager(opts Options, disk Disk) *Manager {
	opts.setDefaults()
	pool := pagepool.New(opts.Pages)
	cat := catalog.New(pool, opts.Catalog)
	m := &Manager{
		opts:         opts,
		pool:         pool,
		cat:          cat,
		heap:         heap.New(cat),
		ops:          oprec.NewPool(opts.OpRecords),
		copies:       copybuf.New(opts.CopyWords),
		sched:        sched.New(),
		pages:        disk.Pages,
		undo:         disk.Undo,
		pending:      make(map[oprec.Handle]*pendingCommit),
		checkpoints:  make(map[fragRef]*checkpointScan),
		builds:       make(map[BuildHandle]*indexBuild),
		nextDiskFile: uint32(opts.Partition)<<8 + 1,
	}
	slog.Info("tup: partition manager ready",
		"partition", opts.Partition,
		"pages", opts.Pages,
		"op_records", opts.OpRecords,
		"copy_words", opts.CopyWords,
	)
	return m
}

func (m *Manager) Partition() int { return m.opts.Partition }

func (m *Manager) Catalog() *catalog.Catalog { return m.cat }

func (m *Manager) Pool() *pagepool.Pool { return m.pool }

func (m *Manager) Scheduler() *sched.Queue { return m.sched }

// Stats is a snapshot of resource usage.
type Stats struct {
	FreePages      uint32
	OpRecordsInUse int
	CopiesInUse    int
	CopyFreeWords  int
	PendingCommits int
	QueuedJobs     int
}

func (m *Manager) Stats() Stats {
	return Stats{
		FreePages:      m.pool.FreePageCount(),
		OpRecordsInUse: m.ops.InUse(),
		CopiesInUse:    m.copies.InUse(),
		CopyFreeWords:  m.copies.FreeWords(),
		PendingCommits: len(m.pending),
		QueuedJobs:     m.sched.Len(),
	}
}

// Busy reports whether Poll has work to do.
func (m *Manager) Busy() bool {
	if m.sched.Len() > 0 {
		return true
	}
	return m.pages != nil && m.pages.Pending() > 0
}

// Poll completes queued page reads and runs up to limit scheduler jobs
// (all of them when limit <= 0).
func (m *Manager) Poll(limit int) error {
	if m.pages != nil && m.pages.Pending() > 0 {
		if _, err := m.pages.ProcessIO(); err != nil {
			return fmt.Errorf("tup: page io: %w", err)
		}
	}
	m.sched.RunAll(limit)
	return nil
}

// ---- DDL ----

// BeginCreateFragment starts a fragment; attributes follow through
// AddAttribute. Fragments get their own disk file unless one is given.
func (m *Manager) BeginCreateFragment(req catalog.CreateFragReq) (*catalog.FragOp, error) {
	if req.DiskFile == 0 {
		req.DiskFile = m.nextDiskFile
	}
	op, err := m.cat.BeginCreateFragment(req)
	if err != nil {
		return nil, err
	}
	if req.DiskFile == m.nextDiskFile {
		m.nextDiskFile++
	}
	return op, nil
}

func (m *Manager) AddAttribute(op *catalog.FragOp, attrID uint32, desc record.AttrDescriptor) (bool, error) {
	return m.cat.AddAttribute(op, attrID, desc)
}

func (m *Manager) FinishTable(op *catalog.FragOp) error {
	return m.cat.FinishTable(op)
}

// CreateFragment runs a whole fragment creation: begin, one call per
// attribute, finish.
func (m *Manager) CreateFragment(req catalog.CreateFragReq, attrs []record.AttrDescriptor) error {
	op, err := m.BeginCreateFragment(req)
	if err != nil {
		return err
	}
	for i, d := range attrs {
		if _, err := m.AddAttribute(op, uint32(i), d); err != nil {
			return err
		}
	}
	return m.FinishTable(op)
}

// ---- lookups ----

func (m *Manager) fragment(tableID, fragID uint32) (*catalog.Table, *catalog.Fragment, error) {
	t, f, err := m.cat.GetFragment(tableID, fragID)
	if err != nil {
		return nil, nil, err
	}
	if f.Broken {
		return nil, nil, ErrFragmentBroken
	}
	if t.State != catalog.TableDefined {
		return nil, nil, catalog.ErrTableBusy
	}
	return t, f, nil
}

// broken stops f after an internal consistency violation.
func (m *Manager) broken(f *catalog.Fragment, err error) error {
	f.Broken = true
	slog.Error("tup: fragment stopped", "table", f.TableID, "frag", f.ID, "err", err)
	return fmt.Errorf("%w: %w", ErrFragmentBroken, err)
}

// copyParts splits a copy tuple into fixed, var and disk words.
func copyParts(l *record.Layout, w []uint32) (fix, varPart, disk []uint32) {
	fix = w[:l.FixSize]
	varPart = w[l.FixSize : l.FixSize+l.VarMaxWords]
	disk = w[l.FixSize+l.VarMaxWords : l.CopySize()]
	return fix, varPart, disk
}

func (m *Manager) needsDisk(l *record.Layout) error {
	if l.Kind == record.KindDiskBacked && (m.pages == nil || m.undo == nil) {
		return ErrNoDiskManager
	}
	return nil
}
