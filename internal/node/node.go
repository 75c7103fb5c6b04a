// Package node runs the partitions of one data node. Each partition owns a
// tuple manager and is driven by a single goroutine; callers hand it work
// through Submit. The disk page cache is shared, the undo log is not.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novatup/internal/bufferpool"
	"github.com/tuannm99/novatup/internal/storage"
	"github.com/tuannm99/novatup/internal/tup"
	"github.com/tuannm99/novatup/internal/wal"
)

var (
	ErrNoSuchPartition = errors.New("node: no such partition")
	ErrStopped         = errors.New("node: partition loop stopped")
)

// Request runs on the goroutine of a partition with exclusive access to
// its manager.
type Request func(m *tup.Manager) (any, error)

type Options struct {
	Dir        string
	Partitions int

	// disk page cache shared by all partitions
	Frames  int
	L2Bytes int64

	// per partition
	Tup  tup.Options
	Undo wal.Options

	// PollBatch bounds the scheduler jobs run between two requests.
	PollBatch int
}

func (o *Options) setDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = 1
	}
	if o.Dir == "" {
		o.Dir = "./data"
	}
	if o.PollBatch <= 0 {
		o.PollBatch = 16
	}
}

type call struct {
	req Request
	out chan result
}

type result struct {
	v   any
	err error
}

type partition struct {
	id   int
	m    *tup.Manager
	undo *wal.Manager
	in   chan call
	done chan struct{}
}

type Node struct {
	opts  Options
	gp    *bufferpool.GlobalPool
	parts []*partition
}

func New(opts Options) (*Node, error) {
	opts.setDefaults()
	sm := storage.NewStorageManager()
	gp, err := bufferpool.NewGlobalPool(sm, bufferpool.Options{
		Dir:     opts.Dir,
		Frames:  opts.Frames,
		L2Bytes: opts.L2Bytes,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{opts: opts, gp: gp}

	for i := range opts.Partitions {
		uo := opts.Undo
		uo.Dir = opts.Dir
		uo.Name = fmt.Sprintf("undo-%d.log", i)
		undo, err := wal.Open(uo)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("node: partition %d undo log: %w", i, err)
		}
		if err := rollback(i, undo, storage.NewUndoWriter(sm, opts.Dir)); err != nil {
			_ = undo.Close()
			_ = n.Close()
			return nil, fmt.Errorf("node: partition %d: %w", i, err)
		}
		to := opts.Tup
		to.Partition = i
		m := tup.NewManager(to, tup.Disk{Pages: bufferpool.NewRequests(gp), Undo: undo})
		n.parts = append(n.parts, &partition{
			id:   i,
			m:    m,
			undo: undo,
			in:   make(chan call, 64),
			done: make(chan struct{}),
		})
	}
	slog.Info("node: ready", "partitions", opts.Partitions, "dir", opts.Dir)
	return n, nil
}

// rollback undoes the disk writes of the previous run. Memory rows do not
// survive a restart, so every disk record they owned is released. It runs
// before the page cache holds any page.
func rollback(id int, undo *wal.Manager, w wal.RecordWriter) error {
	applied, err := undo.ApplyUndo(0, w)
	if err != nil {
		return err
	}
	if applied > 0 {
		slog.Info("node: undo log applied", "partition", id, "records", applied)
	}
	return undo.Truncate()
}

func (n *Node) Partitions() int { return len(n.parts) }

// Run drives every partition until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range n.parts {
		g.Go(func() error {
			defer close(p.done)
			return p.loop(ctx, n.opts.PollBatch)
		})
	}
	return g.Wait()
}

func (p *partition) loop(ctx context.Context, batch int) error {
	slog.Debug("node: partition loop start", "partition", p.id)
	for {
		if p.m.Busy() {
			if err := p.m.Poll(batch); err != nil {
				return fmt.Errorf("node: partition %d: %w", p.id, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case c := <-p.in:
				p.serve(c)
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			slog.Debug("node: partition loop stop", "partition", p.id)
			return nil
		case c := <-p.in:
			p.serve(c)
		}
	}
}

func (p *partition) serve(c call) {
	v, err := c.req(p.m)
	c.out <- result{v: v, err: err}
}

// Submit runs req on the partition and returns its outcome.
func (n *Node) Submit(ctx context.Context, partition int, req Request) (any, error) {
	if partition < 0 || partition >= len(n.parts) {
		return nil, ErrNoSuchPartition
	}
	p := n.parts[partition]
	c := call{req: req, out: make(chan result, 1)}
	select {
	case p.in <- c:
	case <-p.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.out:
		return r.v, r.err
	case <-p.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit commits op and, when the commit has to wait for a disk page or
// for undo log space, blocks until the partition finishes it.
func (n *Node) Commit(ctx context.Context, partition int, req tup.CommitReq) error {
	finished := make(chan error, 1)
	req.Done = func(_ tup.Token, err error) { finished <- err }
	v, err := n.Submit(ctx, partition, func(m *tup.Manager) (any, error) {
		return m.Commit(req)
	})
	if err != nil {
		return err
	}
	if res := v.(tup.Result); !res.Pending {
		return nil
	}
	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats collects a snapshot from every partition.
func (n *Node) Stats(ctx context.Context) ([]tup.Stats, error) {
	out := make([]tup.Stats, len(n.parts))
	for i := range n.parts {
		v, err := n.Submit(ctx, i, func(m *tup.Manager) (any, error) { return m.Stats(), nil })
		if err != nil {
			return nil, err
		}
		out[i] = v.(tup.Stats)
	}
	return out, nil
}

// Close flushes the page cache and closes the undo logs. The partition
// loops must have stopped.
func (n *Node) Close() error {
	var g errgroup.Group
	for _, p := range n.parts {
		g.Go(func() error {
			if err := p.undo.Flush(p.undo.LastLSN()); err != nil {
				return fmt.Errorf("partition %d: %w", p.id, err)
			}
			return p.undo.Close()
		})
	}
	err := g.Wait()
	if ferr := n.gp.FlushAll(); ferr != nil && err == nil {
		err = ferr
	}
	n.gp.Close()
	slog.Info("node: closed")
	return err
}
