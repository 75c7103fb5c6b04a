package catalog

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novatup/internal/pagepool"
)

const (
	MaxAttributes     = 128
	MaxTupleSizeWords = 2013
	MaxPageRanges     = 16
)

type Options struct {
	MaxTables    int
	FragsPerNode int    // each table gets 2*FragsPerNode fragment slots
	InitialPages uint32 // pages given to a new fragment
	PagesPerGrow uint32 // pages added when a fragment runs out
}

// Catalog holds table and fragment descriptors of one partition.
// Not safe for concurrent use.
type Catalog struct {
	pool   *pagepool.Pool
	opts   Options
	tables []Table
}

func New(pool *pagepool.Pool, opts Options) *Catalog {
	if opts.MaxTables <= 0 {
		opts.MaxTables = 64
	}
	if opts.FragsPerNode <= 0 {
		opts.FragsPerNode = 4
	}
	if opts.InitialPages == 0 {
		opts.InitialPages = 4
	}
	if opts.PagesPerGrow == 0 {
		opts.PagesPerGrow = 1
	}
	c := &Catalog{pool: pool, opts: opts, tables: make([]Table, opts.MaxTables)}
	for i := range c.tables {
		c.initTable(uint32(i))
	}
	return c
}

func (c *Catalog) Pool() *pagepool.Pool { return c.pool }

func (c *Catalog) initTable(id uint32) {
	c.tables[id] = Table{
		ID:    id,
		State: TableUndefined,
		Frags: make([]*Fragment, 2*c.opts.FragsPerNode),
	}
}

// Table returns the descriptor of a DEFINED (or dropping) table.
func (c *Catalog) Table(id uint32) (*Table, error) {
	if int(id) >= len(c.tables) {
		return nil, ErrNoSuchTable
	}
	t := &c.tables[id]
	if t.State != TableDefined && t.State != TableDropping {
		return nil, ErrNoSuchTable
	}
	return t, nil
}

func (c *Catalog) State(id uint32) TableState {
	if int(id) >= len(c.tables) {
		return TableUndefined
	}
	return c.tables[id].State
}

// GetFragment looks up a fragment of a DEFINED table.
func (c *Catalog) GetFragment(tableID, fragID uint32) (*Table, *Fragment, error) {
	t, err := c.Table(tableID)
	if err != nil {
		return nil, nil, err
	}
	if f := t.fragment(fragID); f != nil {
		return t, f, nil
	}
	return nil, nil, ErrNoSuchFragment
}

func (t *Table) fragment(fragID uint32) *Fragment {
	for _, f := range t.Frags {
		if f != nil && f.ID == fragID {
			return f
		}
	}
	return nil
}

// Fragments returns the live fragments in slot order.
func (t *Table) Fragments() []*Fragment {
	out := make([]*Fragment, 0, len(t.Frags))
	for _, f := range t.Frags {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// GrowFragment gives f up to n more pages and returns how many it got.
func (c *Catalog) GrowFragment(f *Fragment, n uint32) (uint32, error) {
	if n == 0 {
		n = c.opts.PagesPerGrow
	}
	var got uint32
	for got < n {
		cnt, start, err := c.pool.AllocPages(n - got)
		if err != nil {
			return got, err
		}
		if cnt == 0 {
			break
		}
		if err := f.addRange(start, cnt); err != nil {
			if ferr := c.pool.FreePages(start, cnt); ferr != nil {
				return got, ferr
			}
			return got, err
		}
		got += cnt
	}
	if got == 0 {
		return 0, ErrNoPages
	}
	slog.Debug("catalog: fragment grown", "table", f.TableID, "frag", f.ID, "pages", got, "total", f.PageCount)
	return got, nil
}

func (f *Fragment) addRange(start, cnt uint32) error {
	if n := len(f.Ranges); n > 0 {
		last := &f.Ranges[n-1]
		if last.RealStart+last.Count == start {
			last.Count += cnt
			f.PageCount += cnt
			return nil
		}
	}
	if len(f.Ranges) >= MaxPageRanges {
		return ErrNoPageRange
	}
	f.Ranges = append(f.Ranges, PageRange{FragStart: f.PageCount, RealStart: start, Count: cnt})
	f.PageCount += cnt
	return nil
}

// releasePages hands every page range of f back to the pool.
func (c *Catalog) releasePages(f *Fragment) error {
	for _, r := range f.Ranges {
		for i := uint32(0); i < r.Count; i++ {
			if pg, err := c.pool.Get(r.RealStart + i); err == nil {
				pg.SetFragPageID(pagepool.RNIL)
			}
		}
		if err := c.pool.FreePages(r.RealStart, r.Count); err != nil {
			return fmt.Errorf("release fragment %d pages: %w", f.ID, err)
		}
	}
	f.Ranges = nil
	f.PageCount = 0
	f.Formatted = 0
	f.FreeFix = nil
	f.FreeVar = nil
	return nil
}

// ---- drop ----

// BeginDrop moves a DEFINED table to DROPPING.
func (c *Catalog) BeginDrop(tableID uint32) error {
	if int(tableID) >= len(c.tables) {
		return ErrNoSuchTable
	}
	t := &c.tables[tableID]
	switch t.State {
	case TableDefined:
		t.State = TableDropping
		return nil
	case TableUndefined:
		return ErrNoSuchTable
	default:
		return ErrTableBusy
	}
}

// ReleaseNextFragment releases one fragment of a dropping table and returns
// it, or nil when none is left.
func (c *Catalog) ReleaseNextFragment(tableID uint32) (*Fragment, error) {
	t := &c.tables[tableID]
	if t.State != TableDropping {
		return nil, ErrTableBusy
	}
	for i, f := range t.Frags {
		if f == nil {
			continue
		}
		if err := c.releasePages(f); err != nil {
			return nil, err
		}
		t.Frags[i] = nil
		return f, nil
	}
	return nil, nil
}

// FinishDrop releases the descriptor and resets the table to UNDEFINED.
func (c *Catalog) FinishDrop(tableID uint32) error {
	t := &c.tables[tableID]
	if t.State != TableDropping {
		return ErrTableBusy
	}
	if t.FragmentCount() != 0 {
		return fmt.Errorf("finish drop table %d: %w", tableID, ErrTableBusy)
	}
	c.initTable(tableID)
	return nil
}
