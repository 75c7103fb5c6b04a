package catalog

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

// CreateFragReq asks for a new fragment of a table. The first fragment of an
// UNDEFINED table defines its layout.
type CreateFragReq struct {
	TableID       uint32
	FragID        uint32
	AttrCount     int
	NullableCount int
	Checksum      bool
	RowGCI        bool
	InitialPages  uint32 // 0 means the catalog default
	DiskFile      uint32
}

// FragOp carries an in-progress fragment creation through the attribute
// stream.
type FragOp struct {
	table    *Table
	frag     *Fragment
	slot     int
	defining bool
	done     bool

	attrs   []record.Attr
	next    int // next attribute index expected
	nullBit int // null bit positions are handed out downwards
	words   int // running row size
	hasVar  bool
	hasDisk bool
}

func (op *FragOp) Fragment() *Fragment { return op.frag }

func (op *FragOp) Defining() bool { return op.defining }

// BeginCreateFragment validates the request, allocates the fragment's
// initial pages and links it into the table.
func (c *Catalog) BeginCreateFragment(req CreateFragReq) (*FragOp, error) {
	if int(req.TableID) >= len(c.tables) {
		return nil, ErrNoTableSlot
	}
	if req.AttrCount > MaxAttributes {
		return nil, ErrTooManyAttributes
	}
	if req.AttrCount <= 0 {
		return nil, ErrNoAttributes
	}
	if req.NullableCount < 0 || req.NullableCount > req.AttrCount {
		return nil, ErrInconsistentNulls
	}

	t := &c.tables[req.TableID]
	defining := false
	switch t.State {
	case TableUndefined:
		defining = true
	case TableDefined:
		if req.AttrCount != t.AttrCount {
			return nil, ErrSchemaMismatch
		}
		if t.fragment(req.FragID) != nil {
			return nil, ErrDuplicateFragment
		}
	default:
		return nil, ErrTableBusy
	}

	slot := -1
	for i, f := range t.Frags {
		if f == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrNoFragmentSlot
	}

	f := &Fragment{ID: req.FragID, TableID: req.TableID, DiskFile: req.DiskFile}
	f.KeepHead = pagepool.NullKey
	want := req.InitialPages
	if want == 0 {
		want = c.opts.InitialPages
	}
	if _, err := c.GrowFragment(f, want); err != nil {
		if rerr := c.releasePages(f); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}

	t.Frags[slot] = f
	op := &FragOp{table: t, frag: f, slot: slot, defining: defining}
	if defining {
		t.State = TableDefining
		t.AttrCount = req.AttrCount
		t.NullableCount = req.NullableCount
		t.Opts = record.LayoutOptions{Checksum: req.Checksum, RowGCI: req.RowGCI}
		op.attrs = make([]record.Attr, 0, req.AttrCount)
		op.nullBit = req.NullableCount
		op.words = headerWords(t.Opts, req.NullableCount)
	}

	slog.Debug("catalog: create fragment",
		"table", req.TableID, "frag", req.FragID, "defining", defining, "pages", f.PageCount)
	return op, nil
}

// AddAttribute feeds one attribute. It reports true once the announced
// attribute count has been received; FinishTable must follow.
// Any error rolls the whole fragment creation back.
func (c *Catalog) AddAttribute(op *FragOp, attrID uint32, desc record.AttrDescriptor) (bool, error) {
	if op.done {
		return false, ErrFragOpDone
	}
	if op.next >= op.table.AttrCount || attrID != uint32(op.next) {
		return false, c.rollback(op, ErrSchemaMismatch)
	}

	if !op.defining {
		want := op.table.Layout.Attrs[op.next].Desc
		if want != desc {
			return false, c.rollback(op, ErrSchemaMismatch)
		}
		op.next++
		return op.next == op.table.AttrCount, nil
	}

	if err := desc.Validate(); err != nil {
		return false, c.rollback(op, fmt.Errorf("attribute %d: %w", attrID, err))
	}

	a := record.Attr{ID: attrID, Desc: desc, NullBit: -1}
	if desc.Nullable {
		op.nullBit--
		if op.nullBit < 0 {
			return false, c.rollback(op, ErrInconsistentNulls)
		}
		a.NullBit = op.nullBit
	}

	if desc.IsVar() {
		if !op.hasVar {
			op.words++ // var ref
		}
		op.hasVar = true
		op.words += 1 + desc.MaxVarWords()
	} else {
		if desc.Storage == record.StorageDisk && !op.hasDisk {
			op.hasDisk = true
			op.words += 2 // disk ref
		}
		op.words += desc.FixedWords()
	}
	if op.hasVar && op.hasDisk {
		return false, c.rollback(op, ErrUnsupportedLayout)
	}
	if op.words > MaxTupleSizeWords {
		return false, c.rollback(op, ErrTupleTooLarge)
	}

	op.attrs = append(op.attrs, a)
	op.next++
	return op.next == op.table.AttrCount, nil
}

// FinishTable completes the fragment. For the defining fragment it computes
// the layout and moves the table to DEFINED.
func (c *Catalog) FinishTable(op *FragOp) error {
	if op.done {
		return ErrFragOpDone
	}
	if op.next != op.table.AttrCount {
		return c.rollback(op, ErrAttributesIncomplete)
	}
	if op.defining {
		if op.nullBit != 0 {
			return c.rollback(op, ErrInconsistentNulls)
		}
		l := record.BuildLayout(op.attrs, op.table.NullableCount, op.table.Opts)
		if l.CopySize() > MaxTupleSizeWords {
			return c.rollback(op, ErrTupleTooLarge)
		}
		op.table.Layout = l
		op.table.State = TableDefined
		slog.Info("catalog: table defined",
			"table", op.table.ID,
			"attrs", len(l.Attrs),
			"kind", l.Kind.String(),
			"header_words", l.HeaderSize,
			"fix_words", l.FixSize)
	}
	op.done = true
	return nil
}

// AbortFragment rolls an unfinished fragment creation back.
func (c *Catalog) AbortFragment(op *FragOp) error {
	if op.done {
		return ErrFragOpDone
	}
	return c.rollback(op, nil)
}

// rollback releases the fragment's pages, unlinks it and, when this was the
// defining fragment, resets the table. It returns cause, or the release
// error when that fails.
func (c *Catalog) rollback(op *FragOp, cause error) error {
	op.done = true
	if err := c.releasePages(op.frag); err != nil {
		return err
	}
	op.table.Frags[op.slot] = nil
	if op.defining {
		c.initTable(op.table.ID)
	}
	slog.Debug("catalog: create fragment rolled back",
		"table", op.table.ID, "frag", op.frag.ID, "err", cause)
	return cause
}

func headerWords(opts record.LayoutOptions, nullable int) int {
	n := 2 + (nullable+31)>>5
	if opts.Checksum {
		n++
	}
	if opts.RowGCI {
		n++
	}
	return n
}
