package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novatup/internal/pagepool"
	"github.com/tuannm99/novatup/internal/record"
)

func newCatalog(t *testing.T, pages uint32) *Catalog {
	t.Helper()
	return New(pagepool.New(pages), Options{MaxTables: 4, FragsPerNode: 1, InitialPages: 2})
}

func int32Attr() record.AttrDescriptor { return record.AttrDescriptor{Type: record.ColInt32} }

func defineTable(t *testing.T, c *Catalog, tableID, fragID uint32, descs ...record.AttrDescriptor) *FragOp {
	t.Helper()
	nullable := 0
	for _, d := range descs {
		if d.Nullable {
			nullable++
		}
	}
	op, err := c.BeginCreateFragment(CreateFragReq{
		TableID: tableID, FragID: fragID, AttrCount: len(descs), NullableCount: nullable,
	})
	require.NoError(t, err)
	for i, d := range descs {
		done, err := c.AddAttribute(op, uint32(i), d)
		require.NoError(t, err)
		require.Equal(t, i == len(descs)-1, done)
	}
	require.NoError(t, c.FinishTable(op))
	return op
}

func TestCreateFragment_DefinesTable(t *testing.T) {
	c := newCatalog(t, 16)
	op := defineTable(t, c, 1, 0, int32Attr(), int32Attr(),
		record.AttrDescriptor{Type: record.ColInt64, Nullable: true})
	require.True(t, op.Defining())

	tbl, err := c.Table(1)
	require.NoError(t, err)
	require.Equal(t, TableDefined, tbl.State)
	require.Equal(t, record.KindFixed, tbl.Layout.Kind)
	require.Equal(t, 3, tbl.Layout.HeaderSize)
	require.Equal(t, 0, tbl.Layout.Attrs[2].NullBit)

	_, f, err := c.GetFragment(1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), f.PageCount)
	require.True(t, f.KeepHead.IsNull())
	require.Equal(t, uint32(14), c.Pool().FreePageCount())
}

func TestCreateFragment_SecondFragmentReusesLayout(t *testing.T) {
	c := newCatalog(t, 16)
	defineTable(t, c, 0, 0, int32Attr(), int32Attr())
	before, _ := c.Table(0)
	layout := before.Layout

	op := defineTable(t, c, 0, 1, int32Attr(), int32Attr())
	require.False(t, op.Defining())
	after, _ := c.Table(0)
	require.Same(t, layout, after.Layout)
	require.Equal(t, 2, after.FragmentCount())

	_, err := c.BeginCreateFragment(CreateFragReq{TableID: 0, FragID: 1, AttrCount: 2})
	require.ErrorIs(t, err, ErrDuplicateFragment)

	_, err = c.BeginCreateFragment(CreateFragReq{TableID: 0, FragID: 2, AttrCount: 3})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// slots are 2*FragsPerNode
	_, err = c.BeginCreateFragment(CreateFragReq{TableID: 0, FragID: 2, AttrCount: 2})
	require.ErrorIs(t, err, ErrNoFragmentSlot)
}

func TestCreateFragment_MismatchedAttributeRollsBackOnlyFragment(t *testing.T) {
	c := newCatalog(t, 16)
	defineTable(t, c, 0, 0, int32Attr(), int32Attr())
	free := c.Pool().FreePageCount()

	op, err := c.BeginCreateFragment(CreateFragReq{TableID: 0, FragID: 1, AttrCount: 2})
	require.NoError(t, err)
	_, err = c.AddAttribute(op, 0, record.AttrDescriptor{Type: record.ColInt64})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	require.Equal(t, free, c.Pool().FreePageCount())
	tbl, err := c.Table(0)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.FragmentCount())
	require.Equal(t, TableDefined, tbl.State)
}

func TestCreateFragment_TooManyAttributesTouchesNoPages(t *testing.T) {
	c := newCatalog(t, 16)
	_, err := c.BeginCreateFragment(CreateFragReq{TableID: 0, AttrCount: MaxAttributes + 1})
	require.ErrorIs(t, err, ErrTooManyAttributes)
	require.Equal(t, uint32(16), c.Pool().FreePageCount())
	require.Equal(t, TableUndefined, c.State(0))
}

func TestCreateFragment_RollbackCases(t *testing.T) {
	big := record.AttrDescriptor{Type: record.ColBytes, MaxLen: 4000, Fixed: true}
	cases := []struct {
		name     string
		nullable int
		descs    []record.AttrDescriptor
		want     error
	}{
		{"tuple too large", 0, []record.AttrDescriptor{big, big, big}, ErrTupleTooLarge},
		{"too many nullable", 0, []record.AttrDescriptor{{Type: record.ColInt32, Nullable: true}}, ErrInconsistentNulls},
		{"unused null bits", 2, []record.AttrDescriptor{{Type: record.ColInt32, Nullable: true}, int32Attr()}, ErrInconsistentNulls},
		{"var and disk", 0, []record.AttrDescriptor{
			{Type: record.ColText, MaxLen: 8},
			{Type: record.ColInt32, Storage: record.StorageDisk},
		}, ErrUnsupportedLayout},
		{"bad descriptor", 0, []record.AttrDescriptor{{Type: record.ColText}}, record.ErrBadDescriptor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCatalog(t, 16)
			op, err := c.BeginCreateFragment(CreateFragReq{
				TableID: 2, AttrCount: len(tc.descs), NullableCount: tc.nullable,
			})
			require.NoError(t, err)
			require.Equal(t, TableDefining, c.State(2))

			var got error
			for i, d := range tc.descs {
				if _, got = c.AddAttribute(op, uint32(i), d); got != nil {
					break
				}
			}
			if got == nil {
				got = c.FinishTable(op)
			}
			require.ErrorIs(t, got, tc.want)

			assert.Equal(t, TableUndefined, c.State(2))
			assert.Equal(t, uint32(16), c.Pool().FreePageCount())
			_, err = c.Table(2)
			assert.ErrorIs(t, err, ErrNoSuchTable)
			assert.ErrorIs(t, c.FinishTable(op), ErrFragOpDone)
		})
	}
}

func TestCreateFragment_BusyAndBadIDs(t *testing.T) {
	c := newCatalog(t, 16)
	_, err := c.BeginCreateFragment(CreateFragReq{TableID: 99, AttrCount: 1})
	require.ErrorIs(t, err, ErrNoTableSlot)

	op, err := c.BeginCreateFragment(CreateFragReq{TableID: 0, AttrCount: 1})
	require.NoError(t, err)
	_, err = c.BeginCreateFragment(CreateFragReq{TableID: 0, FragID: 1, AttrCount: 1})
	require.ErrorIs(t, err, ErrTableBusy)

	require.NoError(t, c.AbortFragment(op))
	require.Equal(t, TableUndefined, c.State(0))
}

func TestCreateFragment_NoPages(t *testing.T) {
	c := newCatalog(t, 2)
	defineTable(t, c, 0, 0, int32Attr())
	_, err := c.BeginCreateFragment(CreateFragReq{TableID: 1, AttrCount: 1})
	require.ErrorIs(t, err, ErrNoPages)
	require.Equal(t, TableUndefined, c.State(1))
}

func TestGrowFragment_MapsPages(t *testing.T) {
	c := newCatalog(t, 16)
	defineTable(t, c, 0, 0, int32Attr())
	_, f, err := c.GetFragment(0, 0)
	require.NoError(t, err)

	got, err := c.GrowFragment(f, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(3), got)
	require.Equal(t, uint32(5), f.PageCount)

	seen := map[uint32]bool{}
	for fp := uint32(0); fp < f.PageCount; fp++ {
		real, ok := f.RealPage(fp)
		require.True(t, ok)
		require.False(t, seen[real])
		seen[real] = true
	}
	_, ok := f.RealPage(f.PageCount)
	require.False(t, ok)
}

func TestDropSteps(t *testing.T) {
	c := newCatalog(t, 16)
	defineTable(t, c, 0, 0, int32Attr())
	defineTable(t, c, 0, 1, int32Attr())
	require.Equal(t, uint32(12), c.Pool().FreePageCount())

	require.ErrorIs(t, c.BeginDrop(3), ErrNoSuchTable)
	require.NoError(t, c.BeginDrop(0))
	require.ErrorIs(t, c.BeginDrop(0), ErrTableBusy)
	require.ErrorIs(t, c.FinishDrop(0), ErrTableBusy)

	f, err := c.ReleaseNextFragment(0)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, uint32(14), c.Pool().FreePageCount())

	f, err = c.ReleaseNextFragment(0)
	require.NoError(t, err)
	require.NotNil(t, f)

	f, err = c.ReleaseNextFragment(0)
	require.NoError(t, err)
	require.Nil(t, f)

	require.NoError(t, c.FinishDrop(0))
	require.Equal(t, TableUndefined, c.State(0))
	require.Equal(t, uint32(16), c.Pool().FreePageCount())
}
