package record

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func attrsOf(descs ...AttrDescriptor) ([]Attr, int) {
	out := make([]Attr, len(descs))
	nullable := 0
	for _, d := range descs {
		if d.Nullable {
			nullable++
		}
	}
	next := nullable
	for i, d := range descs {
		out[i] = Attr{ID: uint32(i), Desc: d, NullBit: -1}
		if d.Nullable {
			next--
			out[i].NullBit = next
		}
	}
	return out, nullable
}

func makeTestLayout(opts LayoutOptions) *Layout {
	attrs, nullable := attrsOf(
		AttrDescriptor{Name: "id32", Type: ColInt32, PrimaryKey: true},
		AttrDescriptor{Name: "id64", Type: ColInt64},
		AttrDescriptor{Name: "active", Type: ColBool},
		AttrDescriptor{Name: "score", Type: ColFloat64},
		AttrDescriptor{Name: "name", Type: ColText, MaxLen: 32, Nullable: true},
		AttrDescriptor{Name: "blob", Type: ColBytes, MaxLen: 16, Nullable: true},
		AttrDescriptor{Name: "code", Type: ColText, MaxLen: 6, Fixed: true},
	)
	return BuildLayout(attrs, nullable, opts)
}

func TestBuildLayout_HeaderWords(t *testing.T) {
	l := makeTestLayout(LayoutOptions{})
	require.Equal(t, KindVariable, l.Kind)
	require.Equal(t, -1, l.ChecksumIdx)
	require.Equal(t, 2, l.NullIdx)
	require.Equal(t, 1, l.NullWords)
	require.Equal(t, 3, l.HeaderSize)
	require.Equal(t, 3, l.VarRefIdx)
	require.Equal(t, -1, l.DiskRefIdx)
	require.Equal(t, 1, l.KeyCount)

	// id32 + id64 + active + score + code(len + 2 words)
	require.Equal(t, 4, l.Attrs[0].Offset)
	require.Equal(t, 5, l.Attrs[1].Offset)
	require.Equal(t, 7, l.Attrs[2].Offset)
	require.Equal(t, 8, l.Attrs[3].Offset)
	require.Equal(t, 10, l.Attrs[6].Offset)
	require.Equal(t, 13, l.FixSize)

	require.Equal(t, 2, l.VarCount)
	require.Equal(t, 0, l.Attrs[4].VarIndex)
	require.Equal(t, 1, l.Attrs[5].VarIndex)
	require.Equal(t, 1+8+1+4, l.VarMaxWords)

	withAll := makeTestLayout(LayoutOptions{Checksum: true, RowGCI: true})
	require.Equal(t, 2, withAll.ChecksumIdx)
	require.Equal(t, 3, withAll.NullIdx)
	require.Equal(t, 4, withAll.GCIIdx)
	require.Equal(t, 5, withAll.HeaderSize)
}

func TestBuildLayout_DiskAttrs(t *testing.T) {
	attrs, nullable := attrsOf(
		AttrDescriptor{Type: ColInt32, PrimaryKey: true},
		AttrDescriptor{Type: ColInt64, Storage: StorageDisk},
		AttrDescriptor{Type: ColInt32, Storage: StorageDisk, Nullable: true},
	)
	l := BuildLayout(attrs, nullable, LayoutOptions{})
	require.Equal(t, KindDiskBacked, l.Kind)
	require.Equal(t, 3, l.DiskRefIdx)
	require.Equal(t, 5, l.Attrs[0].Offset)
	require.Equal(t, 6, l.FixSize)
	require.Equal(t, 0, l.Attrs[1].Offset)
	require.Equal(t, 2, l.Attrs[2].Offset)
	require.Equal(t, 3, l.DiskSize)
	require.Equal(t, l.FixSize+l.DiskSize, l.CopySize())
}

func TestEncodeDecodeRow_RoundTrip(t *testing.T) {
	l := makeTestLayout(LayoutOptions{Checksum: true})

	values := []any{
		int32(42),
		int64(123456789),
		true,
		3.14159,
		"hello",
		[]byte{0x01, 0x02, 0x03},
		"abc",
	}

	row, err := EncodeRow(l, values)
	require.NoError(t, err)
	require.Len(t, row.Fix, l.FixSize)
	require.Equal(t, VarWords(l, row.Var), len(row.Var))

	out, err := DecodeRow(l, row.Fix, row.Var, row.Disk)
	require.NoError(t, err)

	require.Len(t, out, len(values))
	require.Equal(t, int32(42), out[0].(int32))
	require.Equal(t, int64(123456789), out[1].(int64))
	require.True(t, out[2].(bool))
	require.InDelta(t, 3.14159, out[3].(float64), 1e-9)
	require.Equal(t, "hello", out[4].(string))
	require.Equal(t, []byte{0x01, 0x02, 0x03}, out[5].([]byte))
	require.Equal(t, "abc", out[6].(string))
}

func TestEncodeDecodeRow_Nullable(t *testing.T) {
	l := makeTestLayout(LayoutOptions{})

	values := []any{int32(1), int64(-2), false, 1.5, nil, nil, ""}

	row, err := EncodeRow(l, values)
	require.NoError(t, err)
	require.True(t, l.IsNull(row.Fix, l.Attrs[4]))
	require.True(t, l.IsNull(row.Fix, l.Attrs[5]))
	require.False(t, l.IsNull(row.Fix, l.Attrs[0]))

	out, err := DecodeRow(l, row.Fix, row.Var, row.Disk)
	require.NoError(t, err)
	require.Nil(t, out[4])
	require.Nil(t, out[5])
	require.Equal(t, int64(-2), out[1])
	require.Equal(t, "", out[6])
}

func TestEncodeRow_SchemaMismatch(t *testing.T) {
	l := makeTestLayout(LayoutOptions{})

	_, err := EncodeRow(l, []any{int32(1)})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// NOT NULL column given nil
	_, err = EncodeRow(l, []any{nil, int64(1), true, 1.0, "x", nil, "y"})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// wrong Go type
	_, err = EncodeRow(l, []any{"1", int64(1), true, 1.0, "x", nil, "y"})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEncodeRow_TooLong(t *testing.T) {
	l := makeTestLayout(LayoutOptions{})

	_, err := EncodeRow(l, []any{int32(1), int64(1), true, 1.0, strings.Repeat("x", 33), nil, "y"})
	require.ErrorIs(t, err, ErrVarTooLong)

	_, err = EncodeRow(l, []any{int32(1), int64(1), true, 1.0, "x", nil, "toolong"})
	require.ErrorIs(t, err, ErrVarTooLong)
}

func TestDecodeRow_BadBuffer(t *testing.T) {
	l := makeTestLayout(LayoutOptions{})
	_, err := DecodeRow(l, make([]uint32, 2), nil, nil)
	require.ErrorIs(t, err, ErrBadBuffer)

	row, err := EncodeRow(l, []any{int32(1), int64(1), true, 1.0, "hello world", nil, "y"})
	require.NoError(t, err)
	_, err = DecodeRow(l, row.Fix, row.Var[:3], nil)
	require.ErrorIs(t, err, ErrBadBuffer)
}

func TestAttrDescriptor_Validate(t *testing.T) {
	require.NoError(t, AttrDescriptor{Type: ColInt64}.Validate())
	require.ErrorIs(t, AttrDescriptor{Type: ColText}.Validate(), ErrBadDescriptor)
	require.ErrorIs(t, AttrDescriptor{Type: ColText, MaxLen: 8, Storage: StorageDisk}.Validate(), ErrVarOnDisk)
	require.NoError(t, AttrDescriptor{Type: ColText, MaxLen: 8, Fixed: true, Storage: StorageDisk}.Validate())
	require.ErrorIs(t, AttrDescriptor{Type: ColumnType(99)}.Validate(), ErrBadDescriptor)
}
