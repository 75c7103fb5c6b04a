package record

import (
	"errors"
	"math"

	"github.com/tuannm99/novatup/internal/alias/bx"
)

var (
	ErrSchemaMismatch  = errors.New("rowcodec: schema/values mismatch")
	ErrBadBuffer       = errors.New("rowcodec: buffer underflow/overflow")
	ErrVarTooLong      = errors.New("rowcodec: value exceeds attribute max length")
	ErrUnsupportedType = errors.New("rowcodec: unsupported type")
)

// Row is an encoded row split by where the words live.
//
//	Fix:  FixSize words; header words are left zero except the null bitmap
//	Var:  [len word per var attr][data words per var attr, word aligned]
//	Disk: DiskSize words
type Row struct {
	Fix  []uint32
	Var  []uint32
	Disk []uint32
}

// EncodeRow turns values (one per attribute, in attribute order) into words.
func EncodeRow(l *Layout, values []any) (Row, error) {
	if len(values) != len(l.Attrs) {
		return Row{}, ErrSchemaMismatch
	}
	r := Row{
		Fix:  make([]uint32, l.FixSize),
		Disk: make([]uint32, l.DiskSize),
	}

	// var data is collected first, lengths go in front
	var varData [][]byte
	if l.VarCount > 0 {
		varData = make([][]byte, l.VarCount)
	}

	for i, a := range l.Attrs {
		v := values[i]
		if v == nil {
			if !a.Desc.Nullable {
				return Row{}, ErrSchemaMismatch
			}
			l.SetNull(r.Fix, a, true)
			continue
		}

		if a.Desc.IsVar() {
			bs, err := varBytes(a.Desc, v)
			if err != nil {
				return Row{}, err
			}
			varData[a.VarIndex] = bs
			continue
		}

		dst := r.Fix
		if a.Desc.Storage == StorageDisk {
			dst = r.Disk
		}
		if err := putFixed(dst[a.Offset:a.Offset+a.Desc.FixedWords()], a.Desc, v); err != nil {
			return Row{}, err
		}
	}

	if l.VarCount > 0 {
		total := l.VarCount
		for _, bs := range varData {
			total += bx.WordsFor(len(bs))
		}
		r.Var = make([]uint32, total)
		pos := l.VarCount
		for k, bs := range varData {
			r.Var[k] = uint32(len(bs))
			n := bx.WordsFor(len(bs))
			bx.PackBytes(r.Var[pos:pos+n], bs)
			pos += n
		}
	}
	return r, nil
}

// DecodeRow reads values back. fix must hold at least FixSize words; var
// and disk may be nil when the layout has no such part.
func DecodeRow(l *Layout, fix, varPart, disk []uint32) ([]any, error) {
	if len(fix) < l.FixSize || len(disk) < l.DiskSize {
		return nil, ErrBadBuffer
	}
	if l.VarCount > 0 && len(varPart) < l.VarCount {
		return nil, ErrBadBuffer
	}

	var varOff []int
	if l.VarCount > 0 {
		varOff = make([]int, l.VarCount)
		pos := l.VarCount
		for k := 0; k < l.VarCount; k++ {
			varOff[k] = pos
			pos += bx.WordsFor(int(varPart[k]))
		}
		if pos > len(varPart) {
			return nil, ErrBadBuffer
		}
	}

	out := make([]any, len(l.Attrs))
	for i, a := range l.Attrs {
		if l.IsNull(fix, a) {
			continue
		}
		if a.Desc.IsVar() {
			n := int(varPart[a.VarIndex])
			off := varOff[a.VarIndex]
			bs := bx.UnpackBytes(varPart[off:off+bx.WordsFor(n)], n)
			if a.Desc.Type == ColText {
				out[i] = string(bs)
			} else {
				out[i] = bs
			}
			continue
		}

		src := fix
		if a.Desc.Storage == StorageDisk {
			src = disk
		}
		v, err := getFixed(src[a.Offset:a.Offset+a.Desc.FixedWords()], a.Desc)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// VarWords is the number of words the var part occupies.
func VarWords(l *Layout, varPart []uint32) int {
	if l.VarCount == 0 {
		return 0
	}
	n := l.VarCount
	for k := 0; k < l.VarCount; k++ {
		n += bx.WordsFor(int(varPart[k]))
	}
	return n
}

func putFixed(dst []uint32, d AttrDescriptor, v any) error {
	switch d.Type {
	case ColInt32:
		x, ok := asInt32(v)
		if !ok {
			return ErrSchemaMismatch
		}
		dst[0] = uint32(x)

	case ColInt64:
		x, ok := asInt64(v)
		if !ok {
			return ErrSchemaMismatch
		}
		dst[0], dst[1] = bx.Lo(uint64(x)), bx.Hi(uint64(x))

	case ColBool:
		x, ok := v.(bool)
		if !ok {
			return ErrSchemaMismatch
		}
		dst[0] = 0
		if x {
			dst[0] = 1
		}

	case ColFloat64:
		x, ok := asFloat64(v)
		if !ok {
			return ErrSchemaMismatch
		}
		bits := math.Float64bits(x)
		dst[0], dst[1] = bx.Lo(bits), bx.Hi(bits)

	case ColText, ColBytes:
		bs, err := varBytes(d, v)
		if err != nil {
			return err
		}
		for i := range dst {
			dst[i] = 0
		}
		dst[0] = uint32(len(bs))
		bx.PackBytes(dst[1:], bs)

	default:
		return ErrUnsupportedType
	}
	return nil
}

func getFixed(src []uint32, d AttrDescriptor) (any, error) {
	switch d.Type {
	case ColInt32:
		return int32(src[0]), nil
	case ColInt64:
		return int64(bx.Join64(src[0], src[1])), nil
	case ColBool:
		return src[0] != 0, nil
	case ColFloat64:
		return math.Float64frombits(bx.Join64(src[0], src[1])), nil
	case ColText, ColBytes:
		n := int(src[0])
		if n > int(d.MaxLen) || bx.WordsFor(n) > len(src)-1 {
			return nil, ErrBadBuffer
		}
		bs := bx.UnpackBytes(src[1:], n)
		if d.Type == ColText {
			return string(bs), nil
		}
		return bs, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func varBytes(d AttrDescriptor, v any) ([]byte, error) {
	var bs []byte
	switch d.Type {
	case ColText:
		s, ok := v.(string)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		bs = []byte(s)
	case ColBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		bs = b
	default:
		return nil, ErrUnsupportedType
	}
	if len(bs) > int(d.MaxLen) {
		return nil, ErrVarTooLong
	}
	return bs, nil
}

// ---- small helpers to accept multiple numeric types on encode ----
func asInt32(v any) (int32, bool) {
	switch x := v.(type) {
	case int32:
		return x, true
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
