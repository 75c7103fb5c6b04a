package pagepool

import "fmt"

// LocalKey addresses a row: fragment-relative page number plus slot.
type LocalKey struct {
	Page uint32
	Slot uint32
}

// NullKey is the "no row" value.
var NullKey = LocalKey{Page: RNIL, Slot: RNIL}

func (k LocalKey) IsNull() bool { return k.Page == RNIL }

// Less orders keys the way page scans visit them.
func (k LocalKey) Less(o LocalKey) bool {
	if k.Page != o.Page {
		return k.Page < o.Page
	}
	return k.Slot < o.Slot
}

func (k LocalKey) String() string {
	if k.IsNull() {
		return "(nil)"
	}
	return fmt.Sprintf("(%d,%d)", k.Page, k.Slot)
}
