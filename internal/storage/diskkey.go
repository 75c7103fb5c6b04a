package storage

import "fmt"

// DiskKey addresses one fixed-size record inside a disk file.
// File and Slot must fit in 16 bits each.
type DiskKey struct {
	File uint32
	Page uint32
	Slot uint32
}

var NullDiskKey = DiskKey{File: 0xFFFF, Page: 0xFFFFFFFF, Slot: 0xFFFF}

func (k DiskKey) IsNull() bool { return k.Page == 0xFFFFFFFF }

// Words packs the key into the two disk reference words of a row.
func (k DiskKey) Words() (uint32, uint32) {
	return k.Page, (k.File&0xFFFF)<<16 | (k.Slot & 0xFFFF)
}

func DiskKeyFromWords(w0, w1 uint32) DiskKey {
	return DiskKey{File: w1 >> 16, Page: w0, Slot: w1 & 0xFFFF}
}

func (k DiskKey) String() string {
	if k.IsNull() {
		return "(nil)"
	}
	return fmt.Sprintf("(%d:%d,%d)", k.File, k.Page, k.Slot)
}
