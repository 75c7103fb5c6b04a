package storage

import "errors"

const (
	PageSize   = 1 << 13 // 8 KiB
	HeaderSize = 24

	// SegmentPages is how many pages one segment file of a disk file holds.
	SegmentPages = 1 << 13 // 64 MiB per segment
)

var ErrInvalidOperation = errors.New("storage: page is not formatted")
