package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// SegFileName names segment segNo of base: base itself for segment 0,
// base.N after that.
func SegFileName(base string, segNo uint32) string {
	if segNo == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, segNo)
}

// segments lists the segment numbers present for lfs, ascending.
func segments(lfs LocalFileSet) ([]uint32, error) {
	ents, err := os.ReadDir(lfs.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var segs []uint32
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if e.Name() == lfs.Base {
			segs = append(segs, 0)
			continue
		}
		suf, ok := strings.CutPrefix(e.Name(), lfs.Base+".")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(suf, 10, 32)
		if err != nil || n == 0 {
			continue
		}
		segs = append(segs, uint32(n))
	}
	slices.Sort(segs)
	return segs, nil
}

// RemoveAllSegments deletes every segment of a disk file. Gaps in the
// numbering are tolerated.
func RemoveAllSegments(lfs LocalFileSet) error {
	segs, err := segments(lfs)
	if err != nil {
		return err
	}
	for _, segNo := range segs {
		path := filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
