package pagepool

import (
	"fmt"
	"log/slog"
	"math/bits"
)

// nextHigherTwoLog returns the number of significant bits of v,
// i.e. floor(log2 v)+1 for v > 0 and 0 for v == 0.
func nextHigherTwoLog(v uint32) int {
	return bits.Len32(v)
}

// classOf is the class index used when returning n pages: floor(log2 n), capped.
func classOf(n uint32) int {
	return min(nextHigherTwoLog(n)-1, NumClasses-1)
}

// AllocPages tries to allocate n contiguous pages. When no run is large
// enough it hands out the largest run it can grow by absorbing free
// neighbours, so allocated may be smaller than n (and 0 when the pool is
// empty). err is only set when the free lists are found corrupted.
func (p *Pool) AllocPages(n uint32) (allocated, start uint32, err error) {
	if n == 0 {
		return 0, RNIL, nil
	}

	first := nextHigherTwoLog(n - 1)
	for c := first; c < NumClasses; c++ {
		if p.freeList[c] == RNIL {
			continue
		}
		start = p.freeList[c]
		if err := p.removeRun(start, c); err != nil {
			return 0, RNIL, err
		}
		p.returnRun(start+n, (1<<c)-n)
		slog.Debug("buddy: alloc", "want", n, "start", start, "class", c)
		return n, start, nil
	}

	for c := min(first-1, NumClasses-1); c >= 0; c-- {
		if p.freeList[c] == RNIL {
			continue
		}
		start = p.freeList[c]
		if err := p.removeRun(start, c); err != nil {
			return 0, RNIL, err
		}
		allocated = 1 << c
		if err := p.absorbLeft(&start, &allocated, n); err != nil {
			return 0, RNIL, err
		}
		if err := p.absorbRight(start, &allocated, n); err != nil {
			return 0, RNIL, err
		}
		slog.Debug("buddy: alloc partial", "want", n, "got", allocated, "start", start)
		return allocated, start, nil
	}

	slog.Debug("buddy: alloc failed, pool empty", "want", n)
	return 0, RNIL, nil
}

// FreePages returns n pages starting at start to the free lists.
// Runs are split into power-of-two chunks and never merged with neighbours.
func (p *Pool) FreePages(start, n uint32) error {
	if n == 0 {
		return nil
	}
	if start >= p.nPages || n > p.nPages-start {
		return ErrFreeOutOfRange
	}
	for i := start; i < start+n; i++ {
		// interior pages carry no boundary state, boundaries always do
		if p.page(i).State() == StateFreeBoundary {
			return fmt.Errorf("%w: page %d", ErrPageAlreadyFreed, i)
		}
	}
	p.returnRun(start, n)
	slog.Debug("buddy: free", "start", start, "pages", n)
	return nil
}

func (p *Pool) returnRun(start, n uint32) {
	for n > 0 {
		c := classOf(n)
		p.insertRun(start, c)
		start += 1 << c
		n -= 1 << c
	}
}

func (p *Pool) absorbLeft(start, allocated *uint32, want uint32) error {
	remain := want - *allocated
	for *start > 0 && remain > 0 {
		last := p.page(*start - 1)
		if last.State() != StateFreeBoundary {
			return nil
		}
		firstIdx := last.firstInRun()
		if firstIdx == RNIL || firstIdx > *start-1 {
			return fmt.Errorf("%w: left neighbour %d", ErrCorruptFreeList, *start-1)
		}
		c := nextHigherTwoLog(*start - 1 - firstIdx)
		if err := p.removeRun(firstIdx, c); err != nil {
			return err
		}
		size := uint32(1) << c
		if size > remain {
			ret := size - remain
			p.returnRun(firstIdx, ret)
			*start = firstIdx + ret
			*allocated = want
			return nil
		}
		*start = firstIdx
		*allocated += size
		remain -= size
	}
	return nil
}

func (p *Pool) absorbRight(start uint32, allocated *uint32, want uint32) error {
	remain := want - *allocated
	for remain > 0 && start+*allocated < p.nPages {
		firstIdx := start + *allocated
		first := p.page(firstIdx)
		if first.State() != StateFreeBoundary {
			return nil
		}
		lastIdx := first.lastInRun()
		if lastIdx == RNIL || lastIdx < firstIdx {
			return fmt.Errorf("%w: right neighbour %d", ErrCorruptFreeList, firstIdx)
		}
		c := nextHigherTwoLog(lastIdx - firstIdx)
		if err := p.removeRun(firstIdx, c); err != nil {
			return err
		}
		size := uint32(1) << c
		if size > remain {
			p.returnRun(firstIdx+remain, size-remain)
			*allocated += remain
			return nil
		}
		*allocated += size
		remain -= size
	}
	return nil
}

func (p *Pool) insertRun(start uint32, c int) {
	last := start + (1 << c) - 1
	head := p.freeList[c]

	first := p.page(start)
	first.SetState(StateFreeBoundary)
	first.setNextRun(head)
	first.setPrevRun(RNIL)
	first.setLastInRun(last)
	if head != RNIL {
		p.page(head).setPrevRun(start)
	}
	p.freeList[c] = start

	lp := p.page(last)
	lp.SetState(StateFreeBoundary)
	lp.setFirstInRun(start)

	p.free += 1 << c
}

// removeRun unlinks the run starting at start from class c. The list has
// to be walked from its head to find the predecessor.
func (p *Pool) removeRun(start uint32, c int) error {
	if c < 0 || c >= NumClasses {
		return fmt.Errorf("%w: class %d", ErrCorruptFreeList, c)
	}
	rp := p.page(start)
	next := rp.nextRun()

	if p.freeList[c] == start {
		p.freeList[c] = next
		if next != RNIL {
			p.page(next).setPrevRun(RNIL)
		}
	} else {
		prev := p.freeList[c]
		for {
			if prev == RNIL {
				return fmt.Errorf("%w: run %d not in class %d", ErrCorruptFreeList, start, c)
			}
			pn := p.page(prev).nextRun()
			if pn == start {
				break
			}
			prev = pn
		}
		p.page(prev).setNextRun(next)
		if next != RNIL {
			p.page(next).setPrevRun(prev)
		}
	}

	last := start + (1 << c) - 1
	rp.setNextRun(RNIL)
	rp.setPrevRun(RNIL)
	rp.setLastInRun(RNIL)
	rp.SetState(StateAllocated)

	lp := p.page(last)
	lp.setFirstInRun(RNIL)
	lp.SetState(StateAllocated)

	p.free -= 1 << c
	return nil
}
