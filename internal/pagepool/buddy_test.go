package pagepool

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeSet rebuilds the set of free pages from the free lists and fails
// the test when one page is reachable from two runs.
func freeSet(t *testing.T, p *Pool) map[uint32]bool {
	t.Helper()
	set := make(map[uint32]bool)
	for _, r := range p.FreeRuns() {
		for i := r.Start; i < r.Start+r.Pages; i++ {
			require.False(t, set[i], "page %d appears in two free runs", i)
			set[i] = true
		}
	}
	return set
}

func TestNextHigherTwoLog(t *testing.T) {
	cases := map[uint32]int{0: 0, 1: 1, 2: 2, 3: 2, 4: 3, 7: 3, 8: 4, 32767: 15, 32768: 16}
	for in, want := range cases {
		assert.Equal(t, want, nextHigherTwoLog(in), "input %d", in)
	}
	assert.Equal(t, NumClasses-1, classOf(1<<20))
}

func TestPool_InitSplitsIntoPowerOfTwoRuns(t *testing.T) {
	p := New(13) // 8 + 4 + 1
	counts := p.ClassCounts()
	assert.Equal(t, 1, counts[3])
	assert.Equal(t, 1, counts[2])
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, uint32(13), p.FreePageCount())
	assert.Len(t, freeSet(t, p), 13)
}

func TestAllocPages_ZeroReturnsNothing(t *testing.T) {
	p := New(8)
	got, _, err := p.AllocPages(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got)
	assert.Equal(t, uint32(8), p.FreePageCount())
}

func TestAllocPages_ExactClassSplitsSurplus(t *testing.T) {
	p := New(16)
	got, start, err := p.AllocPages(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(13), p.FreePageCount())

	counts := p.ClassCounts()
	assert.Equal(t, 1, counts[3]) // 3..10
	assert.Equal(t, 1, counts[2]) // 11..14
	assert.Equal(t, 1, counts[0]) // 15
}

func TestAllocPages_AbsorbsNeighbours(t *testing.T) {
	p := New(12) // runs [0..7] and [8..11]
	got, start, err := p.AllocPages(12)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), got)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(0), p.FreePageCount())
	assert.Empty(t, p.FreeRuns())
}

func TestAllocPages_ReturnsFewerWhenFragmented(t *testing.T) {
	p := New(8)
	// take everything, then free two separated single pages
	got, start, err := p.AllocPages(8)
	require.NoError(t, err)
	require.Equal(t, uint32(8), got)
	require.NoError(t, p.FreePages(start+1, 1))
	require.NoError(t, p.FreePages(start+5, 1))

	got, _, err = p.AllocPages(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)
	assert.Equal(t, uint32(1), p.FreePageCount())
}

func TestAllocPages_EmptyPool(t *testing.T) {
	p := New(4)
	_, _, err := p.AllocPages(4)
	require.NoError(t, err)
	got, start, err := p.AllocPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got)
	assert.Equal(t, RNIL, start)
}

func TestAllocFree_RoundTripKeepsShape(t *testing.T) {
	cases := []struct {
		name  string
		pages uint32
		n     uint32
	}{
		{"whole class 4 run", 28, 16},
		{"whole class 3 run", 28, 8},
		{"whole class 2 run", 28, 4},
		{"two adjacent runs", 12, 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.pages)
			before := p.ClassCounts()

			got, start, err := p.AllocPages(tc.n)
			require.NoError(t, err)
			require.Equal(t, tc.n, got)
			require.NoError(t, p.FreePages(start, got))

			assert.Equal(t, before, p.ClassCounts())
			assert.Equal(t, tc.pages, p.FreePageCount())
		})
	}
}

func TestFreePages_RejectsOutOfRangeAndDoubleFree(t *testing.T) {
	p := New(8)
	require.ErrorIs(t, p.FreePages(6, 4), ErrFreeOutOfRange)

	_, start, err := p.AllocPages(2)
	require.NoError(t, err)
	require.NoError(t, p.FreePages(start, 2))
	require.ErrorIs(t, p.FreePages(start, 2), ErrPageAlreadyFreed)
}

func TestFreeRuns_BoundaryLinksOnly(t *testing.T) {
	p := New(8)
	pg, err := p.Get(0)
	require.NoError(t, err)
	assert.Equal(t, StateFreeBoundary, pg.State())
	assert.Equal(t, uint32(7), pg.lastInRun())

	last, err := p.Get(7)
	require.NoError(t, err)
	assert.Equal(t, StateFreeBoundary, last.State())
	assert.Equal(t, uint32(0), last.firstInRun())

	_, err = p.Get(8)
	require.ErrorIs(t, err, ErrBadPage)
}

// Random alloc/free sequences must keep free lists == pages not handed out.
func TestBuddy_InvariantUnderRandomOps(t *testing.T) {
	const total = 200
	p := New(total)
	rng := rand.New(rand.NewSource(42))

	type chunk struct{ start, n uint32 }
	var held []chunk
	owned := make(map[uint32]bool)

	for step := 0; step < 2000; step++ {
		if len(held) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(held))
			c := held[i]
			held = append(held[:i], held[i+1:]...)
			require.NoError(t, p.FreePages(c.start, c.n))
			for j := c.start; j < c.start+c.n; j++ {
				delete(owned, j)
			}
		} else {
			want := uint32(rng.Intn(20) + 1)
			got, start, err := p.AllocPages(want)
			require.NoError(t, err)
			require.LessOrEqual(t, got, want)
			if got == 0 {
				continue
			}
			for j := start; j < start+got; j++ {
				require.False(t, owned[j], "page %d handed out twice", j)
				owned[j] = true
			}
			held = append(held, chunk{start, got})
		}

		free := freeSet(t, p)
		require.Equal(t, total-len(owned), len(free))
		require.Equal(t, uint32(len(free)), p.FreePageCount())
		for j := range owned {
			require.False(t, free[j], "owned page %d on free list", j)
		}
	}
}
