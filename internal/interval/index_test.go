package interval

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(x *Index, qs, qe uint64) []uint64 {
	var ids []uint64
	x.ForEachOverlapping(qs, qe, func(it Item) Visit {
		ids = append(ids, it.ID)
		return Continue
	})
	slices.Sort(ids)
	return ids
}

func TestIndex_Empty(t *testing.T) {
	x := New(1<<20, 1<<16)
	called := false
	ok := x.ForEachOverlapping(0, 1<<20-1, func(Item) Visit {
		called = true
		return Continue
	})
	assert.True(t, ok)
	assert.False(t, called)
	assert.False(t, x.Remove(1, 0, 10))
	assert.True(t, x.Empty())
}

func TestIndex_InsertQueryRemove(t *testing.T) {
	x := New(1<<20, 1<<16)

	x.Insert(1, 0, 65535)        // first unit, left side
	x.Insert(2, 60000, 70000)    // straddles a leaf midpoint
	x.Insert(3, 500000, 600000)  // straddles the root midpoint
	x.Insert(4, 900000, 1048575) // last bytes

	assert.Equal(t, 4, x.Len())
	assert.Equal(t, []uint64{1, 2}, collect(x, 0, 65535))
	assert.Equal(t, []uint64{2}, collect(x, 65536, 65536))
	assert.Equal(t, []uint64{3}, collect(x, 524288, 524288))
	assert.Equal(t, []uint64{4}, collect(x, 1048575, 1048575))
	assert.Empty(t, collect(x, 700000, 800000))

	assert.True(t, x.Remove(2, 60000, 70000))
	assert.False(t, x.Remove(2, 60000, 70000))
	assert.False(t, x.Remove(1, 0, 100), "range must match exactly")
	assert.Equal(t, []uint64{1}, collect(x, 0, 100000))
}

func TestIndex_NodesFreedEagerly(t *testing.T) {
	x := New(1<<24, 1<<12)
	for i := range uint64(64) {
		x.Insert(i, i*4096*3, i*4096*3+100)
	}
	require.Positive(t, x.NodeCount())
	for i := range uint64(64) {
		require.True(t, x.Remove(i, i*4096*3, i*4096*3+100))
	}
	assert.Equal(t, 0, x.NodeCount())
	assert.True(t, x.Empty())
}

func TestIndex_VisitorRemoveAndStop(t *testing.T) {
	x := New(1<<20, 1<<12)
	for i := range uint64(10) {
		x.Insert(i, i*10000, i*10000+5000)
	}

	ok := x.ForEachOverlapping(0, 1<<20-1, func(it Item) Visit {
		if it.ID%2 == 0 {
			return Remove
		}
		return Continue
	})
	assert.True(t, ok)
	assert.Equal(t, []uint64{1, 3, 5, 7, 9}, collect(x, 0, 1<<20-1))
	assert.Equal(t, 5, x.Len())

	visits := 0
	ok = x.ForEachOverlapping(0, 1<<20-1, func(Item) Visit {
		visits++
		return Stop
	})
	assert.False(t, ok)
	assert.Equal(t, 1, visits)

	x.ForEachOverlapping(0, 1<<20-1, func(Item) Visit { return Remove })
	assert.Equal(t, 0, x.NodeCount())
}

func TestIndex_OutOfRangePanics(t *testing.T) {
	x := New(1<<16, 1<<12)
	assert.Panics(t, func() { x.Insert(1, 10, 5) })
	assert.Panics(t, func() { x.Insert(1, 0, x.Limit()) })
	assert.Panics(t, func() { New(100, 3) })
}

// Property: for any sequence of inserts and removes, a query visits exactly
// the live items whose range intersects it.
func TestIndex_CoverageCorrectness(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	const span = 1 << 22
	x := New(span, 1<<12)
	live := map[uint64]Item{}
	var nextID uint64

	for step := range 4000 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			for id, it := range live {
				require.True(t, x.Remove(id, it.Start, it.End))
				delete(live, id)
				break
			}
		} else {
			start := rng.Uint64N(span)
			size := rng.Uint64N(1 << uint(rng.IntN(20)+1))
			end := min(start+size, span-1)
			nextID++
			x.Insert(nextID, start, end)
			live[nextID] = Item{ID: nextID, Start: start, End: end}
		}

		if step%20 == 0 {
			a := rng.Uint64N(span)
			b := rng.Uint64N(span)
			if a > b {
				a, b = b, a
			}
			var want []uint64
			for id, it := range live {
				if it.Start <= b && it.End >= a {
					want = append(want, id)
				}
			}
			slices.Sort(want)
			got := collect(x, a, b)
			if len(want) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, want, got, "query [%d, %d]", a, b)
			}
		}
	}
	assert.Equal(t, len(live), x.Len())
}

func TestIndex_Shrinking(t *testing.T) {
	x := New(1<<20, 1<<12)
	x.Insert(1, 100000, 110000)
	x.Insert(2, 300000, 310000)
	x.Insert(3, 700000, 710000)

	qe := uint64(1<<20 - 1)
	var seen []uint64
	ok := x.ForEachOverlappingShrinking(0, &qe, func(it Item, qe *uint64) bool {
		seen = append(seen, it.ID)
		// Nothing after the first hit is interesting.
		*qe = it.End
		return true
	})
	assert.True(t, ok)
	assert.Equal(t, []uint64{1}, seen)
	assert.Equal(t, uint64(110000), qe)

	qe = 1<<20 - 1
	ok = x.ForEachOverlappingShrinking(200000, &qe, func(Item, *uint64) bool { return false })
	assert.False(t, ok)
}

func TestIndex_MaskCoverage(t *testing.T) {
	const g = 1 << 12
	x := New(1<<20, g)
	x.Insert(1, 0, g-1)       // unit 0
	x.Insert(2, 2*g, 4*g-1)   // units 2,3
	x.Insert(3, 6*g+10, 7*g)  // partial unit 6 and one byte of unit 7: no full unit
	x.Insert(4, 8*g-5, 10*g-1) // unit 8 and 9, partial 7

	out := bitset.New(16)
	x.MaskCoverage(0, 12*g-1, 12, out)

	var covered []uint
	for i := uint(0); i < 12; i++ {
		if out.Test(i) {
			covered = append(covered, i)
		}
	}
	assert.Equal(t, []uint{0, 2, 3, 8, 9}, covered)

	first, ok := out.NextClear(0)
	require.True(t, ok)
	assert.Equal(t, uint(1), first)

	// Query starting mid-unit counts units from the aligned-down base.
	out = bitset.New(4)
	x.MaskCoverage(2*g+100, 4*g-1, 12, out)
	assert.True(t, out.Test(0))
	assert.True(t, out.Test(1))
	assert.False(t, out.Test(2))
}
