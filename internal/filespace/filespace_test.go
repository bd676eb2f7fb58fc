package filespace

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_ExtendsAndReuses(t *testing.T) {
	s := NewAllocator(100)

	a := s.Allocate(50)
	b := s.Allocate(30)
	c := s.Allocate(20)
	assert.Equal(t, Range{Start: 100, End: 150}, a)
	assert.Equal(t, Range{Start: 150, End: 180}, b)
	assert.Equal(t, Range{Start: 180, End: 200}, c)
	assert.Equal(t, uint64(200), s.EOA())

	require.NoError(t, s.Free(a))
	assert.Equal(t, uint64(50), s.FreeBytes())

	// smallest fit comes from the hole, not the end of file
	d := s.Allocate(10)
	assert.Equal(t, Range{Start: 100, End: 110}, d)
	assert.Equal(t, uint64(200), s.EOA())
	assert.Equal(t, uint64(40), s.FreeBytes())
}

func TestAllocator_FreeAtEndShrinks(t *testing.T) {
	s := NewAllocator(0)
	a := s.Allocate(10)
	b := s.Allocate(10)
	c := s.Allocate(10)

	require.NoError(t, s.Free(b))
	assert.Equal(t, uint64(30), s.EOA())

	// freeing c merges with b and both fall off the end
	require.NoError(t, s.Free(c))
	assert.Equal(t, uint64(10), s.EOA())
	assert.Zero(t, s.FreeList.Len())
	assert.Zero(t, s.FreeListBySize.Len())

	require.NoError(t, s.Free(a))
	assert.Equal(t, uint64(0), s.EOA())
}

func TestAllocator_FreeErrors(t *testing.T) {
	s := NewAllocator(0)
	a := s.Allocate(10)
	s.Allocate(10)
	require.NoError(t, s.Free(a))

	assert.ErrorIs(t, s.Free(a), ErrDoubleFree)
	assert.ErrorIs(t, s.Free(Range{Start: 5, End: 12}), ErrDoubleFree)
	assert.ErrorIs(t, s.Free(Range{Start: 15, End: 25}), ErrOutOfBounds)
	assert.True(t, s.IsAllocated(Range{Start: 10, End: 20}))
	assert.False(t, s.IsAllocated(Range{Start: 0, End: 11}))
}

func FuzzAllocator(f *testing.F) {
	f.Add(100, int64(1))
	f.Add(500, time.Now().UnixNano())

	f.Fuzz(func(t *testing.T, numOps int, seed int64) {
		if numOps < 0 || numOps > 2000 {
			t.Skip()
		}
		rng := rand.New(rand.NewSource(seed))
		s := NewAllocator(0)
		var live []Range

		for i := 0; i < numOps; i++ {
			if rng.Intn(2) == 0 || len(live) == 0 {
				r := s.Allocate(uint64(rng.Intn(64) + 1))
				for _, other := range live {
					require.False(t, r.Overlaps(other), "%v overlaps %v", r, other)
				}
				live = append(live, r)
			} else {
				idx := rng.Intn(len(live))
				require.NoError(t, s.Free(live[idx]))
				live = append(live[:idx], live[idx+1:]...)
			}

			var used, highest uint64
			for _, r := range live {
				used += r.Size()
				highest = max(highest, r.End)
			}
			require.Equal(t, highest, s.EOA())
			require.Equal(t, s.EOA()-used, s.FreeBytes())
		}
	})
}

func TestAllocator_MarkAllocated(t *testing.T) {
	s := NewAllocator(0)

	// claims past the EOA leave the gap free
	require.NoError(t, s.MarkAllocated(Range{Start: 40, End: 50}))
	assert.Equal(t, uint64(50), s.EOA())
	assert.Equal(t, uint64(40), s.FreeBytes())

	// claims inside a hole split it
	require.NoError(t, s.MarkAllocated(Range{Start: 10, End: 20}))
	assert.Equal(t, uint64(30), s.FreeBytes())
	assert.True(t, s.IsAllocated(Range{Start: 10, End: 20}))
	assert.False(t, s.IsAllocated(Range{Start: 0, End: 10}))

	assert.ErrorIs(t, s.MarkAllocated(Range{Start: 15, End: 25}), ErrInUse)
	assert.ErrorIs(t, s.MarkAllocated(Range{Start: 45, End: 46}), ErrInUse)

	r := s.Allocate(10)
	assert.Equal(t, Range{Start: 0, End: 10}, r)
}
