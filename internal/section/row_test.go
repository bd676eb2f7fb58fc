package section

import (
	"testing"

	"github.com/garethgeorge/fheapspace/internal/freespace"
	"github.com/garethgeorge/fheapspace/internal/heap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceRowFromStart(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom4)
	root := newRoot(t, s, 8)
	require.NoError(t, s.AddSkippedEntries(root, 0, 8))

	rows := firstRows(s)
	require.Len(t, rows, 1)
	r0 := rows[0]
	top := s.get(r0).row.under
	r1 := s.get(top).indirect.dirRows[1]

	for want := uint(0); want < 4; want++ {
		id, ok, err := s.store.Find(1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, r0, id)
		entry, err := s.ReduceRow(id)
		require.NoError(t, err)
		assert.Equal(t, want, entry)
		requireConsistent(t, s)

		if want == 0 {
			row, col, n := s.Get(r0).Row()
			assert.Equal(t, []uint{0, 1, 3}, []uint{row, col, n})
			assert.Equal(t, uint64(128), s.Get(r0).Addr)
			assert.Equal(t, shape{Addr: 128, Row: 0, Col: 1, N: 7, Span: 7 * 128, DirRows: 2, Refcnt: 2}, shapeOf(s, top))
		}
	}

	assert.Equal(t, []ID{r1}, firstRows(s))
	assert.Equal(t, shape{Addr: 512, Row: 1, Col: 0, N: 4, Span: 512, DirRows: 1, Refcnt: 1}, shapeOf(s, top))
}

func TestReduceRowFromEnd(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom4)
	root := newRoot(t, s, 8)
	// row 1 and the first two entries of row 2
	require.NoError(t, s.AddSkippedEntries(root, 4, 6))
	top := tops(s)[0]

	for _, want := range []uint{9, 8} {
		id, ok, err := s.store.Find(100)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, NormalRow, s.Get(id).Kind)
		entry, err := s.ReduceRow(id)
		require.NoError(t, err)
		assert.Equal(t, want, entry)
		requireConsistent(t, s)
	}

	_, ok, err := s.store.Find(100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, shape{Addr: 512, Row: 1, Col: 0, N: 4, Span: 512, DirRows: 1, Refcnt: 1}, shapeOf(s, top))
}

func TestReduceLastEntry(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom4)
	root := newRoot(t, s, 8)
	require.NoError(t, s.AddSkippedEntries(root, 5, 1))

	id, ok, err := s.store.Find(1)
	require.NoError(t, err)
	require.True(t, ok)
	entry, err := s.ReduceRow(id)
	require.NoError(t, err)
	assert.Equal(t, uint(5), entry)
	assert.Zero(t, s.Len())
	assert.Zero(t, root.RC())
}

func TestRowMergeAcrossTrees(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom8)
	root := newRoot(t, s, 4)

	// row 2, columns 0 to 2
	require.NoError(t, s.AddSkippedEntries(root, 16, 3))
	rows := firstRows(s)
	require.Len(t, rows, 1)
	a := rows[0]

	// row 2, columns 3 to 5, built but not yet in the store
	id, _, err := s.newIndirect(2048+3*256, 0, root, 0, 2, 3, 3)
	require.NoError(t, err)
	var b ID
	require.NoError(t, s.initRows(id, true, &b, freespace.SkipValid, 2, 3, 2, 5))
	ok, err := s.CanMerge(a, b)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.store.Add(b, freespace.ReturnedSpace))
	assert.Equal(t, []ID{a}, firstRows(s))
	assert.Equal(t, 1, s.store.Len())
	row, col, n := s.Get(a).Row()
	assert.Equal(t, []uint{2, 0, 6}, []uint{row, col, n})
	assert.Equal(t, shape{Addr: 2048, Row: 2, Col: 0, N: 6, Span: 6 * 256, DirRows: 1, Refcnt: 1},
		shapeOf(s, s.get(a).row.under))
	assert.Equal(t, 1, root.RC())
	assert.Equal(t, 2, s.Len())
	requireConsistent(t, s)
}

func TestRowMergeAtSectionCap(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom8, WithMaxSections(4))
	root := newRoot(t, s, 4)
	require.NoError(t, s.AddSkippedEntries(root, 16, 3))
	a := firstRows(s)[0]

	id, _, err := s.newIndirect(2048+3*256, 0, root, 0, 2, 3, 3)
	require.NoError(t, err)
	var b ID
	require.NoError(t, s.initRows(id, true, &b, freespace.SkipValid, 2, 3, 2, 5))
	assert.Equal(t, 4, s.Len())

	// merging never needs more nodes than the two trees hold
	require.NoError(t, s.store.Add(b, freespace.ReturnedSpace))
	assert.Equal(t, []ID{a}, firstRows(s))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, root.RC())
	requireConsistent(t, s)
}

func TestSplitThenMergeRestoresTree(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom4)
	root := newRoot(t, s, 8)
	// row 0 columns 2 and 3, rows 1 and 2, row 3 columns 0 and 1
	require.NoError(t, s.AddSkippedEntries(root, 2, 12))
	top := tops(s)[0]
	before := shapeOf(s, top)
	assert.Equal(t, shape{Addr: 256, Row: 0, Col: 2, N: 12, Span: 2816, DirRows: 4, Refcnt: 4}, before)

	r2 := s.get(top).indirect.dirRows[2]
	require.NoError(t, s.store.Remove(r2))
	entry, err := s.ReduceRow(r2)
	require.NoError(t, err)
	assert.Equal(t, uint(8), entry)
	requireConsistent(t, s)

	ts := tops(s)
	require.Len(t, ts, 2)
	assert.Equal(t, shape{Addr: 256, Row: 0, Col: 2, N: 6, Span: 768, DirRows: 2, Refcnt: 2}, shapeOf(s, ts[0]))
	assert.Equal(t, shape{Addr: 1280, Row: 2, Col: 1, N: 5, Span: 1792, DirRows: 2, Refcnt: 2}, shapeOf(s, ts[1]))
	assert.Equal(t, FirstRow, s.Get(r2).Kind)
	assert.Equal(t, 2, root.RC())

	// hand entry 8 back as a whole free direct block
	d, err := s.heap.CreateDirectBlock(root, entry)
	require.NoError(t, err)
	id, err := s.NewSingle(d.BlockOff+64, 192, root, entry)
	require.NoError(t, err)
	require.NoError(t, s.store.Add(id, freespace.ReturnedSpace))

	ts = tops(s)
	require.Len(t, ts, 1)
	assert.Equal(t, before, shapeOf(s, ts[0]))
	assert.Equal(t, NormalRow, s.Get(id).Kind)
	row, col, n := s.Get(id).Row()
	assert.Equal(t, []uint{2, 0, 4}, []uint{row, col, n})
	assert.Equal(t, heap.UndefAddr, root.EntryAddr(entry))
	assert.Equal(t, 1, root.RC())
	requireConsistent(t, s)
}

func TestReduceRowFailsCleanly(t *testing.T) {
	t.Parallel()
	s := newTestSpace(t, geom4, WithMaxSections(5))
	root := newRoot(t, s, 8)
	require.NoError(t, s.AddSkippedEntries(root, 2, 12))
	top := tops(s)[0]
	before := shapeOf(s, top)

	r2 := s.get(top).indirect.dirRows[2]
	require.NoError(t, s.store.Remove(r2))
	_, err := s.ReduceRow(r2)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.False(t, s.get(r2).row.checkedOut)
	assert.Equal(t, before, shapeOf(s, top))

	require.NoError(t, s.store.Add(r2, 0))
	requireConsistent(t, s)
}

func TestRowsPastHeapEndShrink(t *testing.T) {
	t.Parallel()
	t.Run("alone", func(t *testing.T) {
		s := newTestSpace(t, geom4)
		root := newRoot(t, s, 8)
		s.heap.SetNextBlockOffset(4096)
		require.NoError(t, s.AddSkippedEntries(root, 16, 4))
		assert.Zero(t, s.store.Len())
		assert.Zero(t, s.Len())
		assert.Zero(t, root.RC())
	})
	t.Run("merged into lower tree", func(t *testing.T) {
		s := newTestSpace(t, geom4)
		root := newRoot(t, s, 8)
		s.heap.SetNextBlockOffset(4096)
		require.NoError(t, s.AddSkippedEntries(root, 12, 4))
		require.NoError(t, s.AddSkippedEntries(root, 16, 4))
		assert.Equal(t, 1, s.store.Len())
		assert.Equal(t, 2, s.Len())
		assert.Equal(t, shape{Addr: 2048, Row: 3, Col: 0, N: 4, Span: 2048, DirRows: 1, Refcnt: 1}, shapeOf(s, tops(s)[0]))
		assert.Equal(t, 1, root.RC())
		requireConsistent(t, s)
	})
}
