package dtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Width:          4,
		StartBlockSize: 512,
		MaxDirectSize:  64 * 1024,
		MaxIndex:       32,
		StartRootRows:  1,
		DirectOverhead: 16,
	}
}

func TestNew(t *testing.T) {
	tbl, err := New(testParams())
	require.NoError(t, err)

	assert.Equal(t, uint(9), tbl.StartBits)
	assert.Equal(t, uint(11), tbl.FirstRowBits)
	assert.Equal(t, uint64(2048), tbl.NumIDFirstRow)
	assert.Equal(t, uint(16-9+2), tbl.MaxDirectRows)
	assert.Equal(t, uint(32-11+1), tbl.MaxRootRows)
	assert.Equal(t, 4, tbl.HeapOffSize)

	assert.Equal(t, []uint64{512, 512, 1024, 2048}, tbl.RowBlockSize[:4])
	assert.Equal(t, []uint64{0, 2048, 4096, 8192}, tbl.RowBlockOff[:4])
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"width of one", func(p *Params) { p.Width = 1 }},
		{"width not power of two", func(p *Params) { p.Width = 6 }},
		{"start block not power of two", func(p *Params) { p.StartBlockSize = 500 }},
		{"max direct smaller than start", func(p *Params) { p.MaxDirectSize = 256 }},
		{"overhead swallows block", func(p *Params) { p.DirectOverhead = 512 }},
		{"max index too small", func(p *Params) { p.MaxIndex = 10 }},
		{"max direct beyond address space", func(p *Params) { p.MaxIndex = 12; p.MaxDirectSize = 1 << 20 }},
		{"indirect rows too small", func(p *Params) { p.Width = 512; p.MaxDirectSize = 512 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams()
			tc.mutate(&p)
			_, err := New(p)
			assert.Error(t, err)
		})
	}
}

func TestSizeToRow(t *testing.T) {
	tbl, err := New(testParams())
	require.NoError(t, err)

	assert.Equal(t, uint(0), tbl.SizeToRow(512))
	assert.Equal(t, uint(2), tbl.SizeToRow(1024))
	assert.Equal(t, uint(3), tbl.SizeToRow(2048))

	// the rows of a child indirect block exactly cover its parent entry
	for r := tbl.MaxDirectRows; r < tbl.MaxDirectRows+3; r++ {
		n := tbl.SizeToRows(tbl.RowBlockSize[r])
		assert.Equal(t, tbl.RowBlockSize[r], tbl.RowBlockOff[n], "row %d", r)
	}
}

func TestLargestDirect(t *testing.T) {
	tbl, err := New(testParams())
	require.NoError(t, err)

	tests := []struct {
		row  uint
		want uint64
	}{
		{row: 9, want: 16 * 1024},
		{row: 10, want: 32 * 1024},
		{row: 11, want: 64 * 1024},
		{row: 12, want: 64 * 1024},
		{row: 20, want: 64 * 1024},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tbl.LargestDirect(tbl.RowBlockSize[tc.row]), "row %d", tc.row)
	}
}

func TestLookup(t *testing.T) {
	tbl, err := New(testParams())
	require.NoError(t, err)

	for row := uint(0); row < 8; row++ {
		for col := uint(0); col < tbl.Width; col++ {
			off := tbl.EntryOffset(row, col)
			gotRow, gotCol := tbl.Lookup(off)
			assert.Equal(t, row, gotRow, "offset %d", off)
			assert.Equal(t, col, gotCol, "offset %d", off)

			// any offset inside the block maps to the same entry
			gotRow, gotCol = tbl.Lookup(off + tbl.RowBlockSize[row] - 1)
			assert.Equal(t, row, gotRow)
			assert.Equal(t, col, gotCol)
		}
	}
}

func TestSpanSize(t *testing.T) {
	tbl, err := New(testParams())
	require.NoError(t, err)

	tests := []struct {
		name        string
		row, col, n uint
		expected    uint64
	}{
		{"empty", 2, 1, 0, 0},
		{"single entry", 0, 0, 1, 512},
		{"within row", 2, 1, 2, 2 * 1024},
		{"whole row", 3, 0, 4, 4 * 2048},
		{"two partial rows", 1, 2, 4, 2*512 + 2*1024},
		{"spanning middle row", 0, 3, 6, 512 + 4*512 + 1*1024},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tbl.SpanSize(tc.row, tc.col, tc.n))
		})
	}

	// spans are offset differences
	for start := uint(0); start < 12; start++ {
		for n := uint(1); start+n <= 24; n++ {
			row, col := start/tbl.Width, start%tbl.Width
			end := start + n
			endOff := tbl.EntryOffset(end/tbl.Width, end%tbl.Width)
			assert.Equal(t, endOff-tbl.EntryOffset(row, col), tbl.SpanSize(row, col, n))
		}
	}
}
