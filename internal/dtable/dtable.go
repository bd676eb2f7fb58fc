// Package dtable implements the doubling-table geometry of a fractal heap.
//
// Row 0 and row 1 hold blocks of the starting size; every row after that
// doubles the block size. Each row has Width entries. Rows below
// MaxDirectRows address direct blocks, rows above address indirect blocks.
package dtable

import (
	"fmt"
	"math/bits"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Params are the creation parameters of a doubling table.
type Params struct {
	Width          uint   `yaml:"width" validate:"required,min=2,max=65535"`
	StartBlockSize uint64 `yaml:"start_block_size" validate:"required,gtfield=DirectOverhead"`
	MaxDirectSize  uint64 `yaml:"max_direct_size" validate:"required,gtefield=StartBlockSize"`
	MaxIndex       uint   `yaml:"max_index" validate:"required,min=8,max=64"`
	StartRootRows  uint   `yaml:"start_root_rows"`
	DirectOverhead uint64 `yaml:"direct_overhead" validate:"required"`
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func log2(v uint64) uint {
	return uint(bits.Len64(v) - 1)
}

// Validate checks the parameters for consistency.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("dtable params: %w", err)
	}
	if !isPow2(uint64(p.Width)) {
		return fmt.Errorf("dtable params: width %d is not a power of two", p.Width)
	}
	if !isPow2(p.StartBlockSize) {
		return fmt.Errorf("dtable params: start block size %d is not a power of two", p.StartBlockSize)
	}
	if !isPow2(p.MaxDirectSize) {
		return fmt.Errorf("dtable params: max direct size %d is not a power of two", p.MaxDirectSize)
	}
	firstRowBits := log2(p.StartBlockSize) + log2(uint64(p.Width))
	if firstRowBits >= p.MaxIndex {
		return fmt.Errorf("dtable params: first row spans %d bits, max index is %d", firstRowBits, p.MaxIndex)
	}
	maxDirectRows := log2(p.MaxDirectSize) - log2(p.StartBlockSize) + 2
	if maxDirectRows > p.MaxIndex-firstRowBits+1 {
		return fmt.Errorf("dtable params: max direct size %d does not fit the heap address space", p.MaxDirectSize)
	}
	// the first indirect row must hold blocks with at least one full row
	if 2*p.MaxDirectSize < p.StartBlockSize*uint64(p.Width) {
		return fmt.Errorf("dtable params: max direct size %d leaves indirect blocks without rows", p.MaxDirectSize)
	}
	if p.StartRootRows > p.MaxIndex-firstRowBits+1 {
		return fmt.Errorf("dtable params: start root rows %d exceeds max root rows", p.StartRootRows)
	}
	return nil
}

// Table is the derived geometry. It is immutable once built.
type Table struct {
	Params

	// RowBlockSize is the block size of every entry in a row.
	RowBlockSize []uint64
	// RowBlockOff is the heap offset of the first block in a row, relative to
	// the owning indirect block.
	RowBlockOff []uint64

	StartBits     uint
	FirstRowBits  uint
	NumIDFirstRow uint64
	MaxDirectBits uint
	MaxDirectRows uint
	MaxRootRows   uint
	// HeapOffSize is the number of bytes needed to encode a heap offset.
	HeapOffSize int
}

func New(p Params) (*Table, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		Params:        p,
		StartBits:     log2(p.StartBlockSize),
		MaxDirectBits: log2(p.MaxDirectSize),
		NumIDFirstRow: p.StartBlockSize * uint64(p.Width),
		HeapOffSize:   int(p.MaxIndex+7) / 8,
	}
	t.FirstRowBits = t.StartBits + log2(uint64(p.Width))
	t.MaxDirectRows = t.MaxDirectBits - t.StartBits + 2
	t.MaxRootRows = p.MaxIndex - t.FirstRowBits + 1

	t.RowBlockSize = make([]uint64, t.MaxRootRows)
	t.RowBlockOff = make([]uint64, t.MaxRootRows)
	t.RowBlockSize[0] = p.StartBlockSize
	blockSize := p.StartBlockSize
	blockOff := p.StartBlockSize * uint64(p.Width)
	for u := uint(1); u < t.MaxRootRows; u++ {
		t.RowBlockSize[u] = blockSize
		t.RowBlockOff[u] = blockOff
		blockSize *= 2
		blockOff *= 2
	}
	return t, nil
}

// W returns the width as a uint64 for offset arithmetic.
func (t *Table) W() uint64 {
	return uint64(t.Width)
}

// SizeToRow maps a direct block size to the row holding blocks of that size.
func (t *Table) SizeToRow(blockSize uint64) uint {
	if blockSize == t.StartBlockSize {
		return 0
	}
	return log2(blockSize) - t.StartBits + 1
}

// SizeToRows returns the number of rows in an indirect block whose entries
// span blockSize bytes of heap.
func (t *Table) SizeToRows(blockSize uint64) uint {
	return log2(blockSize) - t.FirstRowBits + 1
}

// LargestDirect returns the size of the largest direct block found in the
// subtree of an indirect block spanning blockSize bytes.
func (t *Table) LargestDirect(blockSize uint64) uint64 {
	rows := min(t.SizeToRows(blockSize), t.MaxDirectRows)
	return t.RowBlockSize[rows-1]
}

// Lookup maps a heap offset, relative to an indirect block, to its row and column.
func (t *Table) Lookup(off uint64) (row, col uint) {
	if off < t.NumIDFirstRow {
		return 0, uint(off / t.StartBlockSize)
	}
	hb := log2(off)
	row = hb - t.FirstRowBits + 1
	col = uint((off - (uint64(1) << hb)) / t.RowBlockSize[row])
	return row, col
}

// SpanSize returns the heap bytes covered by n consecutive entries starting at (row, col).
func (t *Table) SpanSize(row, col, n uint) uint64 {
	if n == 0 {
		return 0
	}
	endRow := row + (col+n)/t.Width
	endCol := (col + n) % t.Width
	if row == endRow {
		return t.RowBlockSize[row] * uint64(n)
	}
	span := t.RowBlockSize[row] * uint64(t.Width-col)
	for r := row + 1; r < endRow; r++ {
		span += t.RowBlockSize[r] * t.W()
	}
	if endCol > 0 {
		span += t.RowBlockSize[endRow] * uint64(endCol)
	}
	return span
}

// EntryOffset returns the offset of entry (row, col) relative to its indirect block.
func (t *Table) EntryOffset(row, col uint) uint64 {
	return t.RowBlockOff[row] + t.RowBlockSize[row]*uint64(col)
}

// IsDirectRow reports whether entries of row address direct blocks.
func (t *Table) IsDirectRow(row uint) bool {
	return row < t.MaxDirectRows
}

// DirectCapacity is the usable free space of a direct block of the given size.
func (t *Table) DirectCapacity(blockSize uint64) uint64 {
	return blockSize - t.DirectOverhead
}
