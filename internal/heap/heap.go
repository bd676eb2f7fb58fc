// Package heap is the block layer of a fractal heap: a root block that is
// either a single direct block or an indirect block whose entries point at
// direct blocks and, in the higher rows, at further indirect blocks.
//
// Blocks live in memory and are addressed by file address; Protect and
// Unprotect bracket access the way a metadata cache would.
package heap

import (
	"errors"
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/garethgeorge/fheapspace/internal/filespace"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const (
	indirectHeaderSize = 32
	addrSize           = 8
	// SuperblockSize is the file space reserved ahead of the first block.
	SuperblockSize = 64
)

type blockRef struct {
	addr     uint64
	direct   *DirectBlock
	indirect *IndirectBlock
}

type Option func(h *Heap)

// WithLogger sets the logger used for block lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Heap) {
		h.log = l
	}
}

// Heap is not thread-safe.
type Heap struct {
	tbl   *dtable.Table
	space *filespace.Allocator
	log   zerolog.Logger

	rootDirect   *DirectBlock
	rootIndirect *IndirectBlock

	// nextBlockOff is the heap offset of the next block the heap would
	// create; free space at or beyond it is not backed by any block.
	nextBlockOff uint64

	blocks *btree.BTreeG[blockRef]
}

func New(tbl *dtable.Table, opts ...Option) *Heap {
	h := &Heap{
		tbl:    tbl,
		space:  filespace.NewAllocator(SuperblockSize),
		log:    zerolog.Nop(),
		blocks: btree.NewG[blockRef](16, func(a, b blockRef) bool { return a.addr < b.addr }),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heap) Table() *dtable.Table {
	return h.tbl
}

// RootRows is the number of rows in the root indirect block, 0 when the
// root is a direct block.
func (h *Heap) RootRows() uint {
	if h.rootIndirect == nil {
		return 0
	}
	return h.rootIndirect.NRows
}

func (h *Heap) RootIndirect() *IndirectBlock {
	return h.rootIndirect
}

func (h *Heap) RootDirect() *DirectBlock {
	return h.rootDirect
}

// TableAddr returns the file address of the root block.
func (h *Heap) TableAddr() uint64 {
	switch {
	case h.rootIndirect != nil:
		return h.rootIndirect.Addr
	case h.rootDirect != nil:
		return h.rootDirect.Addr
	}
	return UndefAddr
}

func (h *Heap) NextBlockOffset() uint64 {
	return h.nextBlockOff
}

func (h *Heap) SetNextBlockOffset(off uint64) {
	h.nextBlockOff = off
}

// EOA returns the end of allocated file space.
func (h *Heap) EOA() uint64 {
	return h.space.EOA()
}

func (h *Heap) register(ref blockRef) {
	h.blocks.ReplaceOrInsert(ref)
}

// CreateRootDirect creates the first block of an empty heap.
func (h *Heap) CreateRootDirect() (*DirectBlock, error) {
	if h.rootDirect != nil || h.rootIndirect != nil {
		return nil, fmt.Errorf("create root direct block: heap already has a root")
	}
	b := h.newDirect(nil, 0, h.tbl.StartBlockSize, 0)
	h.rootDirect = b
	h.nextBlockOff = b.Size
	return b, nil
}

// CreateRootIndirect installs a root indirect block with nrows rows. An
// existing root direct block becomes entry 0 of the new root.
func (h *Heap) CreateRootIndirect(nrows uint) (*IndirectBlock, error) {
	if h.rootIndirect != nil {
		return nil, fmt.Errorf("create root indirect block: heap already has an indirect root")
	}
	if nrows == 0 || nrows > h.tbl.MaxRootRows {
		return nil, fmt.Errorf("create root indirect block: %d rows outside [1, %d]", nrows, h.tbl.MaxRootRows)
	}
	ib := h.newIndirect(nil, 0, 0, nrows, h.tbl.MaxRootRows)
	if d := h.rootDirect; d != nil {
		d.Parent = ib
		d.ParEntry = 0
		ib.Ents[0] = d.Addr
		ib.nchildren++
		h.rootDirect = nil
	}
	h.rootIndirect = ib
	return ib, nil
}

func (h *Heap) newIndirect(parent *IndirectBlock, entry uint, blockOff uint64, nrows, maxRows uint) *IndirectBlock {
	nents := nrows * h.tbl.Width
	size := uint64(indirectHeaderSize + nents*addrSize)
	r := h.space.Allocate(size)
	ib := &IndirectBlock{
		Addr:     r.Start,
		Size:     size,
		BlockOff: blockOff,
		NRows:    nrows,
		MaxRows:  maxRows,
		Parent:   parent,
		ParEntry: entry,
		Ents:     make([]uint64, nents),
		heap:     h,
	}
	for i := range ib.Ents {
		ib.Ents[i] = UndefAddr
	}
	h.register(blockRef{addr: ib.Addr, indirect: ib})
	h.log.Debug().Uint64("addr", ib.Addr).Uint64("block_off", blockOff).Uint("nrows", nrows).Msg("created indirect block")
	return ib
}

func (h *Heap) newDirect(parent *IndirectBlock, entry uint, size, blockOff uint64) *DirectBlock {
	r := h.space.Allocate(size)
	b := &DirectBlock{
		Addr:     r.Start,
		Size:     size,
		BlockOff: blockOff,
		Parent:   parent,
		ParEntry: entry,
		data:     make([]byte, size),
	}
	b.seal()
	h.register(blockRef{addr: b.Addr, direct: b})
	h.log.Debug().Uint64("addr", b.Addr).Uint64("block_off", blockOff).Uint64("size", size).Msg("created direct block")
	return b
}

func (h *Heap) checkEntry(parent *IndirectBlock, entry uint) error {
	if int(entry) >= len(parent.Ents) {
		return fmt.Errorf("entry %d of indirect block at %d: %w", entry, parent.Addr, ErrBlockLookup)
	}
	if parent.Ents[entry] != UndefAddr {
		return fmt.Errorf("entry %d of indirect block at %d: %w", entry, parent.Addr, ErrEntryInUse)
	}
	return nil
}

// CreateDirectBlock creates the direct block for entry of parent, moving the
// next block offset past it if needed.
func (h *Heap) CreateDirectBlock(parent *IndirectBlock, entry uint) (*DirectBlock, error) {
	if err := h.checkEntry(parent, entry); err != nil {
		return nil, err
	}
	row, col := entry/h.tbl.Width, entry%h.tbl.Width
	if !h.tbl.IsDirectRow(row) {
		return nil, fmt.Errorf("entry %d is in indirect row %d", entry, row)
	}
	b := h.newDirect(parent, entry, h.tbl.RowBlockSize[row], parent.BlockOff+h.tbl.EntryOffset(row, col))
	parent.Ents[entry] = b.Addr
	parent.nchildren++
	if end := b.BlockOff + b.Size; end > h.nextBlockOff {
		h.nextBlockOff = end
	}
	return b, nil
}

// CreateIndirectBlock creates the child indirect block for entry of parent.
func (h *Heap) CreateIndirectBlock(parent *IndirectBlock, entry uint) (*IndirectBlock, error) {
	if err := h.checkEntry(parent, entry); err != nil {
		return nil, err
	}
	row, col := entry/h.tbl.Width, entry%h.tbl.Width
	if h.tbl.IsDirectRow(row) {
		return nil, fmt.Errorf("entry %d is in direct row %d", entry, row)
	}
	nrows := h.tbl.SizeToRows(h.tbl.RowBlockSize[row])
	ib := h.newIndirect(parent, entry, parent.BlockOff+h.tbl.EntryOffset(row, col), nrows, nrows)
	parent.Ents[entry] = ib.Addr
	parent.nchildren++
	return ib, nil
}

// ProtectDirect returns the direct block at addr after verifying its checksum.
func (h *Heap) ProtectDirect(addr uint64) (*DirectBlock, error) {
	ref, ok := h.blocks.Get(blockRef{addr: addr})
	if !ok || ref.direct == nil {
		return nil, fmt.Errorf("direct block at %d: %w", addr, ErrBlockLookup)
	}
	if err := ref.direct.verify(); err != nil {
		return nil, err
	}
	return ref.direct, nil
}

// Unprotect ends access to a protected direct block, resealing it if dirty.
func (h *Heap) Unprotect(b *DirectBlock, dirty bool) {
	if dirty {
		b.seal()
	}
}

// ProtectIndirect returns the indirect block at addr.
func (h *Heap) ProtectIndirect(addr uint64) (*IndirectBlock, error) {
	ref, ok := h.blocks.Get(blockRef{addr: addr})
	if !ok || ref.indirect == nil {
		return nil, fmt.Errorf("indirect block at %d: %w", addr, ErrBlockLookup)
	}
	return ref.indirect, nil
}

// DestroyDirect detaches a direct block from its parent and frees its file
// space. Destroying the last block pulls the next block offset back to the
// end of the highest block left.
func (h *Heap) DestroyDirect(b *DirectBlock) error {
	if _, ok := h.blocks.Delete(blockRef{addr: b.Addr}); !ok {
		return fmt.Errorf("destroy direct block at %d: %w", b.Addr, ErrBlockLookup)
	}
	if b.Parent != nil {
		b.Parent.Ents[b.ParEntry] = UndefAddr
		b.Parent.nchildren--
		if b.BlockOff+b.Size == h.nextBlockOff {
			h.nextBlockOff = h.lastDirectEnd()
		}
	} else if h.rootDirect == b {
		h.rootDirect = nil
		h.nextBlockOff = 0
	}
	h.log.Debug().Uint64("addr", b.Addr).Uint64("block_off", b.BlockOff).Msg("destroyed direct block")
	if err := h.space.Free(filespace.Range{Start: b.Addr, End: b.Addr + b.Size}); err != nil {
		return err
	}
	return h.releaseIndirect(b.Parent)
}

// releaseIndirect destroys b if it is a child block with neither pins nor
// children, then does the same for its ancestors.
func (h *Heap) releaseIndirect(b *IndirectBlock) error {
	for b != nil && b.Parent != nil && b.rc == 0 && b.nchildren == 0 {
		if _, ok := h.blocks.Delete(blockRef{addr: b.Addr}); !ok {
			return fmt.Errorf("release indirect block at %d: %w", b.Addr, ErrBlockLookup)
		}
		parent := b.Parent
		parent.Ents[b.ParEntry] = UndefAddr
		parent.nchildren--
		h.log.Debug().Uint64("addr", b.Addr).Uint64("block_off", b.BlockOff).Msg("released indirect block")
		if err := h.space.Free(filespace.Range{Start: b.Addr, End: b.Addr + b.Size}); err != nil {
			return err
		}
		b = parent
	}
	return nil
}

// lastDirectEnd is the heap offset just past the highest remaining direct block.
func (h *Heap) lastDirectEnd() uint64 {
	var end uint64
	h.blocks.Ascend(func(ref blockRef) bool {
		if d := ref.direct; d != nil && d.BlockOff+d.Size > end {
			end = d.BlockOff + d.Size
		}
		return true
	})
	return end
}

// Locate finds the indirect block and entry that own heap offset off,
// creating any missing child indirect blocks on the way down.
func (h *Heap) Locate(off uint64) (*IndirectBlock, uint, error) {
	ib := h.rootIndirect
	if ib == nil {
		return nil, 0, fmt.Errorf("locate offset %d: %w", off, ErrNoRoot)
	}
	row, col := h.tbl.Lookup(off)
	for !h.tbl.IsDirectRow(row) {
		if row >= ib.NRows {
			return nil, 0, fmt.Errorf("locate offset %d: row %d beyond block at %d: %w", off, row, ib.Addr, ErrBlockLookup)
		}
		entry := row*h.tbl.Width + col
		var child *IndirectBlock
		var err error
		if addr := ib.Ents[entry]; addr == UndefAddr {
			child, err = h.CreateIndirectBlock(ib, entry)
		} else {
			child, err = h.ProtectIndirect(addr)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("locate offset %d: %w", off, err)
		}
		ib = child
		row, col = h.tbl.Lookup(off - ib.BlockOff)
	}
	if row >= ib.NRows {
		return nil, 0, fmt.Errorf("locate offset %d: row %d beyond block at %d: %w", off, row, ib.Addr, ErrBlockLookup)
	}
	return ib, row*h.tbl.Width + col, nil
}

// FindDirect returns the existing direct block containing heap offset off.
func (h *Heap) FindDirect(off uint64) (*DirectBlock, error) {
	if h.rootIndirect == nil {
		if h.rootDirect != nil && h.rootDirect.Contains(off) {
			return h.ProtectDirect(h.rootDirect.Addr)
		}
		return nil, fmt.Errorf("find direct block for offset %d: %w", off, ErrBlockLookup)
	}
	ib, entry, err := h.Locate(off)
	if err != nil {
		return nil, err
	}
	addr := ib.EntryAddr(entry)
	if addr == UndefAddr {
		// drop any blocks Locate created on the way
		err := fmt.Errorf("find direct block for offset %d: %w", off, ErrBlockLookup)
		return nil, errors.Join(err, h.releaseIndirect(ib))
	}
	return h.ProtectDirect(addr)
}

// Write copies p into b at block-relative offset off.
func (h *Heap) Write(b *DirectBlock, off uint64, p []byte) error {
	if off < h.tbl.DirectOverhead || off+uint64(len(p)) > b.Size {
		return fmt.Errorf("write [%d, %d) outside direct block of %d bytes", off, off+uint64(len(p)), b.Size)
	}
	copy(b.data[off:], p)
	return nil
}

// Read returns n bytes of b at block-relative offset off.
func (h *Heap) Read(b *DirectBlock, off, n uint64) ([]byte, error) {
	if off < h.tbl.DirectOverhead || off+n > b.Size {
		return nil, fmt.Errorf("read [%d, %d) outside direct block of %d bytes", off, off+n, b.Size)
	}
	out := make([]byte, n)
	copy(out, b.data[off:off+n])
	return out, nil
}

// Stats summarizes the block tree.
type Stats struct {
	DirectBlocks   int
	IndirectBlocks int
	DirectBytes    uint64
	EOA            uint64
}

func (h *Heap) Stats() Stats {
	s := Stats{EOA: h.space.EOA()}
	h.blocks.Ascend(func(ref blockRef) bool {
		if ref.direct != nil {
			s.DirectBlocks++
			s.DirectBytes += ref.direct.Size
		} else {
			s.IndirectBlocks++
		}
		return true
	})
	return s
}

// Pins returns the pin count of every indirect block, keyed by address.
func (h *Heap) Pins() map[uint64]int {
	out := make(map[uint64]int)
	h.blocks.Ascend(func(ref blockRef) bool {
		if ref.indirect != nil {
			out[ref.addr] = ref.indirect.rc
		}
		return true
	})
	return out
}
