package heap

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// UndefAddr marks an unused indirect block entry.
const UndefAddr = ^uint64(0)

// IndirectBlock is a block of child pointers arranged in rows of Width entries.
type IndirectBlock struct {
	Addr     uint64
	Size     uint64
	BlockOff uint64
	NRows    uint
	MaxRows  uint

	Parent   *IndirectBlock
	ParEntry uint

	// Ents holds the file address of each child block, UndefAddr when empty.
	Ents []uint64

	rc        int
	nchildren int
	heap      *Heap
}

// Incr pins the block on behalf of a free-space section.
func (b *IndirectBlock) Incr() {
	b.rc++
}

// Decr releases a pin taken with Incr. A child block left with neither
// pins nor children is destroyed.
func (b *IndirectBlock) Decr() error {
	if b.rc == 0 {
		return fmt.Errorf("indirect block at %d: %w", b.Addr, ErrPinned)
	}
	b.rc--
	if b.rc == 0 && b.heap != nil {
		return b.heap.releaseIndirect(b)
	}
	return nil
}

// RC returns the number of outstanding pins.
func (b *IndirectBlock) RC() int {
	return b.rc
}

// Children returns the number of allocated child blocks.
func (b *IndirectBlock) Children() int {
	return b.nchildren
}

// EntryAddr returns the child address of entry, or UndefAddr.
func (b *IndirectBlock) EntryAddr(entry uint) uint64 {
	if int(entry) >= len(b.Ents) {
		return UndefAddr
	}
	return b.Ents[entry]
}

// DirectBlock is a leaf block holding object bytes after a fixed header.
type DirectBlock struct {
	Addr     uint64
	Size     uint64
	BlockOff uint64

	Parent   *IndirectBlock
	ParEntry uint

	data []byte
	sum  uint64
}

func (b *DirectBlock) seal() {
	b.sum = xxhash.Sum64(b.data)
}

func (b *DirectBlock) verify() error {
	if xxhash.Sum64(b.data) != b.sum {
		return fmt.Errorf("direct block at %d: %w", b.Addr, ErrChecksum)
	}
	return nil
}

// Contains reports whether the heap offset off lies inside the block.
func (b *DirectBlock) Contains(off uint64) bool {
	return off >= b.BlockOff && off < b.BlockOff+b.Size
}
