package section

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/freespace"
	"github.com/garethgeorge/fheapspace/internal/heap"
)

// NewSingle creates a section over [addr, addr+size) of the direct block at
// entry of parent, or of the root direct block when parent is nil. The
// parent block is pinned until the section is freed.
func (s *Space) NewSingle(addr, size uint64, parent *heap.IndirectBlock, entry uint) (ID, error) {
	id, sect, err := s.create(Single, addr, size, Live)
	if err != nil {
		return ID{}, err
	}
	sect.single = singleSect{parent: parent, parEntry: entry}
	if parent != nil {
		parent.Incr()
	}
	return id, nil
}

// ReviveSingle restores the block linkage of a section loaded from an image.
// It is a no-op for live sections.
func (s *Space) ReviveSingle(id ID) error {
	sect := s.get(id)
	if sect.State == Live {
		return nil
	}
	if s.heap.RootRows() == 0 {
		if s.heap.RootDirect() == nil {
			return fmt.Errorf("revive single section at %d: %w", sect.Addr, ErrBlockLookup)
		}
		sect.single = singleSect{}
	} else {
		ib, entry, err := s.heap.Locate(sect.Addr)
		if err != nil {
			return fmt.Errorf("revive single section at %d: %w: %w", sect.Addr, ErrBlockLookup, err)
		}
		ib.Incr()
		sect.single = singleSect{parent: ib, parEntry: entry}
	}
	sect.State = Live
	return nil
}

// dblockInfo returns the address and size of the direct block holding a
// single section, reviving the section if needed.
func (s *Space) dblockInfo(id ID) (addr, size uint64, err error) {
	if err := s.ReviveSingle(id); err != nil {
		return 0, 0, err
	}
	sect := s.get(id)
	if p := sect.single.parent; p != nil {
		addr = p.EntryAddr(sect.single.parEntry)
		if addr == heap.UndefAddr {
			return 0, 0, fmt.Errorf("entry %d of indirect block at %d: %w", sect.single.parEntry, p.Addr, ErrBlockLookup)
		}
		return addr, s.tbl.RowBlockSize[sect.single.parEntry/s.tbl.Width], nil
	}
	if s.heap.RootDirect() == nil {
		return 0, 0, fmt.Errorf("root direct block of single section at %d: %w", sect.Addr, ErrBlockLookup)
	}
	return s.heap.TableAddr(), s.tbl.StartBlockSize, nil
}

// ReduceSingle takes amount bytes off the low end of a section that is out
// of the store. What is left goes back into the store.
func (s *Space) ReduceSingle(id ID, amount uint64) error {
	sect := s.get(id)
	if amount > sect.Size {
		return fmt.Errorf("reduce single section of %d bytes by %d: %w", sect.Size, amount, ErrInvariant)
	}
	if amount == sect.Size {
		return s.freeSingle(id)
	}
	sect.Addr += amount
	sect.Size -= amount
	return s.store.Add(id, 0)
}

// promoteIfFull turns a section covering a whole non-root direct block into
// a FirstRow section for the block's entry and destroys the block.
func (s *Space) promoteIfFull(id ID) error {
	addr, size, err := s.dblockInfo(id)
	if err != nil {
		return err
	}
	sect := s.get(id)
	if s.tbl.DirectCapacity(size) != sect.Size || s.heap.RootRows() == 0 {
		return nil
	}
	if err := s.reserve(1); err != nil {
		return err
	}
	dblock, err := s.heap.ProtectDirect(addr)
	if err != nil {
		return fmt.Errorf("promote single section at %d: %w", sect.Addr, err)
	}
	parent := sect.single.parent
	if parent == nil || dblock.Parent != parent {
		s.heap.Unprotect(dblock, false)
		return fmt.Errorf("single section at %d is not pinned to the parent of its block: %w", sect.Addr, ErrInvariant)
	}
	row, col := dblock.ParEntry/s.tbl.Width, dblock.ParEntry%s.tbl.Width
	under, err := s.forRow(parent, id, dblock.BlockOff, sect.Size, row, col)
	if err != nil {
		s.heap.Unprotect(dblock, false)
		return err
	}

	sect.Kind = FirstRow
	sect.Addr = dblock.BlockOff
	sect.single = singleSect{}
	sect.row = rowSect{row: row, col: col, n: 1, under: under}
	if err := parent.Decr(); err != nil {
		return err
	}
	s.log.Debug().Stringer("sect", id).Uint64("block_off", dblock.BlockOff).
		Uint("row", row).Uint("col", col).Msg("promoted single section to row")
	s.heap.Unprotect(dblock, false)
	return s.heap.DestroyDirect(dblock)
}

func (s *Space) addSingle(id *ID, flags *freespace.Flags) error {
	if *flags&freespace.Deserializing != 0 {
		return nil
	}
	if err := s.promoteIfFull(*id); err != nil {
		return err
	}
	if s.get(*id).Kind != Single {
		*flags |= freespace.ReturnedSpace
	}
	return nil
}

func (s *Space) canMergeSingle(a, b ID) bool {
	sa, sb := s.get(a), s.get(b)
	// direct block headers keep sections of different blocks apart
	return sa.Addr+sa.Size == sb.Addr
}

func (s *Space) mergeSingle(a, b ID) error {
	if err := s.ReviveSingle(a); err != nil {
		return err
	}
	sa := s.get(a)
	size := sa.Size
	sa.Size += s.get(b).Size
	// b goes away below, so a promotion may take its node
	s.spare = 1
	err := s.promoteIfFull(a)
	s.spare = 0
	if err != nil {
		if sa.Kind == Single {
			sa.Size = size
		}
		return err
	}
	return s.freeSingle(b)
}

func (s *Space) canShrinkSingle(id ID) bool {
	return s.heap.RootRows() == 0 && s.get(id).Size == s.tbl.DirectCapacity(s.tbl.StartBlockSize)
}

// shrinkSingle gives the root direct block back when it is entirely free.
func (s *Space) shrinkSingle(id *ID) error {
	addr, _, err := s.dblockInfo(*id)
	if err != nil {
		return err
	}
	dblock, err := s.heap.ProtectDirect(addr)
	if err != nil {
		return fmt.Errorf("shrink single section: %w", err)
	}
	s.heap.Unprotect(dblock, false)
	if err := s.heap.DestroyDirect(dblock); err != nil {
		return err
	}
	s.log.Debug().Stringer("sect", *id).Msg("released root direct block")
	if err := s.freeSingle(*id); err != nil {
		return err
	}
	*id = ID{}
	return nil
}

func (s *Space) freeSingle(id ID) error {
	sect := s.get(id)
	var pin *heap.IndirectBlock
	if sect.State == Live {
		pin = sect.single.parent
	}
	return s.destroy(id, pin)
}

func (s *Space) validSingle(id ID) error {
	sect := s.get(id)
	if sect.Size == 0 {
		return fmt.Errorf("empty single section at %d: %w", sect.Addr, ErrInvariant)
	}
	if sect.State != Live {
		return nil
	}
	addr, size, err := s.dblockInfo(id)
	if err != nil {
		return err
	}
	dblock, err := s.heap.ProtectDirect(addr)
	if err != nil {
		return err
	}
	defer s.heap.Unprotect(dblock, false)
	lo, hi := dblock.BlockOff+s.tbl.DirectOverhead, dblock.BlockOff+size
	if sect.Addr < lo || sect.Addr+sect.Size > hi {
		return fmt.Errorf("single section [%d, %d) outside direct block [%d, %d): %w",
			sect.Addr, sect.Addr+sect.Size, lo, hi, ErrInvariant)
	}
	return nil
}

// RevertRootSingles marks the sections of the root direct block Serialized,
// so they find their new parent once the root becomes an indirect block.
func (s *Space) RevertRootSingles() {
	s.sects.All(func(id ID, v **Section) bool {
		sect := *v
		if sect.Kind == Single && sect.State == Live && sect.single.parent == nil {
			sect.State = Serialized
		}
		return true
	})
}
