// Package filespace hands out file addresses for heap blocks.
//
// Space below the end-of-allocation mark (EOA) is tracked in two ordered
// free lists. Requests that no free range satisfies extend the EOA, and
// freeing the last range in the file pulls the EOA back.
package filespace

import (
	"fmt"

	"github.com/google/btree"
)

type freeRangeBySize struct {
	size  uint64
	start uint64
}

// Allocator is not thread-safe.
type Allocator struct {
	base uint64
	eoa  uint64

	// FreeList tracks free ranges, ordered by start address.
	FreeList *btree.BTreeG[Range]
	// FreeListBySize tracks free ranges, ordered by size, then start address.
	FreeListBySize *btree.BTreeG[freeRangeBySize]
}

// NewAllocator returns an allocator whose first block is placed at base.
func NewAllocator(base uint64) *Allocator {
	return &Allocator{
		base:     base,
		eoa:      base,
		FreeList: btree.NewG[Range](32, func(a, b Range) bool { return a.Start < b.Start }),
		FreeListBySize: btree.NewG[freeRangeBySize](32, func(a, b freeRangeBySize) bool {
			if a.size != b.size {
				return a.size < b.size
			}
			return a.start < b.start
		}),
	}
}

// EOA returns the end of allocated file space.
func (s *Allocator) EOA() uint64 {
	return s.eoa
}

// FreeBytes returns the free space below the EOA.
func (s *Allocator) FreeBytes() uint64 {
	var total uint64
	s.FreeList.Ascend(func(item Range) bool {
		total += item.Size()
		return true
	})
	return total
}

func (s *Allocator) addFreeRange(r Range) {
	if r.Size() == 0 {
		return
	}
	s.FreeList.ReplaceOrInsert(r)
	s.FreeListBySize.ReplaceOrInsert(freeRangeBySize{size: r.Size(), start: r.Start})
}

func (s *Allocator) removeFreeRange(r Range) {
	s.FreeList.Delete(r)
	s.FreeListBySize.Delete(freeRangeBySize{size: r.Size(), start: r.Start})
}

func (s *Allocator) findOverlappingFreeRange(r Range) (Range, bool) {
	var found Range
	var ok bool
	s.FreeList.DescendLessOrEqual(Range{Start: r.End - 1}, func(item Range) bool {
		if item.Overlaps(r) {
			found, ok = item, true
		}
		return false
	})
	return found, ok
}

// Allocate returns a range of the requested size, extending the file if needed.
func (s *Allocator) Allocate(size uint64) Range {
	if size == 0 {
		return Range{Start: s.eoa, End: s.eoa}
	}

	var fit freeRangeBySize
	var found bool
	s.FreeListBySize.AscendGreaterOrEqual(freeRangeBySize{size: size}, func(item freeRangeBySize) bool {
		fit = item
		found = true
		return false
	})

	if !found {
		r := Range{Start: s.eoa, End: s.eoa + size}
		s.eoa = r.End
		return r
	}

	s.removeFreeRange(Range{Start: fit.start, End: fit.start + fit.size})
	s.addFreeRange(Range{Start: fit.start + size, End: fit.start + fit.size})
	return Range{Start: fit.start, End: fit.start + size}
}

// Free returns a range to the allocator, merging with adjacent free ranges.
func (s *Allocator) Free(r Range) error {
	if r.Size() == 0 {
		return nil
	}
	if r.Start < s.base || r.End > s.eoa {
		return fmt.Errorf("free %v: %w", r, ErrOutOfBounds)
	}
	if _, found := s.findOverlappingFreeRange(r); found {
		return fmt.Errorf("free %v: %w", r, ErrDoubleFree)
	}

	merged := r
	var before Range
	var foundBefore bool
	s.FreeList.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		if item.End == r.Start {
			before, foundBefore = item, true
		}
		return false
	})
	if foundBefore {
		s.removeFreeRange(before)
		merged = merged.Merge(before)
	}
	if after, ok := s.FreeList.Get(Range{Start: r.End}); ok {
		s.removeFreeRange(after)
		merged = merged.Merge(after)
	}

	if merged.End == s.eoa {
		s.eoa = merged.Start
		return nil
	}
	s.addFreeRange(merged)
	return nil
}

// IsAllocated reports whether no part of r is free.
func (s *Allocator) IsAllocated(r Range) bool {
	if r.Start < s.base || r.End > s.eoa {
		return false
	}
	_, found := s.findOverlappingFreeRange(r)
	return !found
}

// MarkAllocated claims r at its exact address, extending the EOA over any gap.
func (s *Allocator) MarkAllocated(r Range) error {
	if r.Size() == 0 {
		return nil
	}
	if r.Start < s.base {
		return fmt.Errorf("mark %v allocated: %w", r, ErrOutOfBounds)
	}
	if r.Start >= s.eoa {
		s.addFreeRange(Range{Start: s.eoa, End: r.Start})
		s.eoa = r.End
		return nil
	}

	var container Range
	var found bool
	s.FreeList.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		if item.Start <= r.Start && item.End >= r.End {
			container, found = item, true
		}
		return false
	})
	if !found {
		return fmt.Errorf("mark %v allocated: %w", r, ErrInUse)
	}
	s.removeFreeRange(container)
	s.addFreeRange(Range{Start: container.Start, End: r.Start})
	s.addFreeRange(Range{Start: r.End, End: container.End})
	return nil
}
