package filespace

import "fmt"

// Range is a half-open span of file addresses.
type Range struct {
	Start uint64 // inclusive
	End   uint64 // exclusive
}

func (r Range) Size() uint64 {
	return r.End - r.Start
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start || other.End == r.Start
}

func (r Range) Merge(other Range) Range {
	if !r.Overlaps(other) && !r.Adjacent(other) {
		panic("cannot merge non-overlapping, non-adjacent ranges")
	}
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
