// Package arena stores values in a slice and hands out small handles to
// them. Freed slots are reused; a generation counter makes a stale handle
// detectable instead of silently aliasing the new occupant.
package arena

import "fmt"

// Handle refers to a slot. The zero Handle refers to nothing.
type Handle struct {
	idx uint32 // slot index + 1
	gen uint32
}

func (h Handle) IsNil() bool {
	return h.idx == 0
}

func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d", h.idx-1, h.gen)
}

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

type Arena[T any] struct {
	slots []slot[T]
	free  []uint32 // indices of unused slots
	live  int
}

func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], 0, capacity)}
}

// Alloc stores v and returns its handle.
func (a *Arena[T]) Alloc(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.val = v
	s.used = true
	a.live++
	return Handle{idx: idx + 1, gen: s.gen}
}

func (a *Arena[T]) lookup(h Handle) *slot[T] {
	if h.IsNil() || int(h.idx) > len(a.slots) {
		return nil
	}
	s := &a.slots[h.idx-1]
	if !s.used || s.gen != h.gen {
		return nil
	}
	return s
}

// Get returns a pointer to the value behind h. It panics on a stale or nil handle.
// The pointer is invalidated by the next Alloc.
func (a *Arena[T]) Get(h Handle) *T {
	s := a.lookup(h)
	if s == nil {
		panic(fmt.Sprintf("arena: invalid handle %v", h))
	}
	return &s.val
}

// Valid reports whether h refers to a live value.
func (a *Arena[T]) Valid(h Handle) bool {
	return a.lookup(h) != nil
}

// Free releases the slot behind h. Freeing an invalid handle is an error.
func (a *Arena[T]) Free(h Handle) error {
	s := a.lookup(h)
	if s == nil {
		return fmt.Errorf("arena: free of invalid handle %v", h)
	}
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	a.free = append(a.free, h.idx-1)
	a.live--
	return nil
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	return a.live
}

// All calls fn for every live value in slot order until fn returns false.
func (a *Arena[T]) All(fn func(h Handle, v *T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		if !fn(Handle{idx: uint32(i) + 1, gen: s.gen}, &s.val) {
			return
		}
	}
}
