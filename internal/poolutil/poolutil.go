// Package poolutil holds a bounded pool of reusable values.
package poolutil

// Pool keeps at most size idle values. Unlike sync.Pool it never drops
// values on its own, so a value Put back is reused by the next Get.
type Pool[T any] struct {
	New func() T
	// Reset readies a returned value for reuse. It reports false for values
	// not worth keeping, which are dropped.
	Reset func(T) bool
	idle  chan T
}

func NewPool[T any](newFn func() T, reset func(T) bool, size int) *Pool[T] {
	return &Pool[T]{
		New:   newFn,
		Reset: reset,
		idle:  make(chan T, size),
	}
}

func (p *Pool[T]) Get() T {
	select {
	case v := <-p.idle:
		return v
	default:
		return p.New()
	}
}

// Put keeps v unless Reset rejects it or the pool is full.
func (p *Pool[T]) Put(v T) {
	if p.Reset != nil && !p.Reset(v) {
		return
	}
	select {
	case p.idle <- v:
	default:
	}
}

// Idle returns the number of values waiting for reuse.
func (p *Pool[T]) Idle() int {
	return len(p.idle)
}
