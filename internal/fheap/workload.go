package fheap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/garethgeorge/fheapspace/internal/progress"
)

// Workload is a seeded random mix of puts and frees.
type Workload struct {
	Ops  int
	Seed int64
	// MaxObject bounds object sizes; 0 means MaxObjectSize.
	MaxObject uint64
	// FreeRatio is the chance that an op frees a live object.
	FreeRatio float64
	// CheckEvery validates the heap every CheckEvery ops, 0 never.
	CheckEvery int
}

type WorkloadResult struct {
	Puts, Frees, Grows int
	// Full counts puts dropped because the root had no room left.
	Full int
	Live map[ObjectID][]byte
}

// Run applies the workload, growing the heap whenever a put finds no free
// section. Every free first checks that the object still holds what was
// put into it.
func (m *Manager) Run(ctx context.Context, wl Workload, tracker progress.BarProgressTracker) (WorkloadResult, error) {
	if tracker == nil {
		tracker = progress.NoopBarProgressTracker{}
	}
	maxObject := wl.MaxObject
	if maxObject == 0 || maxObject > m.MaxObjectSize() {
		maxObject = m.MaxObjectSize()
	}
	rng := rand.New(rand.NewSource(wl.Seed))
	res := WorkloadResult{Live: make(map[ObjectID][]byte)}
	var live []ObjectID

	tracker.SetMessage("workload")
	tracker.SetTotal(int64(wl.Ops))
	defer tracker.MarkFinished()

	for i := 0; i < wl.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(live) > 0 && rng.Float64() < wl.FreeRatio {
			idx := rng.Intn(len(live))
			obj := live[idx]
			got, err := m.Get(obj)
			if err != nil {
				return res, fmt.Errorf("op %d: %w", i, err)
			}
			if !bytes.Equal(got, res.Live[obj]) {
				return res, fmt.Errorf("op %d: object %v does not hold what was put", i, obj)
			}
			if err := m.Free(obj); err != nil {
				return res, fmt.Errorf("op %d: %w", i, err)
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			delete(res.Live, obj)
			res.Frees++
		} else {
			data := make([]byte, 1+rng.Int63n(int64(maxObject)))
			rng.Read(data)
			obj, err := m.Put(data)
			for errors.Is(err, ErrNoSpace) {
				if gerr := m.Grow(uint64(len(data))); gerr != nil {
					err = gerr
					break
				}
				res.Grows++
				obj, err = m.Put(data)
			}
			if errors.Is(err, ErrNoSpace) {
				res.Full++
				tracker.SetDone(i + 1)
				continue
			}
			if err != nil {
				return res, fmt.Errorf("op %d: %w", i, err)
			}
			live = append(live, obj)
			res.Live[obj] = data
			res.Puts++
		}
		if wl.CheckEvery > 0 && (i+1)%wl.CheckEvery == 0 {
			if err := m.Validate(); err != nil {
				tracker.SetError(err)
				return res, fmt.Errorf("op %d: %w", i, err)
			}
		}
		tracker.SetDone(i + 1)
	}
	return res, nil
}
