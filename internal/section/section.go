// Package section implements the free-space section classes of a fractal
// heap.
//
// A Single section is a free range inside one direct block. A row section
// is a run of free direct block entries in one row of an indirect block, and
// an Indirect section ties the rows and nested indirect entries of one
// indirect block together into a tree that mirrors the block tree. Exactly
// one row of every Indirect tree is tagged FirstRow; it is the only member
// the free-list store merges and persists, standing in for the whole tree.
package section

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/arena"
	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/garethgeorge/fheapspace/internal/freespace"
	"github.com/garethgeorge/fheapspace/internal/heap"
	"github.com/rs/zerolog"
)

type ID = freespace.ID

type Kind uint8

const (
	Single Kind = iota
	FirstRow
	NormalRow
	Indirect
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case FirstRow:
		return "first-row"
	case NormalRow:
		return "normal-row"
	case Indirect:
		return "indirect"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) class() freespace.ClassID {
	return freespace.ClassID(k)
}

func (k Kind) isRow() bool {
	return k == FirstRow || k == NormalRow
}

type State uint8

const (
	Live State = iota
	// Serialized sections were loaded from an image and hold no block pointers yet.
	Serialized
)

func (s State) String() string {
	if s == Live {
		return "live"
	}
	return "serialized"
}

// Classes returns the free-list classes of the section kinds for a heap
// with the given geometry.
func Classes(tbl *dtable.Table) []freespace.Class {
	payload := tbl.HeapOffSize + 6
	return []freespace.Class{
		{ID: Single.class(), Name: Single.String(), Flags: freespace.MergeSym},
		{ID: FirstRow.class(), Name: FirstRow.String(), Flags: freespace.MergeSym, SerialSize: payload},
		{ID: NormalRow.class(), Name: NormalRow.String(), Flags: freespace.MergeSym | freespace.SeparObj | freespace.GhostObj},
		{ID: Indirect.class(), Name: Indirect.String(), Flags: freespace.MergeSym | freespace.GhostObj, SerialSize: payload},
	}
}

// Section is a free range of heap space. Only the fields of its kind are used.
type Section struct {
	Kind  Kind
	Addr  uint64
	Size  uint64
	State State

	single   singleSect
	row      rowSect
	indirect indirectSect
}

type singleSect struct {
	// parent is the indirect block owning the direct block, nil for the
	// root direct block. Only meaningful while Live.
	parent   *heap.IndirectBlock
	parEntry uint
}

type rowSect struct {
	row, col, n uint
	under       ID
	// checkedOut is set while the row is out of the store being reduced.
	checkedOut bool
}

type indirectSect struct {
	iblock    *heap.IndirectBlock // nil unless Live
	iblockOff uint64

	row, col, n   uint
	span          uint64
	iblockEntries uint

	rc      int
	dirRows []ID
	indir   []ID

	parent   ID
	parEntry uint
}

// Row returns the row, starting column and entry count of a row section.
func (s *Section) Row() (row, col, n uint) {
	return s.row.row, s.row.col, s.row.n
}

type Option func(s *Space)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Space) {
		s.log = l
	}
}

// WithMaxSections caps the number of live section nodes. Operations that
// would exceed it fail with ErrAllocationFailed and leave the sections as
// they were.
func WithMaxSections(n int) Option {
	return func(s *Space) {
		s.maxSections = n
	}
}

// WithValidation checks every section the store links.
func WithValidation() Option {
	return func(s *Space) {
		s.storeOpts = append(s.storeOpts, freespace.WithValidation())
	}
}

// Space owns every free-space section of one heap and implements the class
// callbacks of its free-list store. It is not thread-safe.
type Space struct {
	heap  *heap.Heap
	tbl   *dtable.Table
	store *freespace.Manager
	sects *arena.Arena[*Section]
	log   zerolog.Logger

	maxSections int
	// spare counts nodes about to be freed by the running merge
	spare     int
	storeOpts []freespace.Option
}

func New(h *heap.Heap, opts ...Option) (*Space, error) {
	s := &Space{
		heap:  h,
		tbl:   h.Table(),
		sects: arena.New[*Section](64),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	storeOpts := append([]freespace.Option{
		freespace.WithLogger(s.log),
		freespace.WithAddrWidth(s.tbl.HeapOffSize),
	}, s.storeOpts...)
	store, err := freespace.New(s, Classes(s.tbl), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("free-list store: %w", err)
	}
	s.store = store
	return s, nil
}

func (s *Space) Store() *freespace.Manager {
	return s.store
}

func (s *Space) Heap() *heap.Heap {
	return s.heap
}

// Get returns the section behind id. It panics on a stale id.
func (s *Space) Get(id ID) *Section {
	return *s.sects.Get(id)
}

// Has reports whether id names a section that has not been freed.
func (s *Space) Has(id ID) bool {
	return s.sects.Valid(id)
}

func (s *Space) get(id ID) *Section {
	return *s.sects.Get(id)
}

// Len returns the number of section nodes, linked or not.
func (s *Space) Len() int {
	return s.sects.Len()
}

// reserve fails unless n more nodes can be created.
func (s *Space) reserve(n int) error {
	if s.maxSections > 0 && s.sects.Len()+n-s.spare > s.maxSections {
		return fmt.Errorf("%d more sections with %d of %d in use: %w", n, s.sects.Len(), s.maxSections, ErrAllocationFailed)
	}
	return nil
}

func (s *Space) create(kind Kind, addr, size uint64, state State) (ID, *Section, error) {
	if err := s.reserve(1); err != nil {
		return ID{}, nil, err
	}
	sect := &Section{Kind: kind, Addr: addr, Size: size, State: state}
	return s.sects.Alloc(sect), sect, nil
}

// destroy frees a node, dropping the pin it holds on ib. Callers detach the
// node from its parent arrays first.
func (s *Space) destroy(id ID, ib *heap.IndirectBlock) error {
	if ib != nil {
		if err := ib.Decr(); err != nil {
			return err
		}
	}
	return s.sects.Free(id)
}
