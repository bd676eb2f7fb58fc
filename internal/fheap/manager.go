// Package fheap puts a fractal heap and its free-space sections behind one
// object API: objects are allocated from free sections, freed space goes
// back to the sections, and the whole heap can be saved to and loaded from
// image files.
package fheap

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/garethgeorge/fheapspace/internal/errormap"
	"github.com/garethgeorge/fheapspace/internal/freespace"
	"github.com/garethgeorge/fheapspace/internal/heap"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/garethgeorge/fheapspace/internal/section"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// ObjectID names an allocated range of heap space.
type ObjectID struct {
	Off uint64
	Len uint64
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%d+%d", o.Off, o.Len)
}

func (o ObjectID) End() uint64 {
	return o.Off + o.Len
}

type Option func(m *Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager is not thread-safe.
type Manager struct {
	cfg    Config
	digest imagefile.Digest
	tbl    *dtable.Table
	heap   *heap.Heap
	space  *section.Space
	store  *freespace.Manager
	log    zerolog.Logger

	objects *btree.BTreeG[ObjectID]
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	digest, err := imagefile.ParseDigest(cfg.Checksum)
	if err != nil {
		return nil, err
	}
	tbl, err := dtable.New(cfg.Table)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		digest: digest,
		tbl:    tbl,
		log:    zerolog.Nop(),
		objects: btree.NewG[ObjectID](32, func(a, b ObjectID) bool {
			return a.Off < b.Off
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.heap = heap.New(tbl, heap.WithLogger(m.log))
	sectOpts := []section.Option{section.WithLogger(m.log), section.WithMaxSections(cfg.MaxSections)}
	if cfg.Paranoid {
		sectOpts = append(sectOpts, section.WithValidation())
	}
	m.space, err = section.New(m.heap, sectOpts...)
	if err != nil {
		return nil, err
	}
	m.store = m.space.Store()
	return m, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) Table() *dtable.Table {
	return m.tbl
}

// MaxObjectSize is the largest object a direct block can hold.
func (m *Manager) MaxObjectSize() uint64 {
	return m.tbl.DirectCapacity(m.tbl.MaxDirectSize)
}

// Allocate takes size bytes from the smallest free section that can hold
// them. It fails with ErrNoSpace when no section is large enough; Grow
// publishes more space.
func (m *Manager) Allocate(size uint64) (ObjectID, error) {
	if size == 0 || size > m.MaxObjectSize() {
		return ObjectID{}, fmt.Errorf("allocate %d bytes: %w", size, ErrTooLarge)
	}
	id, ok, err := m.store.Find(size)
	if err != nil {
		return ObjectID{}, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	if !ok {
		return ObjectID{}, fmt.Errorf("allocate %d bytes: %w", size, ErrNoSpace)
	}

	var off uint64
	switch kind := m.space.Get(id).Kind; kind {
	case section.Single:
		off, err = m.allocateSingle(id, size)
	case section.FirstRow, section.NormalRow:
		off, err = m.allocateRow(id, size)
	default:
		err = fmt.Errorf("free list returned %s section %v: %w", kind, id, section.ErrInvariant)
	}
	if err != nil {
		return ObjectID{}, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	obj := ObjectID{Off: off, Len: size}
	m.objects.ReplaceOrInsert(obj)
	m.log.Debug().Stringer("object", obj).Msg("allocated")
	return obj, nil
}

func (m *Manager) allocateSingle(id section.ID, size uint64) (uint64, error) {
	if err := m.space.ReviveSingle(id); err != nil {
		return 0, errors.Join(err, m.store.Add(id, 0))
	}
	off := m.space.Get(id).Addr
	return off, m.space.ReduceSingle(id, size)
}

// allocateRow turns one entry of a row into a new direct block and
// allocates from the start of its free space.
func (m *Manager) allocateRow(id section.ID, size uint64) (uint64, error) {
	if err := m.space.ReviveRow(id); err != nil {
		return 0, errors.Join(err, m.store.Add(id, 0))
	}
	ib, err := m.space.RowBlock(id)
	if err != nil {
		return 0, err
	}
	// the row may be the last pin on ib
	ib.Incr()
	entry, err := m.space.ReduceRow(id)
	if err != nil {
		if errors.Is(err, section.ErrAllocationFailed) {
			err = errors.Join(err, m.store.Add(id, 0))
		}
		return 0, errors.Join(err, ib.Decr())
	}
	d, err := m.heap.CreateDirectBlock(ib, entry)
	if err != nil {
		return 0, errors.Join(err, ib.Decr())
	}
	overhead := m.tbl.DirectOverhead
	free, err := m.space.NewSingle(d.BlockOff+overhead, d.Size-overhead, ib, entry)
	if err := errors.Join(err, ib.Decr()); err != nil {
		return 0, err
	}
	m.log.Debug().Uint64("block_off", d.BlockOff).Uint64("size", d.Size).Uint("entry", entry).Msg("opened direct block")
	return d.BlockOff + overhead, m.space.ReduceSingle(free, size)
}

// Free gives an object's space back. Fully free direct blocks are released
// and free space at the end of the heap is dropped.
func (m *Manager) Free(obj ObjectID) error {
	if got, ok := m.objects.Get(obj); !ok || got != obj {
		return fmt.Errorf("free %v: %w", obj, ErrUnknownObject)
	}
	d, err := m.heap.FindDirect(obj.Off)
	if err != nil {
		return fmt.Errorf("free %v: %w", obj, err)
	}
	off := obj.Off - d.BlockOff
	old, err := m.heap.Read(d, off, obj.Len)
	if err == nil {
		err = m.heap.Write(d, off, make([]byte, obj.Len))
	}
	m.heap.Unprotect(d, true)
	if err != nil {
		return fmt.Errorf("free %v: %w", obj, err)
	}
	id, err := m.space.NewSingle(obj.Off, obj.Len, d.Parent, d.ParEntry)
	if err != nil {
		return fmt.Errorf("free %v: %w", obj, errors.Join(err, m.rewrite(d, off, old)))
	}
	if err := m.store.Add(id, freespace.ReturnedSpace); err != nil {
		return fmt.Errorf("free %v: %w", obj, errors.Join(err, m.unwindFree(obj, id, d, old)))
	}
	m.objects.Delete(obj)
	m.log.Debug().Stringer("object", obj).Msg("freed")
	return nil
}

// unwindFree undoes a free whose section the store refused. The object
// survives only while its section is still an unlinked single.
func (m *Manager) unwindFree(obj ObjectID, id section.ID, d *heap.DirectBlock, old []byte) error {
	switch {
	case !m.space.Has(id) || m.store.Contains(id):
		// merged into a linked neighbour
		m.objects.Delete(obj)
		return nil
	case m.space.Get(id).Kind == section.Single:
		if err := m.space.Free(id); err != nil {
			return err
		}
		return m.rewrite(d, obj.Off-d.BlockOff, old)
	default:
		m.objects.Delete(obj)
		return m.store.Add(id, 0)
	}
}

func (m *Manager) rewrite(d *heap.DirectBlock, off uint64, data []byte) error {
	err := m.heap.Write(d, off, data)
	m.heap.Unprotect(d, true)
	return err
}

// Put allocates an object and stores data in it.
func (m *Manager) Put(data []byte) (ObjectID, error) {
	obj, err := m.Allocate(uint64(len(data)))
	if err != nil {
		return ObjectID{}, err
	}
	d, err := m.heap.FindDirect(obj.Off)
	if err != nil {
		return ObjectID{}, fmt.Errorf("put %v: %w", obj, err)
	}
	err = m.heap.Write(d, obj.Off-d.BlockOff, data)
	m.heap.Unprotect(d, true)
	if err != nil {
		return ObjectID{}, fmt.Errorf("put %v: %w", obj, err)
	}
	return obj, nil
}

// Get returns a copy of an object's bytes.
func (m *Manager) Get(obj ObjectID) ([]byte, error) {
	if got, ok := m.objects.Get(obj); !ok || got != obj {
		return nil, fmt.Errorf("get %v: %w", obj, ErrUnknownObject)
	}
	d, err := m.heap.FindDirect(obj.Off)
	if err != nil {
		return nil, fmt.Errorf("get %v: %w", obj, err)
	}
	defer m.heap.Unprotect(d, false)
	return m.heap.Read(d, obj.Off-d.BlockOff, obj.Len)
}

// Objects lists the allocated objects in address order.
func (m *Manager) Objects() []ObjectID {
	out := make([]ObjectID, 0, m.objects.Len())
	m.objects.Ascend(func(o ObjectID) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Grow publishes unused root entries as free space: from the first entry
// past both the last block and every free section, up to and including the
// first entry whose blocks, or the blocks under it, can hold an object of
// minSize bytes. An empty heap
// configured with no root rows starts with a root direct block instead.
// The root is never doubled; ErrNoSpace means the root has no suitable
// entry left.
func (m *Manager) Grow(minSize uint64) error {
	if minSize == 0 || minSize > m.MaxObjectSize() {
		return fmt.Errorf("grow for %d bytes: %w", minSize, ErrTooLarge)
	}
	if m.heap.TableAddr() == heap.UndefAddr && m.tbl.StartRootRows == 0 &&
		minSize <= m.tbl.DirectCapacity(m.tbl.StartBlockSize) {
		return m.growRootDirect()
	}

	root := m.heap.RootIndirect()
	if root == nil {
		rows := m.tbl.StartRootRows
		if rows == 0 {
			rows = m.tbl.MaxRootRows
		}
		var err error
		if root, err = m.heap.CreateRootIndirect(rows); err != nil {
			return fmt.Errorf("grow: %w", err)
		}
		m.space.RevertRootSingles()
		m.log.Info().Uint("rows", rows).Msg("root is now an indirect block")
	}

	start := m.firstUnpublished(root)
	w := m.tbl.Width
	end := start
	for ; end < uint(len(root.Ents)); end++ {
		if m.tbl.DirectCapacity(m.largestDirect(end/w)) >= minSize {
			break
		}
	}
	if end >= uint(len(root.Ents)) {
		return fmt.Errorf("grow for %d bytes from entry %d of %d: %w", minSize, start, len(root.Ents), ErrNoSpace)
	}

	row, col := end/w, end%w
	heapEnd := root.BlockOff + m.tbl.EntryOffset(row, col) + m.tbl.RowBlockSize[row]
	if heapEnd > m.heap.NextBlockOffset() {
		m.heap.SetNextBlockOffset(heapEnd)
	}
	if err := m.space.AddSkippedEntries(root, start, end-start+1); err != nil {
		return fmt.Errorf("grow: %w", err)
	}
	m.log.Info().Uint("start_entry", start).Uint("entries", end-start+1).
		Str("heap_end", humanize.IBytes(heapEnd)).Msg("published root entries")
	return nil
}

// largestDirect is the largest direct block reachable through an entry of
// a root row.
func (m *Manager) largestDirect(row uint) uint64 {
	if m.tbl.IsDirectRow(row) {
		return m.tbl.RowBlockSize[row]
	}
	return m.tbl.LargestDirect(m.tbl.RowBlockSize[row])
}

func (m *Manager) growRootDirect() error {
	d, err := m.heap.CreateRootDirect()
	if err != nil {
		return fmt.Errorf("grow: %w", err)
	}
	overhead := m.tbl.DirectOverhead
	id, err := m.space.NewSingle(d.BlockOff+overhead, d.Size-overhead, nil, 0)
	if err != nil {
		return fmt.Errorf("grow: %w", err)
	}
	m.log.Info().Uint64("size", d.Size).Msg("created root direct block")
	return m.store.Add(id, 0)
}

// firstUnpublished is the first root entry at or past the end of the last
// block and of every free section.
func (m *Manager) firstUnpublished(root *heap.IndirectBlock) uint {
	lo := m.heap.NextBlockOffset()
	m.store.Iterate(func(id section.ID, info freespace.Info) bool {
		end := info.Addr + info.Size
		if sect := m.space.Get(id); sect.Kind != section.Single {
			row, _, n := sect.Row()
			end = sect.Addr + uint64(n)*m.tbl.RowBlockSize[row]
		}
		lo = max(lo, end)
		return true
	})
	w := m.tbl.Width
	for e := uint(0); e < uint(len(root.Ents)); e++ {
		if root.BlockOff+m.tbl.EntryOffset(e/w, e%w) >= lo {
			return e
		}
	}
	return uint(len(root.Ents))
}

// SectionInfo describes one linked free section.
type SectionInfo struct {
	Kind section.Kind
	Addr uint64
	Size uint64
}

// Sections lists the linked free sections in address order.
func (m *Manager) Sections() []SectionInfo {
	var out []SectionInfo
	m.store.Iterate(func(id section.ID, info freespace.Info) bool {
		out = append(out, SectionInfo{Kind: m.space.Get(id).Kind, Addr: info.Addr, Size: info.Size})
		return true
	})
	return out
}

type Stats struct {
	Heap         heap.Stats
	Free         freespace.Stats
	Nodes        int
	Objects      int
	ObjectBytes  uint64
	NextBlockOff uint64
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Heap:         m.heap.Stats(),
		Free:         m.store.Stats(),
		Nodes:        m.space.Len(),
		Objects:      m.objects.Len(),
		NextBlockOff: m.heap.NextBlockOffset(),
	}
	m.objects.Ascend(func(o ObjectID) bool {
		st.ObjectBytes += o.Len
		return true
	})
	return st
}

// Validate checks the free list, the section trees and the objects, and
// reports every failure together.
func (m *Manager) Validate() error {
	errs := errormap.New("heap validation")
	errs.AddError("free list", m.store.Validate())
	errs.AddError("sections", m.space.CheckInvariants())

	type span struct {
		start, end uint64
		what       string
	}
	var spans []span
	m.objects.Ascend(func(o ObjectID) bool {
		d, err := m.heap.FindDirect(o.Off)
		if err != nil {
			errs.AddError("object "+o.String(), err)
			return true
		}
		m.heap.Unprotect(d, false)
		if o.Off < d.BlockOff+m.tbl.DirectOverhead || o.End() > d.BlockOff+d.Size {
			errs.AddError("object "+o.String(), fmt.Errorf("outside direct block [%d, %d)", d.BlockOff, d.BlockOff+d.Size))
		}
		spans = append(spans, span{o.Off, o.End(), "object " + o.String()})
		return true
	})
	m.store.Iterate(func(id section.ID, info freespace.Info) bool {
		if m.space.Get(id).Kind == section.Single {
			spans = append(spans, span{info.Addr, info.Addr + info.Size, fmt.Sprintf("section %v", id)})
		}
		return true
	})
	slices.SortFunc(spans, func(a, b span) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	for i := 1; i < len(spans); i++ {
		if prev := spans[i-1]; spans[i].start < prev.end {
			errs.AddError(spans[i].what, fmt.Errorf("overlaps %s", prev.what))
		}
	}
	return errs.Err()
}

// Dump writes a summary of the heap followed by every free section.
func (m *Manager) Dump(w io.Writer) error {
	st := m.Stats()
	if _, err := fmt.Fprintf(w, "heap: %d direct blocks (%s), %d indirect blocks, next block offset %d, eoa %d\n",
		st.Heap.DirectBlocks, humanize.IBytes(st.Heap.DirectBytes), st.Heap.IndirectBlocks, st.NextBlockOff, st.Heap.EOA); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "objects: %d (%s)\n", st.Objects, humanize.IBytes(st.ObjectBytes)); err != nil {
		return err
	}
	return m.store.Dump(w)
}

// Close frees every section. The manager is unusable afterwards.
func (m *Manager) Close() error {
	m.objects.Clear(false)
	return m.store.Close()
}
