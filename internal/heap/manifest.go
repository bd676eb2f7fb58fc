package heap

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/filespace"
)

type BlockKind uint8

const (
	KindDirect BlockKind = iota + 1
	KindIndirect
)

// BlockRecord describes one block of a saved heap.
type BlockRecord struct {
	Kind       BlockKind
	Addr       uint64
	Size       uint64
	BlockOff   uint64
	ParentAddr uint64
	ParEntry   uint
	NRows      uint
	MaxRows    uint
	Data       []byte
}

// Manifest is the block tree of a heap, parents before children.
type Manifest struct {
	NextBlockOff uint64
	Blocks       []BlockRecord
}

func parentAddr(p *IndirectBlock) uint64 {
	if p == nil {
		return UndefAddr
	}
	return p.Addr
}

// Manifest captures the block tree so that Restore can rebuild it.
func (h *Heap) Manifest() (Manifest, error) {
	m := Manifest{NextBlockOff: h.nextBlockOff}
	if d := h.rootDirect; d != nil {
		m.Blocks = append(m.Blocks, h.directRecord(d))
		return m, nil
	}
	if h.rootIndirect == nil {
		return m, nil
	}

	stack := []*IndirectBlock{h.rootIndirect}
	for len(stack) > 0 {
		ib := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m.Blocks = append(m.Blocks, BlockRecord{
			Kind:       KindIndirect,
			Addr:       ib.Addr,
			Size:       ib.Size,
			BlockOff:   ib.BlockOff,
			ParentAddr: parentAddr(ib.Parent),
			ParEntry:   ib.ParEntry,
			NRows:      ib.NRows,
			MaxRows:    ib.MaxRows,
		})
		for entry, addr := range ib.Ents {
			if addr == UndefAddr {
				continue
			}
			ref, ok := h.blocks.Get(blockRef{addr: addr})
			if !ok {
				return Manifest{}, fmt.Errorf("entry %d of indirect block at %d: %w", entry, ib.Addr, ErrBlockLookup)
			}
			if ref.direct != nil {
				if err := ref.direct.verify(); err != nil {
					return Manifest{}, err
				}
				m.Blocks = append(m.Blocks, h.directRecord(ref.direct))
			} else {
				stack = append(stack, ref.indirect)
			}
		}
	}
	return m, nil
}

func (h *Heap) directRecord(d *DirectBlock) BlockRecord {
	return BlockRecord{
		Kind:       KindDirect,
		Addr:       d.Addr,
		Size:       d.Size,
		BlockOff:   d.BlockOff,
		ParentAddr: parentAddr(d.Parent),
		ParEntry:   d.ParEntry,
		Data:       d.data,
	}
}

// Restore rebuilds an empty heap from a manifest.
func (h *Heap) Restore(m Manifest) error {
	if h.TableAddr() != UndefAddr {
		return fmt.Errorf("restore: heap already has a root")
	}
	indirect := make(map[uint64]*IndirectBlock)
	for i, rec := range m.Blocks {
		var parent *IndirectBlock
		if rec.ParentAddr != UndefAddr {
			parent = indirect[rec.ParentAddr]
			if parent == nil {
				return fmt.Errorf("restore block %d: parent at %d: %w", i, rec.ParentAddr, ErrBlockLookup)
			}
			if err := h.checkEntry(parent, rec.ParEntry); err != nil {
				return fmt.Errorf("restore block %d: %w", i, err)
			}
		} else if h.TableAddr() != UndefAddr {
			return fmt.Errorf("restore block %d: second root block", i)
		}
		if err := h.space.MarkAllocated(filespace.Range{Start: rec.Addr, End: rec.Addr + rec.Size}); err != nil {
			return fmt.Errorf("restore block %d: %w", i, err)
		}

		switch rec.Kind {
		case KindDirect:
			if uint64(len(rec.Data)) != rec.Size {
				return fmt.Errorf("restore block %d: %d data bytes for block of %d", i, len(rec.Data), rec.Size)
			}
			d := &DirectBlock{
				Addr:     rec.Addr,
				Size:     rec.Size,
				BlockOff: rec.BlockOff,
				Parent:   parent,
				ParEntry: rec.ParEntry,
				data:     append([]byte(nil), rec.Data...),
			}
			d.seal()
			h.register(blockRef{addr: d.Addr, direct: d})
			if parent == nil {
				h.rootDirect = d
			}
		case KindIndirect:
			if rec.NRows == 0 || rec.NRows > rec.MaxRows {
				return fmt.Errorf("restore block %d: %d rows of %d", i, rec.NRows, rec.MaxRows)
			}
			ib := &IndirectBlock{
				Addr:     rec.Addr,
				Size:     rec.Size,
				BlockOff: rec.BlockOff,
				NRows:    rec.NRows,
				MaxRows:  rec.MaxRows,
				Parent:   parent,
				ParEntry: rec.ParEntry,
				Ents:     make([]uint64, rec.NRows*h.tbl.Width),
				heap:     h,
			}
			for e := range ib.Ents {
				ib.Ents[e] = UndefAddr
			}
			indirect[ib.Addr] = ib
			h.register(blockRef{addr: ib.Addr, indirect: ib})
			if parent == nil {
				h.rootIndirect = ib
			}
		default:
			return fmt.Errorf("restore block %d: unknown kind %d", i, rec.Kind)
		}
		if parent != nil {
			parent.Ents[rec.ParEntry] = rec.Addr
			parent.nchildren++
		}
	}
	h.nextBlockOff = m.NextBlockOff
	return nil
}
