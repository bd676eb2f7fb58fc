package fheap

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/heap"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"google.golang.org/protobuf/encoding/protowire"
)

// payload fields
const (
	fieldNextBlockOff protowire.Number = 1
	fieldBlock        protowire.Number = 2
	fieldObject       protowire.Number = 3
	fieldFreeList     protowire.Number = 4
)

// block fields
const (
	blockKind protowire.Number = iota + 1
	blockAddr
	blockSize
	blockOff
	blockParent
	blockParEntry
	blockNRows
	blockMaxRows
	blockData
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeBlock(rec heap.BlockRecord) []byte {
	var b []byte
	b = appendVarintField(b, blockKind, uint64(rec.Kind))
	b = appendVarintField(b, blockAddr, rec.Addr)
	b = appendVarintField(b, blockSize, rec.Size)
	b = appendVarintField(b, blockOff, rec.BlockOff)
	b = appendVarintField(b, blockParent, rec.ParentAddr)
	b = appendVarintField(b, blockParEntry, uint64(rec.ParEntry))
	if rec.Kind == heap.KindIndirect {
		b = appendVarintField(b, blockNRows, uint64(rec.NRows))
		b = appendVarintField(b, blockMaxRows, uint64(rec.MaxRows))
	} else {
		b = appendBytesField(b, blockData, rec.Data)
	}
	return b
}

func encodePayload(man heap.Manifest, objects []ObjectID, freeList []byte) []byte {
	var b []byte
	b = appendVarintField(b, fieldNextBlockOff, man.NextBlockOff)
	for _, rec := range man.Blocks {
		b = appendBytesField(b, fieldBlock, encodeBlock(rec))
	}
	for _, o := range objects {
		var ob []byte
		ob = appendVarintField(ob, 1, o.Off)
		ob = appendVarintField(ob, 2, o.Len)
		b = appendBytesField(b, fieldObject, ob)
	}
	return appendBytesField(b, fieldFreeList, freeList)
}

// walkFields calls fn for every field of a message. Varint fields carry v,
// length-delimited ones carry raw.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			return fmt.Errorf("field %d has wire type %d: %w", num, typ, ErrCorrupt)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w: %w", num, ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func decodeBlock(b []byte) (heap.BlockRecord, error) {
	var rec heap.BlockRecord
	err := walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case blockKind:
			rec.Kind = heap.BlockKind(v)
		case blockAddr:
			rec.Addr = v
		case blockSize:
			rec.Size = v
		case blockOff:
			rec.BlockOff = v
		case blockParent:
			rec.ParentAddr = v
		case blockParEntry:
			rec.ParEntry = uint(v)
		case blockNRows:
			rec.NRows = uint(v)
		case blockMaxRows:
			rec.MaxRows = uint(v)
		case blockData:
			rec.Data = append([]byte(nil), raw...)
		}
		return nil
	})
	return rec, err
}

func decodePayload(b []byte) (man heap.Manifest, objects []ObjectID, freeList []byte, err error) {
	err = walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldNextBlockOff:
			man.NextBlockOff = v
		case fieldBlock:
			rec, err := decodeBlock(raw)
			if err != nil {
				return fmt.Errorf("block %d: %w", len(man.Blocks), err)
			}
			man.Blocks = append(man.Blocks, rec)
		case fieldObject:
			var o ObjectID
			if err := walkFields(raw, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 1:
					o.Off = v
				case 2:
					o.Len = v
				}
				return nil
			}); err != nil {
				return fmt.Errorf("object %d: %w", len(objects), err)
			}
			objects = append(objects, o)
		case fieldFreeList:
			freeList = raw
		}
		return nil
	})
	return man, objects, freeList, err
}

// Save writes the heap, its objects and its free list to every handle.
func (m *Manager) Save(handles ...imagefile.Handle) error {
	man, err := m.heap.Manifest()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	freeList, err := m.store.Serialize()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	st := m.store.Stats()
	hdr := imagefile.Header{
		Digest:       m.digest,
		Geometry:     imagefile.GeometryOf(m.tbl.Params),
		HeapOffSize:  uint32(m.tbl.HeapOffSize),
		SectionCount: uint64(st.Serial),
		FreeBytes:    st.TotalSpace,
	}
	payload := encodePayload(man, m.Objects(), freeList)
	if err := imagefile.Write(hdr, payload, m.cfg.CompressionLevel, handles...); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	m.log.Info().Int("blocks", len(man.Blocks)).Int("sections", st.Sections).Int("copies", len(handles)).
		Int("payload", len(payload)).Msg("saved heap image")
	return nil
}

// Load reads an image into a new manager. The heap geometry and digest
// come from the image; compression and limits from cfg.
func Load(h imagefile.Handle, cfg Config, opts ...Option) (*Manager, error) {
	img, err := imagefile.Read(h)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return FromImage(img, cfg, opts...)
}

// FromImage builds a manager from a decoded image.
func FromImage(img imagefile.Image, cfg Config, opts ...Option) (*Manager, error) {
	if img.Header.Geometry == nil {
		return nil, fmt.Errorf("load: image has no geometry: %w", ErrCorrupt)
	}
	cfg.Table = img.Header.Geometry.Params()
	cfg.Checksum = img.Header.Digest.String()
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if got := uint32(m.tbl.HeapOffSize); got != img.Header.HeapOffSize {
		return nil, fmt.Errorf("load: heap offsets of %d bytes, image says %d: %w", got, img.Header.HeapOffSize, ErrCorrupt)
	}
	man, objects, freeList, err := decodePayload(img.Payload)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if err := m.heap.Restore(man); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	for _, o := range objects {
		if _, dup := m.objects.ReplaceOrInsert(o); dup {
			return nil, fmt.Errorf("load: object at %d twice: %w", o.Off, ErrCorrupt)
		}
	}
	if err := m.store.Deserialize(freeList); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	st := m.store.Stats()
	if uint64(st.Serial) != img.Header.SectionCount || st.TotalSpace != img.Header.FreeBytes {
		return nil, fmt.Errorf("load: %d sections of %d bytes, image says %d of %d: %w",
			st.Serial, st.TotalSpace, img.Header.SectionCount, img.Header.FreeBytes, ErrCorrupt)
	}
	m.log.Info().Int("blocks", len(man.Blocks)).Int("objects", len(objects)).Int("sections", st.Sections).Msg("loaded heap image")
	return m, nil
}
