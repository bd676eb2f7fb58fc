package imagefile

import (
	"fmt"
	"math"

	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/planetscale/vtprotobuf/protohelpers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header is the length-prefixed message at the start of an image, encoded
// with protobuf wire rules. Fields this version does not know are kept and
// written back unchanged.
type Header struct {
	Version       uint32
	Digest        Digest
	Geometry      *Geometry
	HeapOffSize   uint32
	SectionCount  uint64
	FreeBytes     uint64
	PayloadLength uint64

	unknownFields []byte
}

// Geometry carries the doubling-table parameters of the saved heap.
type Geometry struct {
	Width          uint64
	StartBlockSize uint64
	MaxDirectSize  uint64
	MaxIndex       uint64
	StartRootRows  uint64
	DirectOverhead uint64

	unknownFields []byte
}

func GeometryOf(p dtable.Params) *Geometry {
	return &Geometry{
		Width:          uint64(p.Width),
		StartBlockSize: p.StartBlockSize,
		MaxDirectSize:  p.MaxDirectSize,
		MaxIndex:       uint64(p.MaxIndex),
		StartRootRows:  uint64(p.StartRootRows),
		DirectOverhead: p.DirectOverhead,
	}
}

func (m *Geometry) Params() dtable.Params {
	if m == nil {
		return dtable.Params{}
	}
	return dtable.Params{
		Width:          uint(m.Width),
		StartBlockSize: m.StartBlockSize,
		MaxDirectSize:  m.MaxDirectSize,
		MaxIndex:       uint(m.MaxIndex),
		StartRootRows:  uint(m.StartRootRows),
		DirectOverhead: m.DirectOverhead,
	}
}

func sizeOfVarintField(v uint64) int {
	if v == 0 {
		return 0
	}
	return 1 + protohelpers.SizeOfVarint(v)
}

func (m *Geometry) SizeVT() (n int) {
	if m == nil {
		return 0
	}
	n += sizeOfVarintField(m.Width)
	n += sizeOfVarintField(m.StartBlockSize)
	n += sizeOfVarintField(m.MaxDirectSize)
	n += sizeOfVarintField(m.MaxIndex)
	n += sizeOfVarintField(m.StartRootRows)
	n += sizeOfVarintField(m.DirectOverhead)
	n += len(m.unknownFields)
	return n
}

// putVarintField writes a varint field ending at i and returns its start.
func putVarintField(dAtA []byte, i int, tag byte, v uint64) int {
	if v == 0 {
		return i
	}
	i = protohelpers.EncodeVarint(dAtA, i, v)
	i--
	dAtA[i] = tag
	return i
}

func (m *Geometry) MarshalToSizedBufferVT(dAtA []byte) (int, error) {
	if m == nil {
		return 0, nil
	}
	i := len(dAtA)
	if m.unknownFields != nil {
		i -= len(m.unknownFields)
		copy(dAtA[i:], m.unknownFields)
	}
	i = putVarintField(dAtA, i, 0x30, m.DirectOverhead)
	i = putVarintField(dAtA, i, 0x28, m.StartRootRows)
	i = putVarintField(dAtA, i, 0x20, m.MaxIndex)
	i = putVarintField(dAtA, i, 0x18, m.MaxDirectSize)
	i = putVarintField(dAtA, i, 0x10, m.StartBlockSize)
	i = putVarintField(dAtA, i, 0x8, m.Width)
	return len(dAtA) - i, nil
}

func (m *Geometry) UnmarshalVT(dAtA []byte) error {
	return unmarshalFields("geometry", dAtA, &m.unknownFields, func(num protowire.Number, v uint64) bool {
		switch num {
		case 1:
			m.Width = v
		case 2:
			m.StartBlockSize = v
		case 3:
			m.MaxDirectSize = v
		case 4:
			m.MaxIndex = v
		case 5:
			m.StartRootRows = v
		case 6:
			m.DirectOverhead = v
		default:
			return false
		}
		return true
	}, nil)
}

func (m *Header) SizeVT() (n int) {
	if m == nil {
		return 0
	}
	n += sizeOfVarintField(uint64(m.Version))
	n += sizeOfVarintField(uint64(m.Digest))
	if m.Geometry != nil {
		l := m.Geometry.SizeVT()
		n += 1 + l + protohelpers.SizeOfVarint(uint64(l))
	}
	n += sizeOfVarintField(uint64(m.HeapOffSize))
	n += sizeOfVarintField(m.SectionCount)
	n += sizeOfVarintField(m.FreeBytes)
	n += sizeOfVarintField(m.PayloadLength)
	n += len(m.unknownFields)
	return n
}

func (m *Header) MarshalVT() (dAtA []byte, err error) {
	if m == nil {
		return nil, nil
	}
	size := m.SizeVT()
	dAtA = make([]byte, size)
	n, err := m.MarshalToSizedBufferVT(dAtA[:size])
	if err != nil {
		return nil, err
	}
	return dAtA[:n], nil
}

func (m *Header) MarshalToSizedBufferVT(dAtA []byte) (int, error) {
	if m == nil {
		return 0, nil
	}
	i := len(dAtA)
	if m.unknownFields != nil {
		i -= len(m.unknownFields)
		copy(dAtA[i:], m.unknownFields)
	}
	i = putVarintField(dAtA, i, 0x38, m.PayloadLength)
	i = putVarintField(dAtA, i, 0x30, m.FreeBytes)
	i = putVarintField(dAtA, i, 0x28, m.SectionCount)
	i = putVarintField(dAtA, i, 0x20, uint64(m.HeapOffSize))
	if m.Geometry != nil {
		size, err := m.Geometry.MarshalToSizedBufferVT(dAtA[:i])
		if err != nil {
			return 0, err
		}
		i -= size
		i = protohelpers.EncodeVarint(dAtA, i, uint64(size))
		i--
		dAtA[i] = 0x1a
	}
	i = putVarintField(dAtA, i, 0x10, uint64(m.Digest))
	i = putVarintField(dAtA, i, 0x8, uint64(m.Version))
	return len(dAtA) - i, nil
}

func (m *Header) UnmarshalVT(dAtA []byte) error {
	return unmarshalFields("header", dAtA, &m.unknownFields, func(num protowire.Number, v uint64) bool {
		switch num {
		case 1:
			if v > math.MaxUint32 {
				return false
			}
			m.Version = uint32(v)
		case 2:
			if v > math.MaxUint8 {
				return false
			}
			m.Digest = Digest(v)
		case 4:
			if v > math.MaxUint32 {
				return false
			}
			m.HeapOffSize = uint32(v)
		case 5:
			m.SectionCount = v
		case 6:
			m.FreeBytes = v
		case 7:
			m.PayloadLength = v
		default:
			return false
		}
		return true
	}, func(num protowire.Number, b []byte) (bool, error) {
		if num != 3 {
			return false, nil
		}
		m.Geometry = &Geometry{}
		return true, m.Geometry.UnmarshalVT(b)
	})
}

// unmarshalFields walks the fields of a message. varint gets every varint
// field and bytes every length-delimited one; either returns false to keep
// the field as unknown.
func unmarshalFields(msg string, dAtA []byte, unknown *[]byte,
	varint func(num protowire.Number, v uint64) bool,
	bytesField func(num protowire.Number, b []byte) (bool, error),
) error {
	for i := 0; i < len(dAtA); {
		num, typ, n := protowire.ConsumeTag(dAtA[i:])
		if n < 0 {
			return fmt.Errorf("%s: %w: %w", msg, ErrCorrupt, protowire.ParseError(n))
		}
		known := false
		fieldLen := 0
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(dAtA[i+n:])
			if m < 0 {
				return fmt.Errorf("%s field %d: %w: %w", msg, num, ErrCorrupt, protowire.ParseError(m))
			}
			fieldLen = n + m
			known = varint(num, v)
		case protowire.BytesType:
			if bytesField == nil {
				break
			}
			b, m := protowire.ConsumeBytes(dAtA[i+n:])
			if m < 0 {
				return fmt.Errorf("%s field %d: %w: %w", msg, num, ErrCorrupt, protowire.ParseError(m))
			}
			fieldLen = n + m
			ok, err := bytesField(num, b)
			if err != nil {
				return fmt.Errorf("%s field %d: %w", msg, num, err)
			}
			known = ok
		}
		if !known {
			skippy, err := protohelpers.Skip(dAtA[i:])
			if err != nil {
				return fmt.Errorf("%s field %d: %w: %w", msg, num, ErrCorrupt, err)
			}
			*unknown = append(*unknown, dAtA[i:i+skippy]...)
			fieldLen = skippy
		}
		i += fieldLen
	}
	return nil
}
