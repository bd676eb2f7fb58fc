package section

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/freespace"
)

var _ freespace.Client = (*Space)(nil)

func (s *Space) Info(id ID) freespace.Info {
	sect := s.get(id)
	return freespace.Info{Addr: sect.Addr, Size: sect.Size, Class: sect.Kind.class()}
}

func (s *Space) Add(id *ID, flags *freespace.Flags) error {
	switch k := s.get(*id).Kind; k {
	case Single:
		return s.addSingle(id, flags)
	case FirstRow, NormalRow:
		return nil
	case Indirect:
		return fmt.Errorf("add %s section %v to the free list: %w", k, *id, ErrInvariant)
	}
	return unknownKind(*id)
}

func (s *Space) CanMerge(a, b ID) (bool, error) {
	switch k := s.get(a).Kind; k {
	case Single:
		return s.canMergeSingle(a, b), nil
	case FirstRow:
		return s.canMergeRow(a, b), nil
	case NormalRow, Indirect:
		return false, nil
	}
	return false, unknownKind(a)
}

func (s *Space) Merge(a *ID, b ID) error {
	switch k := s.get(*a).Kind; k {
	case Single:
		return s.mergeSingle(*a, b)
	case FirstRow:
		return s.mergeRow(*a, b)
	case NormalRow, Indirect:
		return fmt.Errorf("merge %s section %v: %w", k, *a, ErrInvariant)
	}
	return unknownKind(*a)
}

func (s *Space) CanShrink(id ID) (bool, error) {
	switch s.get(id).Kind {
	case Single:
		return s.canShrinkSingle(id), nil
	case FirstRow:
		return s.canShrinkRow(id), nil
	case NormalRow, Indirect:
		return false, nil
	}
	return false, unknownKind(id)
}

func (s *Space) Shrink(id *ID) error {
	switch k := s.get(*id).Kind; k {
	case Single:
		return s.shrinkSingle(id)
	case FirstRow:
		return s.shrinkRow(id)
	case NormalRow, Indirect:
		return fmt.Errorf("shrink %s section %v: %w", k, *id, ErrInvariant)
	}
	return unknownKind(*id)
}

// Free releases a section the store has unlinked.
func (s *Space) Free(id ID) error {
	switch s.get(id).Kind {
	case Single:
		return s.freeSingle(id)
	case FirstRow, NormalRow:
		return s.freeRow(id)
	case Indirect:
		return s.freeIndirect(id)
	}
	return unknownKind(id)
}

func (s *Space) Serialize(id ID, buf []byte) ([]byte, error) {
	switch k := s.get(id).Kind; k {
	case Single:
		return buf, nil
	case FirstRow:
		return s.serializeRow(id, buf)
	case NormalRow, Indirect:
		return buf, fmt.Errorf("serialize %s section %v: %w", k, id, ErrInvariant)
	}
	return buf, unknownKind(id)
}

func (s *Space) Deserialize(class freespace.ClassID, addr, size uint64, payload []byte) (ID, bool, error) {
	switch Kind(class) {
	case Single:
		id, _, err := s.create(Single, addr, size, Serialized)
		return id, false, err
	case FirstRow, Indirect:
		id, err := s.deserializeIndirect(addr, size, payload)
		return id, true, err
	}
	return ID{}, false, fmt.Errorf("class %d: %w", class, freespace.ErrCorrupt)
}

func (s *Space) Valid(id ID) error {
	switch s.get(id).Kind {
	case Single:
		return s.validSingle(id)
	case FirstRow, NormalRow:
		return s.validRow(id)
	case Indirect:
		return s.validIndirect(id)
	}
	return unknownKind(id)
}

func unknownKind(id ID) error {
	return fmt.Errorf("section %v has an unknown kind: %w", id, ErrInvariant)
}
