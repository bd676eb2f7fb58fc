package section

import (
	"fmt"

	"github.com/garethgeorge/fheapspace/internal/heap"
)

func (s *Space) newRow(addr, size uint64, first bool, row, col, n uint, under ID) (ID, error) {
	kind := NormalRow
	if first {
		kind = FirstRow
	}
	id, sect, err := s.create(kind, addr, size, s.get(under).State)
	if err != nil {
		return ID{}, err
	}
	sect.row = rowSect{row: row, col: col, n: n, under: under}
	return id, nil
}

// ReviveRow revives the Indirect section under a row, and with it every
// row of that section.
func (s *Space) ReviveRow(id ID) error {
	return s.reviveRow(s.get(id).row.under)
}

// RowBlock returns the indirect block a live row's entries belong to.
func (s *Space) RowBlock(id ID) (*heap.IndirectBlock, error) {
	under := s.get(s.get(id).row.under)
	if under.State != Live || under.indirect.iblock == nil {
		return nil, fmt.Errorf("row section %v is not live: %w", id, ErrInvariant)
	}
	return under.indirect.iblock, nil
}

// ReduceRow takes one entry out of a live row that is out of the store and
// returns it. The row goes back into the store unless it is used up.
func (s *Space) ReduceRow(id ID) (uint, error) {
	sect := s.get(id)
	sect.row.checkedOut = true
	fromStart, err := s.reduceRow(id)
	if err != nil {
		sect.row.checkedOut = false
		return 0, err
	}
	entry := sect.row.row*s.tbl.Width + sect.row.col
	if !fromStart {
		entry += sect.row.n - 1
	}
	if sect.row.n == 1 {
		return entry, s.freeRow(id)
	}
	if fromStart {
		sect.Addr += s.tbl.RowBlockSize[sect.row.row]
		sect.row.col++
	}
	sect.row.n--
	sect.row.checkedOut = false
	return entry, s.store.Add(id, 0)
}

// rowFirst tags a row as the first row of its tree.
func (s *Space) rowFirst(id ID) error {
	sect := s.get(id)
	if sect.Kind == FirstRow {
		return nil
	}
	if sect.row.checkedOut {
		sect.Kind = FirstRow
		return nil
	}
	if err := s.store.ChangeClass(id, FirstRow.class()); err != nil {
		return fmt.Errorf("make row %v first: %w", id, err)
	}
	sect.Kind = FirstRow
	return nil
}

func (s *Space) canMergeRow(a, b ID) bool {
	t1 := s.get(s.top(s.get(a).row.under))
	t2 := s.get(s.top(s.get(b).row.under))
	if t1 == t2 {
		return false
	}
	return t1.anchorOff() == t2.anchorOff() && t1.Addr+t1.indirect.span == t2.Addr
}

func (s *Space) mergeRow(a, b ID) error {
	if s.get(b).Addr >= s.heap.NextBlockOffset() {
		return s.shrinkIndirect(s.top(s.get(b).row.under))
	}
	if err := s.ReviveRow(a); err != nil {
		return err
	}
	if err := s.ReviveRow(b); err != nil {
		return err
	}
	// mergeRows frees a node before buildParent creates one
	return s.mergeRows(a, b)
}

func (s *Space) canShrinkRow(id ID) bool {
	return s.get(id).Addr >= s.heap.NextBlockOffset()
}

// shrinkRow drops the whole tree of a row lying past the last heap block.
func (s *Space) shrinkRow(id *ID) error {
	if err := s.shrinkIndirect(s.top(s.get(*id).row.under)); err != nil {
		return err
	}
	*id = ID{}
	return nil
}

func (s *Space) freeRow(id ID) error {
	under := s.get(id).row.under
	if err := s.destroy(id, nil); err != nil {
		return err
	}
	return s.decr(under)
}

func (s *Space) serializeRow(id ID, buf []byte) ([]byte, error) {
	sect := s.get(id)
	if sect.Kind != FirstRow {
		return buf, fmt.Errorf("serialize %s section %v: %w", sect.Kind, id, ErrInvariant)
	}
	return s.serializeIndirect(sect.row.under, buf)
}

func (s *Space) validRow(id ID) error {
	sect := s.get(id)
	if !s.sects.Valid(sect.row.under) {
		return fmt.Errorf("row %v has no indirect section: %w", id, ErrInvariant)
	}
	under := s.get(sect.row.under)
	if under.Kind != Indirect {
		return fmt.Errorf("row %v sits on a %s section: %w", id, under.Kind, ErrInvariant)
	}
	if sect.row.n == 0 {
		return fmt.Errorf("row %v is empty: %w", id, ErrInvariant)
	}
	if sect.row.checkedOut {
		return fmt.Errorf("row %v is checked out: %w", id, ErrInvariant)
	}
	idx := int(sect.row.row) - int(under.indirect.row)
	if idx < 0 || idx >= len(under.indirect.dirRows) || under.indirect.dirRows[idx] != id {
		return fmt.Errorf("row %v missing from its indirect section: %w", id, ErrInvariant)
	}
	if sect.Kind == FirstRow {
		if sect.row.row != under.indirect.row || !s.isFirst(sect.row.under) {
			return fmt.Errorf("first row %v does not start its tree: %w", id, ErrInvariant)
		}
		return s.validIndirect(s.top(sect.row.under))
	}
	return nil
}
