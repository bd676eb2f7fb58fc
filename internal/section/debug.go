package section

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/garethgeorge/fheapspace/internal/errormap"
)

// Debug writes the class detail of a linked section. A first row also
// writes the whole tree it stands for.
func (s *Space) Debug(w io.Writer, id ID, indent int) error {
	sect := s.get(id)
	switch sect.Kind {
	case Single:
		if sect.State != Live {
			_, err := fmt.Fprintf(w, "%*s%s\n", indent, "", sect.State)
			return err
		}
		if p := sect.single.parent; p != nil {
			_, err := fmt.Fprintf(w, "%*sentry %d of indirect block %d\n", indent, "", sect.single.parEntry, p.Addr)
			return err
		}
		_, err := fmt.Fprintf(w, "%*sroot direct block\n", indent, "")
		return err
	case FirstRow, NormalRow:
		if _, err := fmt.Fprintf(w, "%*srow %d col %d entries %d under %v\n",
			indent, "", sect.row.row, sect.row.col, sect.row.n, sect.row.under); err != nil {
			return err
		}
		if sect.Kind == FirstRow {
			return s.debugIndirect(w, s.top(sect.row.under), indent+3)
		}
		return nil
	case Indirect:
		return s.debugIndirect(w, id, indent)
	}
	return unknownKind(id)
}

func (s *Space) debugIndirect(w io.Writer, id ID, indent int) error {
	sect := s.get(id)
	in := &sect.indirect
	if _, err := fmt.Fprintf(w, "%*sindirect %v %s block_off=%d row=%d col=%d entries=%d span=%s rc=%d\n",
		indent, "", id, sect.State, sect.anchorOff(), in.row, in.col, in.n, humanize.IBytes(in.span), in.rc); err != nil {
		return err
	}
	for _, r := range in.dirRows {
		rs := s.get(r)
		if _, err := fmt.Fprintf(w, "%*s%s %v addr=%d row=%d col=%d entries=%d\n",
			indent+3, "", rs.Kind, r, rs.Addr, rs.row.row, rs.row.col, rs.row.n); err != nil {
			return err
		}
	}
	for _, c := range in.indir {
		if err := s.debugIndirect(w, c, indent+3); err != nil {
			return err
		}
	}
	return nil
}

// CheckInvariants walks every section node and checks the links between
// them, the first row of every tree and the pins held on indirect blocks.
// It only holds between operations.
func (s *Space) CheckInvariants() error {
	errs := errormap.New("section invariants")
	pins := make(map[uint64]int)
	firstRows := make(map[ID]int)

	s.sects.All(func(id ID, v **Section) bool {
		sect := *v
		key := fmt.Sprintf("%s %v", sect.Kind, id)
		switch sect.Kind {
		case Single:
			if sect.State == Live && sect.single.parent != nil {
				pins[sect.single.parent.Addr]++
			}
			if !s.store.Contains(id) {
				errs.AddError(key, fmt.Errorf("single section is not in the free list"))
			}
		case FirstRow, NormalRow:
			if !s.store.Contains(id) {
				errs.AddError(key, fmt.Errorf("row is not in the free list"))
			}
			if !s.sects.Valid(sect.row.under) {
				errs.AddError(key, fmt.Errorf("dangling indirect section %v", sect.row.under))
				return true
			}
			if sect.Kind == FirstRow {
				firstRows[s.top(sect.row.under)]++
			}
			errs.AddError(key, s.validRow(id))
		case Indirect:
			in := &sect.indirect
			if sect.State == Live {
				if in.iblock == nil {
					errs.AddError(key, fmt.Errorf("live section without a block"))
				} else {
					pins[in.iblock.Addr]++
				}
			}
			if in.rc != len(in.dirRows)+len(in.indir) {
				errs.AddError(key, fmt.Errorf("reference count %d with %d rows and %d children",
					in.rc, len(in.dirRows), len(in.indir)))
			}
			if p := in.parent; !p.IsNil() {
				if !s.sects.Valid(p) {
					errs.AddError(key, fmt.Errorf("dangling parent %v", p))
					return true
				}
				ps := s.get(p)
				if sect.State == Live && ps.State != Live {
					errs.AddError(key, fmt.Errorf("live section under serialized parent %v", p))
				}
				found := false
				for _, c := range ps.indirect.indir {
					found = found || c == id
				}
				if !found {
					errs.AddError(key, fmt.Errorf("missing from children of parent %v", p))
				}
			} else {
				errs.AddError(key, s.validIndirect(id))
			}
		}
		return true
	})

	s.sects.All(func(id ID, v **Section) bool {
		sect := *v
		if sect.Kind == Indirect && sect.indirect.parent.IsNil() {
			if n := firstRows[id]; n != 1 {
				errs.AddError(fmt.Sprintf("indirect %v", id), fmt.Errorf("tree has %d first rows", n))
			}
		}
		return true
	})

	for addr, n := range s.heap.Pins() {
		if pins[addr] != n {
			errs.AddError(fmt.Sprintf("indirect block %d", addr), fmt.Errorf("pinned %d times, sections hold %d", n, pins[addr]))
		}
	}
	return errs.Err()
}
