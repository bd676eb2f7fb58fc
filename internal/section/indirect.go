package section

import (
	"errors"
	"fmt"
	"slices"

	"github.com/garethgeorge/fheapspace/internal/binencutil"
	"github.com/garethgeorge/fheapspace/internal/freespace"
	"github.com/garethgeorge/fheapspace/internal/heap"
)

// anchorOff is the heap offset of the indirect block an Indirect section describes.
func (s *Section) anchorOff() uint64 {
	if s.indirect.iblock != nil {
		return s.indirect.iblock.BlockOff
	}
	return s.indirect.iblockOff
}

func (s *Space) entryBounds(sect *Section) (start, end uint) {
	start = sect.indirect.row*s.tbl.Width + sect.indirect.col
	return start, start + sect.indirect.n - 1
}

// newIndirect creates an Indirect section over n entries of an indirect
// block starting at (row, col). The section is Live and pins ib when ib is
// set; otherwise it is Serialized and only knows the block's offset.
func (s *Space) newIndirect(addr, size uint64, ib *heap.IndirectBlock, iblockOff uint64, row, col, n uint) (ID, *Section, error) {
	state := Serialized
	if ib != nil {
		state = Live
	}
	id, sect, err := s.create(Indirect, addr, size, state)
	if err != nil {
		return ID{}, nil, err
	}
	sect.indirect = indirectSect{
		iblockOff: iblockOff,
		row:       row,
		col:       col,
		n:         n,
		span:      s.tbl.SpanSize(row, col, n),
	}
	if ib != nil {
		ib.Incr()
		sect.indirect.iblock = ib
		sect.indirect.iblockOff = ib.BlockOff
		sect.indirect.iblockEntries = s.tbl.Width * ib.MaxRows
	}
	return id, sect, nil
}

// initRows builds the rows and child sections covering entries
// (startRow, startCol) through (endRow, endCol). Direct rows are added to
// the store with flags, except the very first one when firstRowOut is set,
// which is handed back instead. On error the caller tears the partial tree
// down with discard.
func (s *Space) initRows(id ID, firstChild bool, firstRowOut *ID, flags freespace.Flags, startRow, startCol, endRow, endCol uint) error {
	sect := s.get(id)
	w := s.tbl.Width
	maxDir := s.tbl.MaxDirectRows

	var dirNrows uint
	if startRow < maxDir {
		dirNrows = min(endRow, maxDir-1) - startRow + 1
	}
	var indirNents, indirStart uint
	if endRow >= maxDir {
		indirStart = maxDir * w
		if startRow >= maxDir {
			indirStart = startRow*w + startCol
		}
		indirNents = endRow*w + endCol - indirStart + 1
	}
	sect.indirect.rc = 0
	sect.indirect.dirRows = make([]ID, 0, dirNrows)
	sect.indirect.indir = make([]ID, 0, indirNents)

	currOff := sect.Addr
	currEntry := startRow*w + startCol
	rowCol := startCol
	for u := startRow; u < startRow+dirNrows; u++ {
		var entries uint
		switch {
		case u == startRow && startRow == endRow:
			entries = endCol - startCol + 1
		case u == startRow:
			entries = w - startCol
		case u < endRow:
			entries = w
		default:
			entries = endCol + 1
		}
		rowID, err := s.newRow(currOff, s.tbl.DirectCapacity(s.tbl.RowBlockSize[u]), firstChild, u, rowCol, entries, id)
		if err != nil {
			return err
		}
		sect.indirect.dirRows = append(sect.indirect.dirRows, rowID)
		sect.indirect.rc++
		if firstRowOut != nil {
			*firstRowOut = rowID
		} else if err := s.store.Add(rowID, flags); err != nil {
			return err
		}
		currOff += uint64(entries) * s.tbl.RowBlockSize[u]
		currEntry += entries
		rowCol = 0
		firstChild = false
		firstRowOut = nil
	}

	row, col := indirStart/w, indirStart%w
	for v := uint(0); v < indirNents; v++ {
		childNrows := s.tbl.SizeToRows(s.tbl.RowBlockSize[row])
		var childBlock *heap.IndirectBlock
		if sect.State == Live {
			if addr := sect.indirect.iblock.EntryAddr(currEntry); addr != heap.UndefAddr {
				var err error
				if childBlock, err = s.heap.ProtectIndirect(addr); err != nil {
					return fmt.Errorf("child of indirect section %v: %w: %w", id, ErrBlockLookup, err)
				}
			}
		}
		childID, child, err := s.newIndirect(currOff, 0, childBlock, currOff, 0, 0, childNrows*w)
		if err != nil {
			return err
		}
		child.indirect.parent = id
		child.indirect.parEntry = currEntry
		sect.indirect.indir = append(sect.indirect.indir, childID)
		sect.indirect.rc++
		if err := s.initRows(childID, firstChild, firstRowOut, flags, 0, 0, childNrows-1, w-1); err != nil {
			return err
		}
		currOff += s.tbl.RowBlockSize[row]
		currEntry++
		if col++; col == w {
			row++
			col = 0
		}
		firstChild = false
		firstRowOut = nil
	}
	return nil
}

// discard tears down a tree built by initRows that never became reachable
// from the store, unlinking any rows already added.
func (s *Space) discard(id ID) error {
	sect := s.get(id)
	var errs []error
	for _, r := range sect.indirect.dirRows {
		if s.store.Contains(r) {
			errs = append(errs, s.store.Remove(r))
		}
		errs = append(errs, s.destroy(r, nil))
	}
	for _, c := range sect.indirect.indir {
		errs = append(errs, s.discard(c))
	}
	errs = append(errs, s.destroy(id, sect.indirect.iblock))
	return errors.Join(errs...)
}

// AddSkippedEntries publishes n entries of ib starting at startEntry as free
// space. The heap skips entries when it moves on to larger blocks.
func (s *Space) AddSkippedEntries(ib *heap.IndirectBlock, startEntry, n uint) error {
	if n == 0 || startEntry+n > uint(len(ib.Ents)) {
		return fmt.Errorf("skip %d entries from %d of a %d entry block: %w", n, startEntry, len(ib.Ents), ErrInvariant)
	}
	w := s.tbl.Width
	startRow, startCol := startEntry/w, startEntry%w
	endEntry := startEntry + n - 1
	off := ib.BlockOff + s.tbl.EntryOffset(startRow, startCol)

	id, _, err := s.newIndirect(off, 0, ib, ib.BlockOff, startRow, startCol, n)
	if err != nil {
		return err
	}
	var first ID
	if err := s.initRows(id, true, &first, freespace.SkipValid, startRow, startCol, endEntry/w, endEntry%w); err != nil {
		return errors.Join(err, s.discard(id))
	}
	s.log.Debug().Uint64("block_off", ib.BlockOff).Uint("start_entry", startEntry).Uint("entries", n).
		Msg("added skipped entries")
	return s.store.Add(first, freespace.ReturnedSpace)
}

// forRow builds the one-row Indirect section under a row promoted from a
// single section.
func (s *Space) forRow(ib *heap.IndirectBlock, rowID ID, addr, size uint64, row, col uint) (ID, error) {
	id, sect, err := s.newIndirect(addr, size, ib, ib.BlockOff, row, col, 1)
	if err != nil {
		return ID{}, err
	}
	sect.indirect.dirRows = []ID{rowID}
	sect.indirect.rc = 1
	return id, nil
}

// decr drops one dependent of a section, freeing it and walking up when
// none are left.
func (s *Space) decr(id ID) error {
	sect := s.get(id)
	sect.indirect.rc--
	if sect.indirect.rc < 0 {
		return fmt.Errorf("indirect section %v: %w: negative reference count", id, ErrInvariant)
	}
	if sect.indirect.rc > 0 {
		return nil
	}
	parent := sect.indirect.parent
	if err := s.freeIndirect(id); err != nil {
		return err
	}
	if !parent.IsNil() {
		return s.decr(parent)
	}
	return nil
}

func (s *Space) freeIndirect(id ID) error {
	sect := s.get(id)
	return s.destroy(id, sect.indirect.iblock)
}

// reviveRow revives the section holding a row from the block that contains
// its first entry.
func (s *Space) reviveRow(id ID) error {
	sect := s.get(id)
	if sect.State == Live {
		return nil
	}
	ib, _, err := s.heap.Locate(sect.Addr)
	if err != nil {
		return fmt.Errorf("revive indirect section at %d: %w: %w", sect.Addr, ErrBlockLookup, err)
	}
	return s.revive(id, ib)
}

// revive anchors a Serialized section on ib and revives its Serialized
// ancestors from ib's ancestors.
func (s *Space) revive(id ID, ib *heap.IndirectBlock) error {
	sect := s.get(id)
	if sect.State == Live {
		return nil
	}
	if ib == nil || ib.BlockOff != sect.indirect.iblockOff {
		return fmt.Errorf("revive indirect section for block at offset %d: %w", sect.indirect.iblockOff, ErrBlockLookup)
	}
	ib.Incr()
	sect.indirect.iblock = ib
	sect.indirect.iblockEntries = s.tbl.Width * ib.MaxRows
	sect.State = Live
	for _, r := range sect.indirect.dirRows {
		s.get(r).State = Live
	}
	s.log.Trace().Stringer("sect", id).Uint64("block_off", ib.BlockOff).Msg("revived indirect section")
	if p := sect.indirect.parent; !p.IsNil() && s.get(p).State == Serialized {
		return s.revive(p, ib.Parent)
	}
	return nil
}

// depth counts the ancestors of a section.
func (s *Space) depth(id ID) int {
	n := 0
	for p := s.get(id).indirect.parent; !p.IsNil(); p = s.get(p).indirect.parent {
		n++
	}
	return n
}

// detach takes a section out of its parent, which loses the entry. When
// retag is set and the section did not hold its tree's first row, its own
// first row is tagged.
func (s *Space) detach(id ID, retag bool) error {
	sect := s.get(id)
	p := sect.indirect.parent
	if p.IsNil() {
		return nil
	}
	first := s.isFirst(id)
	if err := s.reduce(p, sect.indirect.parEntry); err != nil {
		return fmt.Errorf("detach indirect section %v: %w", id, err)
	}
	sect.indirect.parent = ID{}
	sect.indirect.parEntry = 0
	if retag && !first {
		return s.first(id)
	}
	return nil
}

// peerSpec describes a peer section carved out of an existing one.
type peerSpec struct {
	addr        uint64
	row, col, n uint
	dirRows     []ID
	indir       []ID
}

// split creates a peer section over p's entries of the same block and
// moves p's rows and children into it. The caller trims the moved entries
// off the original section.
func (s *Space) split(id ID, p peerSpec) (ID, error) {
	sect := s.get(id)
	peerID, peer, err := s.newIndirect(p.addr, sect.Size, sect.indirect.iblock, sect.indirect.iblockOff, p.row, p.col, p.n)
	if err != nil {
		return ID{}, err
	}
	peer.indirect.dirRows = slices.Clone(p.dirRows)
	peer.indirect.indir = slices.Clone(p.indir)
	for _, r := range peer.indirect.dirRows {
		s.get(r).row.under = peerID
	}
	for _, c := range peer.indirect.indir {
		s.get(c).indirect.parent = peerID
	}
	moved := len(p.dirRows) + len(p.indir)
	peer.indirect.rc = moved
	sect.indirect.rc -= moved
	peer.indirect.iblockEntries = sect.indirect.iblockEntries
	s.log.Debug().Stringer("sect", id).Stringer("peer", peerID).Uint("peer_entries", p.n).Msg("split indirect section")
	return peerID, nil
}

// reduceRow removes one entry of a checked out row from the section under
// it and reports whether the entry is the row's first (otherwise its last).
// Taking an entry from the middle of the section splits off the rows before
// it into a peer section.
func (s *Space) reduceRow(rowID ID) (fromStart bool, err error) {
	w := s.tbl.Width
	rs := s.get(rowID)
	id := rs.row.under
	sect := s.get(id)

	rowStart := rs.row.row*w + rs.row.col
	rowEnd := rowStart + rs.row.n - 1
	startRow, startCol := sect.indirect.row, sect.indirect.col
	startEntry, endEntry := s.entryBounds(sect)
	endRow := endEntry / w

	fromStart = rowEnd != endEntry || startRow == endRow
	rowEntry := rowStart
	if !fromStart {
		rowEntry = rowEnd
	}
	interior := sect.indirect.n > 1 && rowEntry != startEntry && rowEntry != endEntry
	need := s.depth(id)
	if interior {
		need++
	}
	if err := s.reserve(need); err != nil {
		return false, err
	}

	if err := s.detach(id, true); err != nil {
		return false, err
	}

	if sect.indirect.n == 1 {
		sect.indirect.n = 0
		sect.indirect.dirRows = nil
		sect.indirect.span = 0
		return fromStart, nil
	}

	switch rowEntry {
	case startEntry:
		sect.Addr += s.tbl.RowBlockSize[sect.indirect.row]
		sect.indirect.col++
		if sect.indirect.col == w {
			sect.indirect.row++
			sect.indirect.col = 0
			sect.indirect.dirRows = slices.Delete(sect.indirect.dirRows, 0, 1)
			if len(sect.indirect.dirRows) > 0 {
				if rs.Kind == FirstRow {
					if err := s.rowFirst(sect.indirect.dirRows[0]); err != nil {
						return false, err
					}
				}
			} else {
				sect.indirect.dirRows = nil
				if rs.Kind == FirstRow {
					if err := s.first(sect.indirect.indir[0]); err != nil {
						return false, err
					}
				}
			}
		}
		sect.indirect.n--
	case endEntry:
		sect.indirect.n--
		if newEndRow := (startEntry + sect.indirect.n - 1) / w; newEndRow < endRow {
			sect.indirect.dirRows = sect.indirect.dirRows[:len(sect.indirect.dirRows)-1]
		}
	default:
		newStartRow := rs.row.row
		peerN := rowEntry - startEntry
		peerDir := newStartRow - startRow
		if _, err := s.split(id, peerSpec{
			addr:    sect.Addr,
			row:     startRow,
			col:     startCol,
			n:       peerN,
			dirRows: sect.indirect.dirRows[:peerDir],
		}); err != nil {
			return false, err
		}
		sect.indirect.dirRows = slices.Delete(sect.indirect.dirRows, 0, int(peerDir))
		// checked out, so the store needs no class change
		rs.Kind = FirstRow
		sect.Addr = rs.Addr + s.tbl.RowBlockSize[newStartRow]
		sect.indirect.row = newStartRow
		sect.indirect.col = rs.row.col + 1
		sect.indirect.n -= peerN + 1
	}
	sect.indirect.span = s.tbl.SpanSize(sect.indirect.row, sect.indirect.col, sect.indirect.n)
	return fromStart, nil
}

// reduce removes the child section at childEntry from a section. Taking a
// child from the middle moves the children after it into a peer section.
func (s *Space) reduce(id ID, childEntry uint) error {
	w := s.tbl.Width
	sect := s.get(id)
	startRow := sect.indirect.row
	startEntry, endEntry := s.entryBounds(sect)

	if sect.indirect.n > 1 {
		if err := s.detach(id, true); err != nil {
			return err
		}
		switch childEntry {
		case startEntry:
			sect.Addr += s.tbl.RowBlockSize[startRow]
			if sect.indirect.col++; sect.indirect.col == w {
				sect.indirect.row++
				sect.indirect.col = 0
			}
			sect.indirect.n--
			sect.indirect.indir = slices.Delete(sect.indirect.indir, 0, 1)
			if err := s.first(sect.indirect.indir[0]); err != nil {
				return err
			}
		case endEntry:
			sect.indirect.n--
			sect.indirect.indir = sect.indirect.indir[:len(sect.indirect.indir)-1]
		default:
			peerN := endEntry - childEntry
			peerStart := childEntry + 1
			newN := sect.indirect.n - (peerN + 1)
			peerAddr := sect.Addr + s.tbl.SpanSize(sect.indirect.row, sect.indirect.col, newN) +
				s.tbl.RowBlockSize[childEntry/w]
			k := len(sect.indirect.indir) - int(peerN)
			peerID, err := s.split(id, peerSpec{
				addr:  peerAddr,
				row:   peerStart / w,
				col:   peerStart % w,
				n:     peerN,
				indir: sect.indirect.indir[k:],
			})
			if err != nil {
				return err
			}
			sect.indirect.n = newN
			sect.indirect.indir = slices.Clone(sect.indirect.indir[:k-1])
			if err := s.first(s.get(peerID).indirect.indir[0]); err != nil {
				return err
			}
		}
		sect.indirect.span = s.tbl.SpanSize(sect.indirect.row, sect.indirect.col, sect.indirect.n)
	} else {
		// the section disappears with its only child, so its parent loses
		// the entry as well
		if err := s.detach(id, false); err != nil {
			return err
		}
		sect.indirect.n = 0
		sect.indirect.indir = nil
		sect.indirect.span = 0
	}
	if len(sect.indirect.indir) == 0 {
		sect.indirect.indir = nil
	}
	return s.decr(id)
}

// isFirst reports whether a section starts every section above it.
func (s *Space) isFirst(id ID) bool {
	sect := s.get(id)
	p := sect.indirect.parent
	if p.IsNil() {
		return true
	}
	return sect.Addr == s.get(p).Addr && s.isFirst(p)
}

// first tags the first row of a section's subtree.
func (s *Space) first(id ID) error {
	sect := s.get(id)
	if len(sect.indirect.dirRows) > 0 {
		return s.rowFirst(sect.indirect.dirRows[0])
	}
	if len(sect.indirect.indir) == 0 {
		return fmt.Errorf("indirect section %v has no entries: %w", id, ErrInvariant)
	}
	return s.first(sect.indirect.indir[0])
}

func (s *Space) top(id ID) ID {
	for {
		p := s.get(id).indirect.parent
		if p.IsNil() {
			return id
		}
		id = p
	}
}

// mergeRows joins the trees of two live first rows whose top sections are
// adjacent in the same block. Rows meeting in one block row are fused.
func (s *Space) mergeRows(r1, r2 ID) error {
	w := s.tbl.Width
	row1, row2 := s.get(r1), s.get(r2)
	s1ID, s2ID := s.top(row1.row.under), s.top(row2.row.under)
	s1, s2 := s.get(s1ID), s.get(s2ID)

	_, endEntry1 := s.entryBounds(s1)
	endRow1 := endEntry1 / w
	startRow2 := s2.indirect.row

	merged := false
	if len(s2.indirect.dirRows) > 0 {
		src := 0
		under1, under2 := s.get(row1.row.under), s.get(row2.row.under)
		if under1.anchorOff() == under2.anchorOff() && endRow1 == startRow2 {
			last := r1
			if row1.row.row != endRow1 {
				last = s1.indirect.dirRows[len(s1.indirect.dirRows)-1]
			}
			s.get(last).row.n += row2.row.n
			src = 1
			merged = true
		}
		moved := s2.indirect.dirRows[src:]
		for _, r := range moved {
			s.get(r).row.under = s1ID
		}
		s1.indirect.dirRows = append(s1.indirect.dirRows, moved...)
		s1.indirect.rc += len(moved)
		s2.indirect.rc -= len(moved)
		s2.indirect.dirRows = s2.indirect.dirRows[:src]
	}
	if len(s2.indirect.indir) > 0 {
		for _, c := range s2.indirect.indir {
			s.get(c).indirect.parent = s1ID
		}
		s1.indirect.indir = append(s1.indirect.indir, s2.indirect.indir...)
		s1.indirect.rc += len(s2.indirect.indir)
		s2.indirect.rc -= len(s2.indirect.indir)
		s2.indirect.indir = nil
	}
	s1.indirect.n += s2.indirect.n
	s1.indirect.span += s2.indirect.span
	s.log.Debug().Stringer("sect", s1ID).Stringer("absorbed", s2ID).Bool("fused_row", merged).
		Uint("entries", s1.indirect.n).Msg("merged indirect sections")

	if merged {
		// the fused row was s2's last dependent
		if err := s.freeRow(r2); err != nil {
			return err
		}
	} else {
		if p := s2.indirect.parent; !p.IsNil() {
			if err := s.decr(p); err != nil {
				return err
			}
		}
		if err := s.freeIndirect(s2ID); err != nil {
			return err
		}
		row2.Kind = NormalRow
		if err := s.store.Add(r2, freespace.SkipValid); err != nil {
			return err
		}
	}

	if s1.indirect.n == s1.indirect.iblockEntries {
		return s.buildParent(s1ID)
	}
	return nil
}

// buildParent gives a section covering its whole block a one-entry parent
// in the block above, so it can merge at that level.
func (s *Space) buildParent(id ID) error {
	sect := s.get(id)
	ib := sect.indirect.iblock
	if ib == nil {
		return fmt.Errorf("build parent of serialized section %v: %w", id, ErrInvariant)
	}
	if ib.Parent == nil {
		return nil
	}
	w := s.tbl.Width
	parEntry := ib.ParEntry
	parID, par, err := s.newIndirect(sect.Addr, sect.Size, ib.Parent, ib.Parent.BlockOff, parEntry/w, parEntry%w, 1)
	if err != nil {
		return err
	}
	par.indirect.indir = []ID{id}
	par.indirect.rc = 1
	sect.indirect.parent = parID
	sect.indirect.parEntry = parEntry
	s.log.Debug().Stringer("sect", id).Stringer("parent", parID).Uint64("block_off", ib.Parent.BlockOff).
		Uint("entry", parEntry).Msg("built parent section")
	return nil
}

// shrinkIndirect frees a whole tree. Normal rows leave the store; the first
// row is already out of it.
func (s *Space) shrinkIndirect(id ID) error {
	sect := s.get(id)
	for _, r := range sect.indirect.dirRows {
		if s.get(r).Kind != FirstRow {
			if err := s.store.Remove(r); err != nil {
				return err
			}
		}
		if err := s.destroy(r, nil); err != nil {
			return err
		}
	}
	for _, c := range sect.indirect.indir {
		if err := s.shrinkIndirect(c); err != nil {
			return err
		}
	}
	s.log.Debug().Stringer("sect", id).Uint64("addr", sect.Addr).Uint("entries", sect.indirect.n).Msg("shrank indirect section")
	return s.freeIndirect(id)
}

// serializeIndirect encodes the top section of id's tree, reached through
// the parents id starts.
func (s *Space) serializeIndirect(id ID, buf []byte) ([]byte, error) {
	sect := s.get(id)
	if p := sect.indirect.parent; !p.IsNil() {
		if sect.Addr != s.get(p).Addr {
			return buf, fmt.Errorf("serialize indirect section %v from inside its parent: %w", id, ErrInvariant)
		}
		return s.serializeIndirect(p, buf)
	}
	if sect.indirect.row > 0xffff || sect.indirect.col > 0xffff || sect.indirect.n > 0xffff {
		return buf, fmt.Errorf("indirect section %v does not fit its record: %w", id, ErrInvariant)
	}
	buf = binencutil.AppendSized(buf, sect.anchorOff(), s.tbl.HeapOffSize)
	buf = binencutil.AppendUint16(buf, uint16(sect.indirect.row))
	buf = binencutil.AppendUint16(buf, uint16(sect.indirect.col))
	buf = binencutil.AppendUint16(buf, uint16(sect.indirect.n))
	return buf, nil
}

// deserializeIndirect rebuilds a whole tree from its top section's record.
// Every row is added to the store here.
func (s *Space) deserializeIndirect(addr, size uint64, payload []byte) (ID, error) {
	d := binencutil.NewDecoder(payload)
	off := d.Sized(s.tbl.HeapOffSize)
	row, col, n := uint(d.Uint16()), uint(d.Uint16()), uint(d.Uint16())
	if d.Err() != nil {
		return ID{}, fmt.Errorf("indirect section record: %w: %w", freespace.ErrCorrupt, d.Err())
	}
	w := s.tbl.Width
	if n == 0 || col >= w || row*w+col+n > s.tbl.MaxRootRows*w {
		return ID{}, fmt.Errorf("indirect section record row %d col %d entries %d: %w", row, col, n, freespace.ErrCorrupt)
	}
	id, _, err := s.newIndirect(addr, size, nil, off, row, col, n)
	if err != nil {
		return ID{}, err
	}
	end := row*w + col + n - 1
	if err := s.initRows(id, true, nil, freespace.Deserializing, row, col, end/w, end%w); err != nil {
		return ID{}, errors.Join(err, s.discard(id))
	}
	return id, nil
}

// validIndirect checks a section and its subtree.
func (s *Space) validIndirect(id ID) error {
	w := s.tbl.Width
	maxDir := s.tbl.MaxDirectRows
	sect := s.get(id)
	in := &sect.indirect
	if in.n == 0 {
		return fmt.Errorf("indirect section %v is empty: %w", id, ErrInvariant)
	}
	if in.rc != len(in.dirRows)+len(in.indir) {
		return fmt.Errorf("indirect section %v: reference count %d with %d rows and %d children: %w",
			id, in.rc, len(in.dirRows), len(in.indir), ErrInvariant)
	}
	if want := s.tbl.SpanSize(in.row, in.col, in.n); in.span != want {
		return fmt.Errorf("indirect section %v: span %d, want %d: %w", id, in.span, want, ErrInvariant)
	}
	startEntry, endEntry := s.entryBounds(sect)
	startRow, endRow := in.row, endEntry/w

	var wantDir, wantIndir int
	if startRow < maxDir {
		wantDir = int(min(endRow, maxDir-1) - startRow + 1)
	}
	if endRow >= maxDir {
		wantIndir = int(endEntry - max(startEntry, maxDir*w) + 1)
	}
	if len(in.dirRows) != wantDir || len(in.indir) != wantIndir {
		return fmt.Errorf("indirect section %v: %d rows and %d children, want %d and %d: %w",
			id, len(in.dirRows), len(in.indir), wantDir, wantIndir, ErrInvariant)
	}

	for u, r := range in.dirRows {
		rs := s.get(r)
		switch {
		case !rs.Kind.isRow():
			return fmt.Errorf("indirect section %v: row slot %d holds a %s section: %w", id, u, rs.Kind, ErrInvariant)
		case rs.row.under != id:
			return fmt.Errorf("indirect section %v: row %v points elsewhere: %w", id, r, ErrInvariant)
		case rs.row.row != startRow+uint(u):
			return fmt.Errorf("indirect section %v: row %v at block row %d, want %d: %w", id, r, rs.row.row, startRow+uint(u), ErrInvariant)
		case rs.State != sect.State:
			return fmt.Errorf("indirect section %v is %s but row %v is %s: %w", id, sect.State, r, rs.State, ErrInvariant)
		case u == 0 && rs.Addr != sect.Addr:
			return fmt.Errorf("indirect section %v at %d starts with row at %d: %w", id, sect.Addr, rs.Addr, ErrInvariant)
		}
		if u > 0 {
			prev := s.get(in.dirRows[u-1])
			if prev.Addr >= rs.Addr || prev.Size > rs.Size {
				return fmt.Errorf("indirect section %v: rows %v and %v out of order: %w", id, in.dirRows[u-1], r, ErrInvariant)
			}
		}
	}
	var prevAddr uint64
	for u, c := range in.indir {
		cs := s.get(c)
		switch {
		case cs.Kind != Indirect:
			return fmt.Errorf("indirect section %v: child slot %d holds a %s section: %w", id, u, cs.Kind, ErrInvariant)
		case cs.indirect.parent != id:
			return fmt.Errorf("indirect section %v: child %v points elsewhere: %w", id, c, ErrInvariant)
		case sect.State == Serialized && cs.State == Live:
			return fmt.Errorf("serialized indirect section %v has live child %v: %w", id, c, ErrInvariant)
		case u > 0 && cs.Addr <= prevAddr:
			return fmt.Errorf("indirect section %v: children out of order at %v: %w", id, c, ErrInvariant)
		}
		prevAddr = cs.Addr
		if err := s.validIndirect(c); err != nil {
			return err
		}
	}
	if sect.State == Live && in.n > in.iblockEntries {
		return fmt.Errorf("indirect section %v: %d entries in a %d entry block: %w", id, in.n, in.iblockEntries, ErrInvariant)
	}
	return nil
}
