// Package freespace is the free-list store of a fractal heap: it indexes
// free sections by size for allocation and by address for merging, and
// drives the class callbacks that merge and shrink returned space.
package freespace

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/garethgeorge/fheapspace/internal/binencutil"
	"github.com/garethgeorge/fheapspace/internal/errormap"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

type entry struct {
	id ID
	Info
}

type Option func(m *Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithAddrWidth sets the number of bytes used for section addresses in images.
func WithAddrWidth(n int) Option {
	return func(m *Manager) {
		m.addrWidth = n
	}
}

// WithValidation calls Client.Valid after every insertion not flagged
// SkipValid or Deserializing.
func WithValidation() Option {
	return func(m *Manager) {
		m.validate = true
	}
}

// Manager is not thread-safe.
type Manager struct {
	client    Client
	classes   map[ClassID]Class
	addrWidth int
	validate  bool
	log       zerolog.Logger

	sects     map[ID]Info
	byAddr    *btree.BTreeG[entry]
	bySize    *btree.BTreeG[entry]
	mergeList *btree.BTreeG[entry]

	serialCount int
	ghostCount  int
	totalSpace  uint64
}

func byAddrLess(a, b entry) bool {
	return a.Addr < b.Addr
}

func New(client Client, classes []Class, opts ...Option) (*Manager, error) {
	m := &Manager{
		client:    client,
		classes:   make(map[ClassID]Class, len(classes)),
		addrWidth: 8,
		log:       zerolog.Nop(),
		sects:     make(map[ID]Info),
		byAddr:    btree.NewG[entry](32, byAddrLess),
		mergeList: btree.NewG[entry](32, byAddrLess),
		bySize: btree.NewG[entry](32, func(a, b entry) bool {
			if a.Size != b.Size {
				return a.Size < b.Size
			}
			return a.Addr < b.Addr
		}),
	}
	for _, c := range classes {
		if _, ok := m.classes[c.ID]; ok {
			return nil, fmt.Errorf("class %d registered twice", c.ID)
		}
		m.classes[c.ID] = c
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.addrWidth < 1 || m.addrWidth > 8 {
		return nil, fmt.Errorf("address width %d outside [1, 8]", m.addrWidth)
	}
	return m, nil
}

func (m *Manager) class(id ClassID) (Class, error) {
	c, ok := m.classes[id]
	if !ok {
		return Class{}, fmt.Errorf("class %d: %w", id, ErrUnknownClass)
	}
	return c, nil
}

// ClassName returns the registered name of a class.
func (m *Manager) ClassName(id ClassID) string {
	if c, ok := m.classes[id]; ok {
		return c.Name
	}
	return fmt.Sprintf("class(%d)", id)
}

func (m *Manager) link(id ID) error {
	if _, ok := m.sects[id]; ok {
		return fmt.Errorf("link section %v: %w", id, ErrAlreadyLinked)
	}
	info := m.client.Info(id)
	cls, err := m.class(info.Class)
	if err != nil {
		return fmt.Errorf("link section %v: %w", id, err)
	}
	e := entry{id: id, Info: info}
	if m.byAddr.Has(e) {
		return fmt.Errorf("link section %v at %d: %w", id, info.Addr, ErrDuplicateAddr)
	}

	m.sects[id] = info
	m.byAddr.ReplaceOrInsert(e)
	m.bySize.ReplaceOrInsert(e)
	if cls.Flags&SeparObj == 0 {
		m.mergeList.ReplaceOrInsert(e)
	}
	m.count(cls, 1)
	m.totalSpace += info.Size
	return nil
}

func (m *Manager) unlink(id ID) (Info, error) {
	info, ok := m.sects[id]
	if !ok {
		return Info{}, fmt.Errorf("unlink section %v: %w", id, ErrNotLinked)
	}
	cls, err := m.class(info.Class)
	if err != nil {
		return Info{}, err
	}
	e := entry{id: id, Info: info}
	delete(m.sects, id)
	m.byAddr.Delete(e)
	m.bySize.Delete(e)
	m.mergeList.Delete(e)
	m.count(cls, -1)
	m.totalSpace -= info.Size
	return info, nil
}

func (m *Manager) count(cls Class, delta int) {
	if cls.Flags&GhostObj != 0 {
		m.ghostCount += delta
	} else {
		m.serialCount += delta
	}
}

// Add inserts a section. Returned space is first merged with its neighbours
// and given back to the heap where possible; whatever survives is linked.
// On error the section is not linked and still belongs to the caller,
// unless a merge already absorbed it; the merged section is then linked.
func (m *Manager) Add(id ID, flags Flags) error {
	if err := m.client.Add(&id, &flags); err != nil {
		return fmt.Errorf("add section: %w", err)
	}
	if id.IsNil() {
		return nil
	}
	if flags&ReturnedSpace != 0 {
		orig := id
		if err := m.mergeAndShrink(&id); err != nil {
			if id != orig && !id.IsNil() && !m.Contains(id) {
				err = errors.Join(err, m.link(id))
			}
			return fmt.Errorf("add section: %w", err)
		}
		if id.IsNil() {
			return nil
		}
	}
	if err := m.link(id); err != nil {
		return err
	}
	info := m.sects[id]
	m.log.Trace().Stringer("sect", id).Str("class", m.ClassName(info.Class)).
		Uint64("addr", info.Addr).Uint64("size", info.Size).Msg("linked section")
	if m.validate && flags&(SkipValid|Deserializing) == 0 {
		if err := m.client.Valid(id); err != nil {
			return fmt.Errorf("section %v after insertion: %w", id, err)
		}
	}
	return nil
}

// below returns the merge list node at or before addr.
func (m *Manager) below(addr uint64) (entry, bool) {
	var found entry
	var ok bool
	m.mergeList.DescendLessOrEqual(entry{Info: Info{Addr: addr}}, func(e entry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// above returns the first merge list node at or after addr, skipping addr
// itself when strict is set.
func (m *Manager) above(addr uint64, strict bool) (entry, bool) {
	var found entry
	var ok bool
	m.mergeList.AscendGreaterOrEqual(entry{Info: Info{Addr: addr}}, func(e entry) bool {
		if strict && e.Addr == addr {
			return true
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

func (m *Manager) mergeable(a Info, b Info) (bool, error) {
	cls, err := m.class(a.Class)
	if err != nil {
		return false, err
	}
	return cls.Flags&MergeSym == 0 || a.Class == b.Class, nil
}

func (m *Manager) mergeAndShrink(sect *ID) error {
	for {
		modified := false
		info := m.client.Info(*sect)

		less, hasLess := m.below(info.Addr)
		var greater entry
		var hasGreater bool
		if hasLess {
			greater, hasGreater = m.above(less.Addr, true)
			ok, err := m.mergeable(less.Info, info)
			if err != nil {
				return err
			}
			if ok {
				if ok, err = m.client.CanMerge(less.id, *sect); err != nil {
					return fmt.Errorf("can merge %v and %v: %w", less.id, *sect, err)
				}
			}
			if ok {
				if _, err := m.unlink(less.id); err != nil {
					return err
				}
				merged := less.id
				m.log.Debug().Stringer("below", merged).Stringer("sect", *sect).Msg("merging with lower neighbour")
				if err := m.client.Merge(&merged, *sect); err != nil {
					return errors.Join(fmt.Errorf("merge %v into %v: %w", *sect, less.id, err), m.link(less.id))
				}
				*sect = merged
				if sect.IsNil() {
					return nil
				}
				modified = true
			}
		} else {
			greater, hasGreater = m.above(info.Addr, false)
		}

		// the lower merge may have consumed the upper neighbour
		if hasGreater {
			if _, ok := m.sects[greater.id]; !ok {
				hasGreater = false
			}
		}
		if hasGreater {
			info = m.client.Info(*sect)
			ok, err := m.mergeable(info, greater.Info)
			if err != nil {
				return err
			}
			if ok {
				if ok, err = m.client.CanMerge(*sect, greater.id); err != nil {
					return fmt.Errorf("can merge %v and %v: %w", *sect, greater.id, err)
				}
			}
			if ok {
				if _, err := m.unlink(greater.id); err != nil {
					return err
				}
				m.log.Debug().Stringer("sect", *sect).Stringer("above", greater.id).Msg("merging with upper neighbour")
				if err := m.client.Merge(sect, greater.id); err != nil {
					return errors.Join(fmt.Errorf("merge %v into %v: %w", greater.id, *sect, err), m.link(greater.id))
				}
				if sect.IsNil() {
					return nil
				}
				modified = true
			}
		}

		if !modified {
			break
		}
	}

	removeSect := false
	for !sect.IsNil() {
		ok, err := m.client.CanShrink(*sect)
		if err != nil {
			return fmt.Errorf("can shrink %v: %w", *sect, err)
		}
		if !ok {
			break
		}
		if removeSect {
			if _, err := m.unlink(*sect); err != nil {
				return err
			}
			removeSect = false
		}
		m.log.Debug().Stringer("sect", *sect).Msg("shrinking heap")
		if err := m.client.Shrink(sect); err != nil {
			return fmt.Errorf("shrink %v: %w", *sect, err)
		}
		if sect.IsNil() {
			// the new end of the heap may now be shrinkable too
			if last, ok := m.mergeList.Max(); ok {
				*sect = last.id
				removeSect = true
			}
		}
	}
	if removeSect {
		*sect = ID{}
	}
	return nil
}

// Remove unlinks a section without freeing it.
func (m *Manager) Remove(id ID) error {
	_, err := m.unlink(id)
	return err
}

// Contains reports whether id is linked.
func (m *Manager) Contains(id ID) bool {
	_, ok := m.sects[id]
	return ok
}

// ChangeClass retags a linked section, moving it on or off the merge list.
// The client updates its own record of the class.
func (m *Manager) ChangeClass(id ID, to ClassID) error {
	info, ok := m.sects[id]
	if !ok {
		return fmt.Errorf("change class of %v: %w", id, ErrNotLinked)
	}
	from, err := m.class(info.Class)
	if err != nil {
		return err
	}
	target, err := m.class(to)
	if err != nil {
		return err
	}

	m.count(from, -1)
	m.count(target, 1)
	old := entry{id: id, Info: info}
	info.Class = to
	e := entry{id: id, Info: info}
	m.sects[id] = info
	m.byAddr.ReplaceOrInsert(e)
	m.bySize.ReplaceOrInsert(e)
	if from.Flags&SeparObj == 0 {
		m.mergeList.Delete(old)
	}
	if target.Flags&SeparObj == 0 {
		m.mergeList.ReplaceOrInsert(e)
	}
	return nil
}

// Find unlinks and returns the smallest section of at least request bytes,
// preferring the lowest address among equal sizes.
func (m *Manager) Find(request uint64) (ID, bool, error) {
	var found entry
	var ok bool
	m.bySize.AscendGreaterOrEqual(entry{Info: Info{Size: request}}, func(e entry) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return ID{}, false, nil
	}
	if _, err := m.unlink(found.id); err != nil {
		return ID{}, false, err
	}
	return found.id, true, nil
}

// Iterate calls fn for every linked section in address order until fn returns false.
func (m *Manager) Iterate(fn func(id ID, info Info) bool) {
	m.byAddr.Ascend(func(e entry) bool {
		return fn(e.id, e.Info)
	})
}

func (m *Manager) Len() int {
	return len(m.sects)
}

type Stats struct {
	Sections    int
	Serial      int
	Ghost       int
	MergeList   int
	TotalSpace  uint64
	SerialBytes int
}

func (m *Manager) Stats() Stats {
	return Stats{
		Sections:    len(m.sects),
		Serial:      m.serialCount,
		Ghost:       m.ghostCount,
		MergeList:   m.mergeList.Len(),
		TotalSpace:  m.totalSpace,
		SerialBytes: m.serialSize(),
	}
}

func (m *Manager) serialSize() int {
	n := 8
	m.byAddr.Ascend(func(e entry) bool {
		cls := m.classes[e.Class]
		if cls.Flags&GhostObj == 0 {
			n += 1 + m.addrWidth + 8 + cls.SerialSize
		}
		return true
	})
	return n
}

// Serialize encodes every non-ghost section in address order.
func (m *Manager) Serialize() ([]byte, error) {
	buf := make([]byte, 0, m.serialSize())
	buf = binencutil.AppendSized(buf, uint64(m.serialCount), 8)
	var err error
	m.byAddr.Ascend(func(e entry) bool {
		cls := m.classes[e.Class]
		if cls.Flags&GhostObj != 0 {
			return true
		}
		buf = append(buf, byte(e.Class))
		buf = binencutil.AppendSized(buf, e.Addr, m.addrWidth)
		buf = binencutil.AppendSized(buf, e.Size, 8)
		before := len(buf)
		buf, err = m.client.Serialize(e.id, buf)
		if err != nil {
			err = fmt.Errorf("serialize section %v: %w", e.id, err)
			return false
		}
		if got := len(buf) - before; got != cls.SerialSize {
			err = fmt.Errorf("serialize section %v: %d payload bytes for class %s, want %d", e.id, got, cls.Name, cls.SerialSize)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Deserialize loads sections written by Serialize into the store.
func (m *Manager) Deserialize(buf []byte) error {
	d := binencutil.NewDecoder(buf)
	n := d.Sized(8)
	if d.Err() != nil {
		return fmt.Errorf("section count: %w: %w", ErrCorrupt, d.Err())
	}
	for i := uint64(0); i < n; i++ {
		classID := ClassID(d.Sized(1))
		addr := d.Sized(m.addrWidth)
		size := d.Sized(8)
		cls, err := m.class(classID)
		if err != nil {
			return fmt.Errorf("record %d: %w: %w", i, ErrCorrupt, err)
		}
		if cls.Flags&GhostObj != 0 {
			return fmt.Errorf("record %d: ghost class %s: %w", i, cls.Name, ErrCorrupt)
		}
		payload := d.Bytes(cls.SerialSize)
		if d.Err() != nil {
			return fmt.Errorf("record %d: %w: %w", i, ErrCorrupt, d.Err())
		}

		id, noAdd, err := m.client.Deserialize(classID, addr, size, payload)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if noAdd {
			continue
		}
		if err := m.Add(id, Deserializing); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", d.Remaining(), ErrCorrupt)
	}
	return nil
}

// Validate checks the indexes against each other and every section against
// its class. All failures are reported together.
func (m *Manager) Validate() error {
	errs := errormap.New("free list validation")

	var serial, ghost int
	var total uint64
	m.byAddr.Ascend(func(e entry) bool {
		key := fmt.Sprintf("%s@%d", e.id, e.Addr)
		cls, err := m.class(e.Class)
		if err != nil {
			errs.AddError(key, err)
			return true
		}
		if cls.Flags&GhostObj != 0 {
			ghost++
		} else {
			serial++
		}
		total += e.Size

		if cur := m.client.Info(e.id); cur != e.Info {
			errs.AddError(key, fmt.Errorf("%w: stored %+v, section %+v", ErrMismatch, e.Info, cur))
			return true
		}
		if !m.bySize.Has(e) {
			errs.AddError(key, fmt.Errorf("missing from size index"))
		}
		if onList := m.mergeList.Has(e); onList != (cls.Flags&SeparObj == 0) {
			errs.AddError(key, fmt.Errorf("merge list membership %t for class %s", onList, cls.Name))
		}
		errs.AddError(key, m.client.Valid(e.id))
		return true
	})

	if m.byAddr.Len() != len(m.sects) || m.bySize.Len() != len(m.sects) {
		errs.AddError("indexes", fmt.Errorf("%d sections, %d by address, %d by size", len(m.sects), m.byAddr.Len(), m.bySize.Len()))
	}
	if serial != m.serialCount || ghost != m.ghostCount {
		errs.AddError("counts", fmt.Errorf("counted %d serial and %d ghost, tracking %d and %d", serial, ghost, m.serialCount, m.ghostCount))
	}
	if total != m.totalSpace {
		errs.AddError("space", fmt.Errorf("counted %d bytes, tracking %d", total, m.totalSpace))
	}
	return errs.Err()
}

// Dump writes every linked section in address order.
func (m *Manager) Dump(w io.Writer) error {
	st := m.Stats()
	if _, err := fmt.Fprintf(w, "%d sections (%d serial, %d ghost), %s free\n",
		st.Sections, st.Serial, st.Ghost, humanize.IBytes(st.TotalSpace)); err != nil {
		return err
	}
	var err error
	m.byAddr.Ascend(func(e entry) bool {
		if _, err = fmt.Fprintf(w, "%s %s addr=%d size=%d\n", e.id, m.ClassName(e.Class), e.Addr, e.Size); err != nil {
			return false
		}
		err = m.client.Debug(w, e.id, 3)
		return err == nil
	})
	return err
}

// Close unlinks and frees every section.
func (m *Manager) Close() error {
	ids := make([]ID, 0, len(m.sects))
	m.byAddr.Ascend(func(e entry) bool {
		ids = append(ids, e.id)
		return true
	})
	errs := errormap.New("free list close")
	for _, id := range ids {
		if _, err := m.unlink(id); err != nil {
			errs.AddError(id.String(), err)
			continue
		}
		errs.AddError(id.String(), m.client.Free(id))
	}
	return errs.Err()
}
