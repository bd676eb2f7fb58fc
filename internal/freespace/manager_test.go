package freespace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/garethgeorge/fheapspace/internal/arena"
	"github.com/garethgeorge/fheapspace/internal/binencutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	classExtent ClassID = iota
	classOther
	classSide
	classGhost
)

var testClasses = []Class{
	{ID: classExtent, Name: "extent", Flags: MergeSym, SerialSize: 2},
	{ID: classOther, Name: "other", Flags: MergeSym, SerialSize: 2},
	{ID: classSide, Name: "side", Flags: MergeSym | SeparObj, SerialSize: 2},
	{ID: classGhost, Name: "ghost", Flags: MergeSym | SeparObj | GhostObj},
}

type extent struct {
	Info
	tag uint16
}

// extentClient manages plain byte ranges below an end-of-file mark.
type extentClient struct {
	sects *arena.Arena[extent]
	eoa   uint64
	store *Manager

	addFlags []Flags
	mergeErr error
}

func newExtentClient(t *testing.T, eoa uint64) *extentClient {
	t.Helper()
	c := &extentClient{sects: arena.New[extent](16), eoa: eoa}
	m, err := New(c, testClasses, WithAddrWidth(4), WithValidation())
	require.NoError(t, err)
	c.store = m
	return c
}

func (c *extentClient) new(class ClassID, addr, size uint64) ID {
	return c.sects.Alloc(extent{Info: Info{Addr: addr, Size: size, Class: class}})
}

func (c *extentClient) Info(id ID) Info {
	return c.sects.Get(id).Info
}

func (c *extentClient) Add(id *ID, flags *Flags) error {
	c.addFlags = append(c.addFlags, *flags)
	return nil
}

func (c *extentClient) CanMerge(a, b ID) (bool, error) {
	sa, sb := c.sects.Get(a), c.sects.Get(b)
	return sa.Addr+sa.Size == sb.Addr, nil
}

func (c *extentClient) Merge(a *ID, b ID) error {
	if c.mergeErr != nil {
		return c.mergeErr
	}
	size := c.sects.Get(b).Size
	c.sects.Get(*a).Size += size
	return c.sects.Free(b)
}

func (c *extentClient) CanShrink(id ID) (bool, error) {
	s := c.sects.Get(id)
	return s.Addr+s.Size == c.eoa, nil
}

func (c *extentClient) Shrink(id *ID) error {
	c.eoa = c.sects.Get(*id).Addr
	err := c.sects.Free(*id)
	*id = ID{}
	return err
}

func (c *extentClient) Free(id ID) error {
	return c.sects.Free(id)
}

func (c *extentClient) Serialize(id ID, buf []byte) ([]byte, error) {
	return binencutil.AppendUint16(buf, c.sects.Get(id).tag), nil
}

func (c *extentClient) Deserialize(class ClassID, addr, size uint64, payload []byte) (ID, bool, error) {
	id := c.new(class, addr, size)
	c.sects.Get(id).tag = binencutil.NewDecoder(payload).Uint16()
	return id, false, nil
}

func (c *extentClient) Valid(id ID) error {
	if !c.sects.Valid(id) {
		return ErrNotLinked
	}
	return nil
}

func (c *extentClient) Debug(w io.Writer, id ID, indent int) error {
	_, err := fmt.Fprintf(w, "%*stag %d\n", indent, "", c.sects.Get(id).tag)
	return err
}

func (c *extentClient) linked() []Info {
	var out []Info
	c.store.Iterate(func(id ID, info Info) bool {
		out = append(out, info)
		return true
	})
	return out
}

func TestAddMergesReturnedSpace(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	require.NoError(t, m.Add(c.new(classExtent, 0, 10), 0))
	require.NoError(t, m.Add(c.new(classExtent, 20, 10), 0))
	// plain insertions never merge
	require.NoError(t, m.Add(c.new(classExtent, 40, 5), 0))
	assert.Equal(t, 3, m.Len())

	require.NoError(t, m.Add(c.new(classExtent, 10, 10), ReturnedSpace))
	assert.Equal(t, []Info{{Addr: 0, Size: 30, Class: classExtent}, {Addr: 40, Size: 5, Class: classExtent}}, c.linked())
	assert.Equal(t, 2, c.sects.Len())
	require.NoError(t, m.Validate())
}

func TestAddRelinksOnMergeError(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		linked [][2]uint64
		add    [2]uint64
	}{
		{name: "lower", linked: [][2]uint64{{0, 10}}, add: [2]uint64{10, 10}},
		{name: "upper", linked: [][2]uint64{{20, 10}}, add: [2]uint64{10, 10}},
		{name: "both", linked: [][2]uint64{{0, 10}, {20, 10}}, add: [2]uint64{10, 10}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newExtentClient(t, 1000)
			m := c.store
			for _, l := range tc.linked {
				require.NoError(t, m.Add(c.new(classExtent, l[0], l[1]), 0))
			}
			before := c.linked()

			c.mergeErr = errors.New("no room")
			id := c.new(classExtent, tc.add[0], tc.add[1])
			assert.ErrorIs(t, m.Add(id, ReturnedSpace), c.mergeErr)
			assert.Equal(t, before, c.linked())
			assert.False(t, m.Contains(id))
			require.NoError(t, m.Validate())

			// the caller still owns the section and may retry
			c.mergeErr = nil
			require.NoError(t, m.Add(id, ReturnedSpace))
			assert.Len(t, c.linked(), 1)
			require.NoError(t, m.Validate())
		})
	}
}

func TestAddMergeIsClassSymmetric(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	require.NoError(t, m.Add(c.new(classOther, 0, 10), 0))
	require.NoError(t, m.Add(c.new(classExtent, 20, 10), 0))
	require.NoError(t, m.Add(c.new(classExtent, 10, 10), ReturnedSpace))
	assert.Equal(t, []Info{
		{Addr: 0, Size: 10, Class: classOther},
		{Addr: 10, Size: 20, Class: classExtent},
	}, c.linked())
}

func TestAddShrinksTail(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 100)
	m := c.store

	require.NoError(t, m.Add(c.new(classOther, 60, 10), 0))
	require.NoError(t, m.Add(c.new(classOther, 70, 10), 0))
	require.NoError(t, m.Add(c.new(classExtent, 80, 10), 0))

	// merges with [80, 90), gives [80, 100) back, then the last section on
	// the merge list is also at the end of the file
	require.NoError(t, m.Add(c.new(classExtent, 90, 10), ReturnedSpace))
	assert.Equal(t, uint64(60), c.eoa)
	assert.Empty(t, c.linked())
	assert.Zero(t, c.sects.Len())
	assert.Zero(t, m.Stats().TotalSpace)

	// a tail that cannot shrink stays linked
	c = newExtentClient(t, 100)
	m = c.store
	require.NoError(t, m.Add(c.new(classOther, 50, 10), 0))
	require.NoError(t, m.Add(c.new(classExtent, 90, 10), ReturnedSpace))
	assert.Equal(t, uint64(90), c.eoa)
	assert.Equal(t, []Info{{Addr: 50, Size: 10, Class: classOther}}, c.linked())
	require.NoError(t, m.Validate())
}

func TestFind(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	a := c.new(classExtent, 100, 40)
	b := c.new(classExtent, 0, 40)
	d := c.new(classSide, 300, 20)
	for _, id := range []ID{a, b, d} {
		require.NoError(t, m.Add(id, 0))
	}

	got, ok, err := m.Find(10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d, got, "smallest fit")
	assert.False(t, m.Contains(d))

	got, ok, err = m.Find(40)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got, "lowest address among equal sizes")

	_, ok, err = m.Find(41)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestChangeClass(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	id := c.new(classSide, 0, 10)
	require.NoError(t, m.Add(id, 0))
	assert.Zero(t, m.Stats().MergeList)

	c.sects.Get(id).Class = classExtent
	require.NoError(t, m.ChangeClass(id, classExtent))
	assert.Equal(t, 1, m.Stats().MergeList)
	require.NoError(t, m.Validate())

	// now reachable by merging
	require.NoError(t, m.Add(c.new(classExtent, 10, 5), ReturnedSpace))
	assert.Equal(t, []Info{{Addr: 0, Size: 15, Class: classExtent}}, c.linked())

	c.sects.Get(id).Class = classGhost
	require.NoError(t, m.ChangeClass(id, classGhost))
	st := m.Stats()
	assert.Equal(t, 1, st.Ghost)
	assert.Zero(t, st.Serial)
	assert.Zero(t, st.MergeList)

	assert.ErrorIs(t, m.ChangeClass(c.new(classExtent, 50, 1), classSide), ErrNotLinked)
	assert.ErrorIs(t, m.ChangeClass(id, 99), ErrUnknownClass)
}

func TestLinkErrors(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	id := c.new(classExtent, 0, 10)
	require.NoError(t, m.Add(id, 0))
	assert.ErrorIs(t, m.Add(id, 0), ErrAlreadyLinked)
	assert.ErrorIs(t, m.Add(c.new(classSide, 0, 4), 0), ErrDuplicateAddr)
	assert.ErrorIs(t, m.Add(c.new(99, 50, 4), 0), ErrUnknownClass)

	require.NoError(t, m.Remove(id))
	assert.ErrorIs(t, m.Remove(id), ErrNotLinked)
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	for i, cls := range []ClassID{classExtent, classSide, classGhost, classOther} {
		id := c.new(cls, uint64(i*100), uint64(10+i))
		c.sects.Get(id).tag = uint16(i + 7)
		require.NoError(t, m.Add(id, 0))
	}
	buf, err := m.Serialize()
	require.NoError(t, err)
	assert.Len(t, buf, m.Stats().SerialBytes)
	assert.Len(t, buf, 8+3*(1+4+8+2))

	c2 := newExtentClient(t, 1000)
	require.NoError(t, c2.store.Deserialize(buf))
	want := c.linked()
	want = append(want[:2], want[3])
	assert.Equal(t, want, c2.linked())
	for _, f := range c2.addFlags {
		assert.Equal(t, Deserializing, f)
	}

	var tags []int
	c2.sects.All(func(h arena.Handle, v *extent) bool {
		tags = append(tags, int(v.tag))
		return true
	})
	sort.Ints(tags)
	assert.Equal(t, []int{7, 8, 10}, tags)

	t.Run("truncated", func(t *testing.T) {
		c3 := newExtentClient(t, 1000)
		assert.ErrorIs(t, c3.store.Deserialize(buf[:len(buf)-1]), ErrCorrupt)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		c3 := newExtentClient(t, 1000)
		assert.ErrorIs(t, c3.store.Deserialize(append(append([]byte(nil), buf...), 0)), ErrCorrupt)
	})
	t.Run("unknown class", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[8] = 42
		c3 := newExtentClient(t, 1000)
		assert.ErrorIs(t, c3.store.Deserialize(bad), ErrCorrupt)
	})
}

func TestValidateReportsMutation(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store
	id := c.new(classExtent, 0, 10)
	require.NoError(t, m.Add(id, 0))

	c.sects.Get(id).Size = 11
	err := m.Validate()
	assert.ErrorIs(t, err, ErrMismatch)
}

func FuzzAddFind(f *testing.F) {
	f.Add(200, int64(1))
	f.Add(500, time.Now().UnixNano())

	f.Fuzz(func(t *testing.T, numOps int, seed int64) {
		if numOps < 0 || numOps > 2000 {
			t.Skip()
		}
		rng := rand.New(rand.NewSource(seed))
		c := newExtentClient(t, 0)
		m := c.store

		// carve the file into allocated chunks
		var allocated []Info
		for c.eoa < 2000 {
			size := uint64(rng.Intn(40) + 1)
			allocated = append(allocated, Info{Addr: c.eoa, Size: size})
			c.eoa += size
		}

		for i := 0; i < numOps; i++ {
			if rng.Intn(2) == 0 && len(allocated) > 0 {
				idx := rng.Intn(len(allocated))
				r := allocated[idx]
				allocated = append(allocated[:idx], allocated[idx+1:]...)
				require.NoError(t, m.Add(c.new(classExtent, r.Addr, r.Size), ReturnedSpace))
			} else {
				request := uint64(rng.Intn(40) + 1)
				id, ok, err := m.Find(request)
				require.NoError(t, err)
				if !ok {
					allocated = append(allocated, Info{Addr: c.eoa, Size: request})
					c.eoa += request
					continue
				}
				s := c.Info(id)
				allocated = append(allocated, Info{Addr: s.Addr, Size: request})
				if s.Size == request {
					require.NoError(t, c.Free(id))
				} else {
					c.sects.Get(id).Addr += request
					c.sects.Get(id).Size -= request
					require.NoError(t, m.Add(id, 0))
				}
			}

			var used, highest uint64
			for _, r := range allocated {
				used += r.Size
				highest = max(highest, r.Addr+r.Size)
			}
			require.Equal(t, highest, c.eoa)
			require.Equal(t, c.eoa-used, m.Stats().TotalSpace)

			// returned space never leaves two touching sections behind
			sects := c.linked()
			for j := 1; j < len(sects); j++ {
				require.Less(t, sects[j-1].Addr+sects[j-1].Size, sects[j].Addr)
			}
		}
		require.NoError(t, m.Validate())
		require.Equal(t, m.Len(), c.sects.Len())
	})
}

func TestDumpAndClose(t *testing.T) {
	t.Parallel()
	c := newExtentClient(t, 1000)
	m := c.store

	require.NoError(t, m.Add(c.new(classExtent, 0, 10), 0))
	require.NoError(t, m.Add(c.new(classSide, 100, 2048), 0))

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))
	assert.Contains(t, buf.String(), "2 sections (2 serial, 0 ghost)")
	assert.Contains(t, buf.String(), "side addr=100 size=2048")
	assert.Contains(t, buf.String(), "   tag 0")

	require.NoError(t, m.Close())
	assert.Zero(t, m.Len())
	assert.Zero(t, c.sects.Len())
	assert.Zero(t, m.Stats().TotalSpace)
}
