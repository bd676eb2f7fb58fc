package fheap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Checksum = "sha256"
	m := newTestManager(t, cfg)
	wl := Workload{Ops: 200, Seed: 11, MaxObject: 600, FreeRatio: 0.4}
	res, err := m.Run(context.Background(), wl, nil)
	require.NoError(t, err)
	requireValid(t, m)

	mem := imagefile.NewMemory("heap")
	require.NoError(t, m.Save(mem))

	// geometry and digest come from the image
	loadCfg := DefaultConfig()
	loaded, err := Load(mem, loadCfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Table, loaded.Config().Table)
	assert.Equal(t, "sha256", loaded.Config().Checksum)
	requireValid(t, loaded)

	assert.Equal(t, m.Sections(), loaded.Sections())
	assert.Equal(t, m.Objects(), loaded.Objects())
	want, got := m.Stats(), loaded.Stats()
	assert.Equal(t, want.Free.Sections, got.Free.Sections)
	assert.Equal(t, want.Free.TotalSpace, got.Free.TotalSpace)
	assert.Equal(t, want.Free.Serial, got.Free.Serial)
	assert.Equal(t, want.Heap.DirectBlocks, got.Heap.DirectBlocks)
	assert.Equal(t, want.NextBlockOff, got.NextBlockOff)
	for obj, data := range res.Live {
		b, err := loaded.Get(obj)
		require.NoError(t, err)
		assert.Equal(t, data, b, "object %v", obj)
	}

	// both heaps keep behaving the same
	wl.Seed = 12
	a, err := m.Run(context.Background(), wl, nil)
	require.NoError(t, err)
	b, err := loaded.Run(context.Background(), wl, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Puts, b.Puts)
	assert.Equal(t, a.Grows, b.Grows)
	assert.Equal(t, a.Full, b.Full)
	assert.Equal(t, m.Sections(), loaded.Sections())
	requireValid(t, loaded)
}

func TestSaveMirrors(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig())
	require.NoError(t, m.Grow(100))
	_, err := m.Put([]byte("mirrored object"))
	require.NoError(t, err)

	dir := t.TempDir()
	handles := imagefile.Files(filepath.Join(dir, "a.fhs"), filepath.Join(dir, "b.fhs"))
	require.NoError(t, m.Save(handles...))
	reports, err := imagefile.Verify(context.Background(), 2, handles...)
	require.NoError(t, err)
	for _, r := range reports {
		assert.Equal(t, uint64(1), r.Header.SectionCount)
		assert.Equal(t, uint64(192-15), r.Header.FreeBytes)
	}

	loaded, err := Load(handles[1], DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, m.Objects(), loaded.Objects())
}

func TestLoadRejectsMismatch(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig())
	require.NoError(t, m.Grow(1000))
	_, err := m.Put([]byte("x"))
	require.NoError(t, err)
	mem := imagefile.NewMemory("heap")
	require.NoError(t, m.Save(mem))
	good, err := imagefile.Read(mem)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(img *imagefile.Image)
	}{
		{"section count", func(img *imagefile.Image) { img.Header.SectionCount++ }},
		{"free bytes", func(img *imagefile.Image) { img.Header.FreeBytes-- }},
		{"heap offset size", func(img *imagefile.Image) { img.Header.HeapOffSize = 8 }},
		{"no geometry", func(img *imagefile.Image) { img.Header.Geometry = nil }},
		{"payload cut", func(img *imagefile.Image) { img.Payload = img.Payload[:len(img.Payload)-1] }},
		{"duplicate object", func(img *imagefile.Image) {
			obj := m.Objects()[0]
			var extra []byte
			extra = appendVarintField(extra, 1, obj.Off)
			extra = appendVarintField(extra, 2, obj.Len)
			img.Payload = appendBytesField(append([]byte(nil), img.Payload...), fieldObject, extra)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img := good
			geom := *good.Header.Geometry
			img.Header.Geometry = &geom
			tc.mutate(&img)
			_, err := FromImage(img, DefaultConfig())
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
