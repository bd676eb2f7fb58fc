package imagefile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testHeader(d Digest) Header {
	return Header{
		Digest: d,
		Geometry: GeometryOf(dtable.Params{
			Width: 4, StartBlockSize: 512, MaxDirectSize: 65536, MaxIndex: 32, DirectOverhead: 64,
		}),
		HeapOffSize:  4,
		SectionCount: 3,
		FreeBytes:    12345,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	hdr := testHeader(DigestBLAKE3)
	hdr.Version = Version
	hdr.PayloadLength = 1 << 40

	data, err := hdr.MarshalVT()
	require.NoError(t, err)
	assert.Len(t, data, hdr.SizeVT())

	var got Header
	require.NoError(t, got.UnmarshalVT(data))
	assert.Equal(t, hdr, got)
	assert.Equal(t, hdr.Geometry.Params(), got.Geometry.Params())
}

func TestHeaderKeepsUnknownFields(t *testing.T) {
	t.Parallel()
	hdr := testHeader(DigestXXHash)
	data, err := hdr.MarshalVT()
	require.NoError(t, err)
	data = protowire.AppendTag(data, 42, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("from the future"))
	data = protowire.AppendTag(data, 43, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	var got Header
	require.NoError(t, got.UnmarshalVT(data))
	assert.Equal(t, hdr.SectionCount, got.SectionCount)
	again, err := got.MarshalVT()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestHeaderRejectsTruncation(t *testing.T) {
	t.Parallel()
	hdr := testHeader(DigestSHA256)
	data, err := hdr.MarshalVT()
	require.NoError(t, err)
	var got Header
	assert.ErrorIs(t, got.UnmarshalVT(data[:len(data)-1]), ErrCorrupt)
}

func TestDigests(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"xxhash", "sha256", "blake3"} {
		d, err := ParseDigest(name)
		require.NoError(t, err)
		assert.Equal(t, name, d.String())
		h, err := d.New()
		require.NoError(t, err)
		assert.Len(t, h.Sum(nil), d.Size())
	}
	_, err := ParseDigest("md5")
	assert.ErrorIs(t, err, ErrUnknownAlgo)
	_, err = Digest(0).New()
	assert.ErrorIs(t, err, ErrUnknownAlgo)
}

func TestWriteRead(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte("free space "), 1000)
	for _, d := range []Digest{DigestXXHash, DigestSHA256, DigestBLAKE3} {
		t.Run(d.String(), func(t *testing.T) {
			t.Parallel()
			mem := NewMemory("mem")
			require.NoError(t, Write(testHeader(d), payload, 3, mem))
			assert.Less(t, len(mem.Bytes()), len(payload))

			img, err := Read(mem)
			require.NoError(t, err)
			assert.Equal(t, payload, img.Payload)
			assert.Equal(t, uint32(Version), img.Header.Version)
			assert.Equal(t, uint64(len(payload)), img.Header.PayloadLength)
			assert.Equal(t, uint64(3), img.Header.SectionCount)
			assert.Len(t, img.Sum, d.Size())
		})
	}
}

func TestWriteEmptyPayload(t *testing.T) {
	t.Parallel()
	mem := NewMemory("empty")
	require.NoError(t, Write(testHeader(DigestXXHash), nil, 1, mem))
	img, err := Read(mem)
	require.NoError(t, err)
	assert.Empty(t, img.Payload)
}

func TestDecodeRejectsDamage(t *testing.T) {
	t.Parallel()
	mem := NewMemory("mem")
	require.NoError(t, Write(testHeader(DigestXXHash), []byte("payload bytes"), 1, mem))
	good := mem.Bytes()

	flip := func(i int) []byte {
		out := append([]byte(nil), good...)
		out[i] ^= 0x40
		return out
	}
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadMagic},
		{"bad magic", flip(0), ErrBadMagic},
		{"payload byte", flip(len(good) - 12), ErrDigest},
		{"trailer byte", flip(len(good) - 1), ErrDigest},
		{"truncated", good[:len(good)-3], ErrDigest},
		{"header cut", good[:6], ErrCorrupt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeRejectsVersion(t *testing.T) {
	t.Parallel()
	hdr := testHeader(DigestXXHash)
	hdr.Version = Version + 1
	hb, err := hdr.MarshalVT()
	require.NoError(t, err)
	data := append([]byte(nil), magic...)
	data = protowire.AppendVarint(data, uint64(len(hb)))
	data = append(data, hb...)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestFileHandles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		paths = append(paths, filepath.Join(dir, fmt.Sprintf("%04d.fhs", i)))
	}
	handles := Files(paths...)
	require.NoError(t, Write(testHeader(DigestSHA256), []byte("mirrored"), 1, handles...))

	first, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	for _, p := range paths[1:] {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, first, data)
		_, err = os.Stat(p + ".tmp")
		assert.True(t, os.IsNotExist(err))
	}

	reports, err := Verify(context.Background(), 2, handles...)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, r := range reports {
		assert.Equal(t, paths[i], r.Name)
		assert.NoError(t, r.Err)
	}
}

func TestVerifyReportsBadCopies(t *testing.T) {
	t.Parallel()
	a, b := NewMemory("a"), NewMemory("b")
	require.NoError(t, Write(testHeader(DigestXXHash), []byte("one"), 1, a))
	require.NoError(t, Write(testHeader(DigestXXHash), []byte("two"), 1, b))
	damaged := append([]byte(nil), a.Bytes()...)
	damaged[len(damaged)-1] ^= 1
	c := MemoryFrom("c", damaged)
	missing := File(filepath.Join(t.TempDir(), "missing.fhs"))

	reports, err := Verify(context.Background(), 0, a, b, c, missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCopiesDiffer)
	assert.ErrorIs(t, err, ErrDigest)
	assert.NoError(t, reports[0].Err)
	assert.NoError(t, reports[1].Err)
	assert.ErrorIs(t, reports[2].Err, ErrDigest)
	assert.ErrorIs(t, reports[3].Err, os.ErrNotExist)
}

func TestVerifyHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Verify(ctx, 1, NewMemory("a"))
	assert.ErrorIs(t, err, context.Canceled)
}
