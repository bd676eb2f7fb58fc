// Package imagefile reads and writes free-space images.
//
// An image is a magic, a length-prefixed Header, the zstd-compressed payload
// and a trailing digest of everything before it. The header names the
// digest, so a reader knows the trailer length before it hashes.
package imagefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/garethgeorge/fheapspace/internal/errormap"
	"github.com/garethgeorge/fheapspace/internal/ioutil"
	"github.com/garethgeorge/fheapspace/internal/poolutil"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

const Version = 1

var magic = []byte("FHSI")

// maxPooledBuffer bounds the read buffers kept for reuse.
const maxPooledBuffer = 4 << 20

var readBuffers = poolutil.NewPool(
	func() *bytes.Buffer { return new(bytes.Buffer) },
	func(b *bytes.Buffer) bool {
		b.Reset()
		return b.Cap() <= maxPooledBuffer
	},
	8,
)

// Image is a decoded image.
type Image struct {
	Header  Header
	Payload []byte
	// Sum is the digest found in the trailer.
	Sum []byte
}

// Write seals payload under hdr and writes the same bytes to every handle.
// Version and PayloadLength of hdr are filled in.
func Write(hdr Header, payload []byte, level int, handles ...Handle) error {
	if len(handles) == 0 {
		return fmt.Errorf("write image: no handles")
	}
	hdr.Version = Version
	hdr.PayloadLength = uint64(len(payload))
	hasher, err := hdr.Digest.New()
	if err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	headerBytes, err := hdr.MarshalVT()
	if err != nil {
		return fmt.Errorf("write image header: %w", err)
	}

	sinks := make([]io.Writer, 0, len(handles))
	closers := make([]io.Closer, 0, len(handles))
	for _, h := range handles {
		w, err := h.Writer()
		if err != nil {
			return errors.Join(fmt.Errorf("open %s: %w", h.Name(), err), ioutil.NewMultiCloser(closers...).Close())
		}
		sinks = append(sinks, w)
		closers = append(closers, w)
	}
	out := ioutil.ParallelMultiWriter(sinks...)
	sealed := io.MultiWriter(out, hasher)

	err = writeBody(sealed, headerBytes, payload, level)
	if err == nil {
		_, err = out.Write(hasher.Sum(nil))
	}
	err = errors.Join(err, out.Close())
	return errors.Join(err, ioutil.NewMultiCloser(closers...).Close())
}

func writeBody(w io.Writer, headerBytes, payload []byte, level int) error {
	prefix := append([]byte(nil), magic...)
	prefix = protowire.AppendVarint(prefix, uint64(len(headerBytes)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderCRC(true),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Read loads and checks the image behind h.
func Read(h Handle) (Image, error) {
	r, err := h.Reader()
	if err != nil {
		return Image{}, fmt.Errorf("open %s: %w", h.Name(), err)
	}
	buf := readBuffers.Get()
	defer readBuffers.Put(buf)
	_, err = buf.ReadFrom(ioutil.BufferedReader(r))
	err = errors.Join(err, r.Close())
	if err != nil {
		return Image{}, fmt.Errorf("read %s: %w", h.Name(), err)
	}
	img, err := Decode(buf.Bytes())
	if err != nil {
		return Image{}, fmt.Errorf("%s: %w", h.Name(), err)
	}
	return img, nil
}

// Decode checks and decodes an image held in memory. The result does not
// alias data.
func Decode(data []byte) (Image, error) {
	if !bytes.HasPrefix(data, magic) {
		return Image{}, ErrBadMagic
	}
	rest := data[len(magic):]
	hdrLen, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		return Image{}, fmt.Errorf("header length: %w: %w", ErrCorrupt, protowire.ParseError(n))
	}
	rest = rest[n:]
	if hdrLen > uint64(len(rest)) {
		return Image{}, fmt.Errorf("header of %d bytes in %d: %w", hdrLen, len(rest), ErrCorrupt)
	}
	var img Image
	if err := img.Header.UnmarshalVT(rest[:hdrLen]); err != nil {
		return Image{}, err
	}
	if img.Header.Version != Version {
		return Image{}, fmt.Errorf("version %d: %w", img.Header.Version, ErrVersion)
	}
	sumLen := img.Header.Digest.Size()
	if sumLen == 0 {
		return Image{}, fmt.Errorf("%s: %w", img.Header.Digest, ErrUnknownAlgo)
	}
	compressed := rest[hdrLen:]
	if len(compressed) < sumLen {
		return Image{}, fmt.Errorf("missing digest trailer: %w", ErrCorrupt)
	}
	compressed, trailer := compressed[:len(compressed)-sumLen], compressed[len(compressed)-sumLen:]

	hasher, err := img.Header.Digest.New()
	if err != nil {
		return Image{}, err
	}
	hasher.Write(data[:len(data)-sumLen])
	if sum := hasher.Sum(nil); !bytes.Equal(sum, trailer) {
		return Image{}, fmt.Errorf("%s %x, trailer %x: %w", img.Header.Digest, sum, trailer, ErrDigest)
	}
	img.Sum = append([]byte(nil), trailer...)

	zr, err := zstd.NewReader(bytes.NewReader(compressed), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return Image{}, fmt.Errorf("payload: %w: %w", ErrCorrupt, err)
	}
	defer zr.Close()
	img.Payload, err = io.ReadAll(io.LimitReader(zr, int64(img.Header.PayloadLength)+1))
	if err != nil {
		return Image{}, fmt.Errorf("payload: %w: %w", ErrCorrupt, err)
	}
	if uint64(len(img.Payload)) != img.Header.PayloadLength {
		return Image{}, fmt.Errorf("payload of %d bytes, header says %d: %w", len(img.Payload), img.Header.PayloadLength, ErrCorrupt)
	}
	return img, nil
}

// Report is the outcome of verifying one copy of an image.
type Report struct {
	Name   string
	Header Header
	Sum    []byte
	Err    error
}

// Verify reads every handle concurrently and checks that each copy is
// intact and that all intact copies carry the same digest.
func Verify(ctx context.Context, parallelism int, handles ...Handle) ([]Report, error) {
	reports := make([]Report, len(handles))
	eg, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		eg.SetLimit(parallelism)
	}
	for i, h := range handles {
		eg.Go(func() error {
			reports[i].Name = h.Name()
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := Read(h)
			reports[i].Header = img.Header
			reports[i].Sum = img.Sum
			reports[i].Err = err
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return reports, err
	}

	errs := errormap.New("image verification")
	var want []byte
	for _, r := range reports {
		if r.Err != nil {
			errs.AddError(r.Name, r.Err)
			continue
		}
		if want == nil {
			want = r.Sum
		} else if !bytes.Equal(want, r.Sum) {
			errs.AddError(r.Name, fmt.Errorf("digest %x, first copy %x: %w", r.Sum, want, ErrCopiesDiffer))
		}
	}
	return reports, errs.Err()
}
