package imagefile

import (
	"bytes"
	"io"
	"os"

	"github.com/garethgeorge/fheapspace/internal/ioutil"
)

// Handle is a place an image can be written to and read back from.
type Handle interface {
	Reader() (io.ReadCloser, error)
	Writer() (io.WriteCloser, error)
	Name() string
}

// File returns a handle on the file at path. Writes go to a temporary file
// that replaces path when the writer is closed.
func File(path string) Handle {
	return &fileHandle{fpath: path}
}

// Files returns a file handle for every path.
func Files(paths ...string) []Handle {
	handles := make([]Handle, len(paths))
	for i, p := range paths {
		handles[i] = File(p)
	}
	return handles
}

type fileHandle struct {
	fpath string
}

func (f *fileHandle) Name() string {
	return f.fpath
}

func (f *fileHandle) Writer() (io.WriteCloser, error) {
	tmp := f.fpath + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return ioutil.WithWriterCloser(fh, func() error {
		if err := fh.Sync(); err != nil {
			fh.Close()
			return err
		}
		if err := fh.Close(); err != nil {
			return err
		}
		return os.Rename(tmp, f.fpath)
	}), nil
}

func (f *fileHandle) Reader() (io.ReadCloser, error) {
	fh, err := os.Open(f.fpath)
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// Memory is an in-memory handle.
type Memory struct {
	name string
	data []byte
}

var _ Handle = (*Memory)(nil)

func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

// MemoryFrom wraps existing image bytes.
func MemoryFrom(name string, data []byte) *Memory {
	return &Memory{name: name, data: data}
}

func (b *Memory) Name() string {
	return b.name
}

func (b *Memory) Bytes() []byte {
	return b.data
}

func (b *Memory) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *Memory) Writer() (io.WriteCloser, error) {
	b.data = b.data[:0]
	return ioutil.WithWriterCloser(b, func() error { return nil }), nil
}

func (b *Memory) Write(p []byte) (n int, err error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
