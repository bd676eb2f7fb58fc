package ioutil

import (
	"bufio"
	"io"
)

// BufferSize is the buffer used for image reads and for the writes fanned
// out to image copies.
const BufferSize = 64 * 1024

// BufferedWriter buffers writes to w. Close flushes; it does not close w.
func BufferedWriter(w io.Writer) io.WriteCloser {
	bw := bufio.NewWriterSize(w, BufferSize)
	return WithWriterCloser(bw, bw.Flush)
}

// BufferedReader buffers reads from r. A reader that is already buffered
// with at least BufferSize bytes is returned as is.
func BufferedReader(r io.Reader) io.Reader {
	if br, ok := r.(*bufio.Reader); ok && br.Size() >= BufferSize {
		return br
	}
	return bufio.NewReaderSize(r, BufferSize)
}
