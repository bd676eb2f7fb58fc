package ioutil

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

// ParallelMultiWriter creates a writer that writes to multiple writers in parallel.
// Uses an internal pipe to each writer to allow parallel writes.
// Uses a 64KB internal buffer to reduce the number of writes to each writer.
//
// Close flushes, waits for every writer to catch up and reports their
// failures. It does not close the writers.
func ParallelMultiWriter(writers ...io.Writer) io.WriteCloser {
	if len(writers) == 0 {
		return WithWriterCloser(io.Discard, NewMultiCloser().Close)
	}
	if len(writers) == 1 {
		return WithWriterCloser(writers[0], NewMultiCloser().Close)
	}

	var eg errgroup.Group
	var pipeWriters []io.Writer
	var pipeClosers []io.Closer

	for _, w := range writers {
		pr, pw := io.Pipe()
		pipeWriters = append(pipeWriters, pw)
		pipeClosers = append(pipeClosers, pw)
		eg.Go(func() error {
			buffer := make([]byte, BufferSize)
			_, err := io.CopyBuffer(w, pr, buffer)
			// unblock the writing side once this copy gives up
			pr.CloseWithError(err)
			return err
		})
	}

	multiwriter := BufferedWriter(io.MultiWriter(pipeWriters...))
	return WithWriterCloser(multiwriter, func() error {
		flushErr := multiwriter.Close()
		closeErr := NewMultiCloser(pipeClosers...).Close()
		return errors.Join(flushErr, closeErr, eg.Wait())
	})
}
