// Package binencutil holds the little-endian helpers used by the on-disk
// encodings in this module.
package binencutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrShortBuffer = errors.New("binencutil: short buffer")

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteShortBytes writes a length-prefixed (uint16) byte slice.
func WriteShortBytes(w io.Writer, b []byte) error {
	if len(b) > 0xffff {
		return fmt.Errorf("binencutil: %d bytes exceeds short length", len(b))
	}
	if err := WriteUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadShortBytes reads a slice written by WriteShortBytes, reusing buf when it is large enough.
func ReadShortBytes(r io.Reader, buf []byte) ([]byte, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AppendUint16 appends v in little-endian order.
func AppendUint16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

// AppendSized appends the low width bytes of v in little-endian order.
func AppendSized(buf []byte, v uint64, width int) []byte {
	for i := 0; i < width; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// Decoder consumes fixed-width fields from a byte slice.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Sized reads a width-byte little-endian unsigned integer.
func (d *Decoder) Sized(width int) uint64 {
	b := d.take(width)
	if b == nil {
		return 0
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (d *Decoder) Remaining() int {
	return len(d.buf)
}

func (d *Decoder) Err() error {
	return d.err
}

// Bytes returns the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte {
	return d.take(n)
}
