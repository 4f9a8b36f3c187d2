// Package wire encodes and decodes the SIGMA 1.1 pairing messages, variable-length records,
// revocation lists, platform info blobs and the sealed pairing blob layout.
//
// Every multi-byte integer on the wire is big-endian. Reader and Writer are the only
// types in this module that convert byte order.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// Reader is a bounds-checked cursor over a byte slice. Slices it returns are views
// into the original buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Len() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d: %w",
			status.ErrMalformedRecord, n, r.off, r.Len(), io.ErrUnexpectedEOF)
	}
	return nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Bytes returns a view of the next n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v, nil
}

// Read copies len(dst) bytes into dst.
func (r *Reader) Read(dst []byte) error {
	b, err := r.Bytes(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Rest returns a view of all unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}

// Done fails if any bytes remain unread.
func (r *Reader) Done() error {
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", status.ErrMalformedRecord, r.Len())
	}
	return nil
}

// Writer appends big-endian encoded values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Uint8 appends one byte.
func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

// Uint16 appends a big-endian uint16.
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

// Uint32 appends a big-endian uint32.
func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// Write appends b.
func (w *Writer) Write(b []byte) { w.buf = append(w.buf, b...) }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf }
