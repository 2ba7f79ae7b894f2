// Package wire reads and writes fixed-width little-endian integers at an
// explicit cursor, the layout used by Bluetooth GATT characteristics.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ShortBufferError reports a read past the end of a frame.
type ShortBufferError struct {
	Offset int
	Need   int
	Len    int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("need %d bytes at offset %d, frame has %d", e.Need, e.Offset, e.Len)
}

// Reader is a read-only view of one notification frame.
type Reader []byte

func (r Reader) check(at, n int) error {
	if at < 0 || at+n > len(r) {
		return &ShortBufferError{Offset: at, Need: n, Len: len(r)}
	}
	return nil
}

// Uint8 reads one byte at cursor and returns the value and the advanced cursor.
func (r Reader) Uint8(at int) (uint8, int, error) {
	if err := r.check(at, 1); err != nil {
		return 0, at, err
	}
	return r[at], at + 1, nil
}

// Uint16 reads a little-endian uint16 at cursor.
func (r Reader) Uint16(at int) (uint16, int, error) {
	if err := r.check(at, 2); err != nil {
		return 0, at, err
	}
	return binary.LittleEndian.Uint16(r[at:]), at + 2, nil
}

// Uint24 reads a little-endian 24-bit unsigned integer at cursor.
func (r Reader) Uint24(at int) (uint32, int, error) {
	if err := r.check(at, 3); err != nil {
		return 0, at, err
	}
	v := uint32(r[at]) | uint32(r[at+1])<<8 | uint32(r[at+2])<<16
	return v, at + 3, nil
}

// Int16 reads a little-endian two's-complement int16 at cursor.
func (r Reader) Int16(at int) (int16, int, error) {
	v, next, err := r.Uint16(at)
	return int16(v), next, err
}

// Skip advances the cursor by n bytes, checking they exist.
func (r Reader) Skip(at, n int) (int, error) {
	if err := r.check(at, n); err != nil {
		return at, err
	}
	return at + n, nil
}

// Writer appends little-endian fields to a frame.
type Writer struct {
	buf []byte
}

// Bytes returns the frame built so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint24(v uint32) *Writer {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
	return w
}

func (w *Writer) Int16(v int16) *Writer {
	return w.Uint16(uint16(v))
}
