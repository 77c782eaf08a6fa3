// Package format provides a cursor over an in-memory byte buffer with typed
// little-endian reads. It never copies the buffer it is given; callers keep
// ownership and must keep the buffer alive for as long as the Reader is used.
package format

import (
	"bytes"
	"encoding/binary"
)

// Reader is a sequential and random-access view over a borrowed buffer.
// Every operation that would leave the buffer reports false and does not move
// the cursor.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the size of the underlying buffer
func (r *Reader) Len() int {
	return len(r.buf)
}

// Offset returns the current cursor position
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns the number of bytes after the cursor
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Bytes returns the whole borrowed buffer
func (r *Reader) Bytes() []byte {
	return r.buf
}

// Read returns the next n bytes as a sub-slice of the buffer and advances.
func (r *Reader) Read(n int) ([]byte, bool) {
	b, ok := r.Slice(r.off, n)
	if !ok {
		return nil, false
	}
	r.off += n
	return b, true
}

// ReadInto copies len(dst) bytes into dst and advances.
func (r *Reader) ReadInto(dst []byte) bool {
	b, ok := r.Read(len(dst))
	if !ok {
		return false
	}
	copy(dst, b)
	return true
}

// Seek moves the cursor to an absolute offset. Seeking to Len() is allowed.
func (r *Reader) Seek(off int) bool {
	if off < 0 || off > len(r.buf) {
		return false
	}
	r.off = off
	return true
}

// Forward moves the cursor n bytes ahead.
func (r *Reader) Forward(n int) bool {
	if n < 0 {
		return false
	}
	return r.Seek(r.off + n)
}

// Rewind moves the cursor back to the start of the buffer.
func (r *Reader) Rewind() {
	r.off = 0
}

// Slice returns the absolute range [off, off+n) without moving the cursor.
func (r *Reader) Slice(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(r.buf) || n > len(r.buf)-off {
		return nil, false
	}
	return r.buf[off : off+n : off+n], true
}

// CString returns the NUL-terminated string starting at the absolute offset.
func (r *Reader) CString(off int) (string, bool) {
	if off < 0 || off >= len(r.buf) {
		return "", false
	}
	end := bytes.IndexByte(r.buf[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(r.buf[off : off+end]), true
}

// Peek decodes a fixed-size value of type T at off. When relative is true the
// offset is taken from the cursor, otherwise from the start of the buffer.
// The cursor does not move.
func Peek[T any](r *Reader, off int, relative bool) (T, bool) {
	var v T
	if relative {
		off += r.off
	}
	size := binary.Size(v)
	if size < 0 {
		return v, false
	}
	b, ok := r.Slice(off, size)
	if !ok {
		return v, false
	}
	if _, err := binary.Decode(b, binary.LittleEndian, &v); err != nil {
		return v, false
	}
	return v, true
}

// ReadValue decodes a fixed-size value of type T at the cursor and advances
// past it.
func ReadValue[T any](r *Reader) (T, bool) {
	v, ok := Peek[T](r, 0, true)
	if !ok {
		return v, false
	}
	r.off += binary.Size(v)
	return v, true
}

// ReadPartial decodes at most n bytes into a zero-initialised T and advances
// by n. It is used for structures whose on-disk size is declared by the file
// and may be smaller (or larger) than T.
func ReadPartial[T any](r *Reader, n int) (T, bool) {
	var v T
	size := binary.Size(v)
	if size < 0 || n < 0 {
		return v, false
	}
	b, ok := r.Slice(r.off, n)
	if !ok {
		return v, false
	}
	scratch := make([]byte, size)
	copy(scratch, b)
	if _, err := binary.Decode(scratch, binary.LittleEndian, &v); err != nil {
		return v, false
	}
	r.off += n
	return v, true
}
