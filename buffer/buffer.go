// Package buffer provides a growable byte buffer with independent read and
// write cursors. It is the unit of data exchanged by sessions: reads land in a
// session's read buffer and outbound data is queued as buffers.
package buffer

import (
	"bytes"
	"io"
)

// DefaultSize is the capacity of a buffer created with New and the size a
// session pre-allocates before reading or writing.
const DefaultSize = 1024

var crlf = []byte("\r\n")

// Buffer is a byte container with a read cursor and a write cursor.
// Bytes between the cursors are readable; bytes after the write cursor are
// writable. The zero value is an empty buffer with no capacity, ready to use.
//
// A Buffer is not safe for concurrent use. Sessions hand buffers between
// goroutines by copying their readable bytes.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates an empty buffer with DefaultSize capacity.
//
// Returns:
//   - A new *Buffer
func New() *Buffer {
	return NewWithCapacity(DefaultSize)
}

// NewWithCapacity creates an empty buffer with the given capacity. A negative
// capacity is treated as zero.
//
// Parameters:
//   - capacity: The initial capacity in bytes
//
// Returns:
//   - A new *Buffer
func NewWithCapacity(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}

	return &Buffer{buf: make([]byte, capacity)}
}

// NewFromBytes creates a buffer holding a copy of p.
//
// Parameters:
//   - p: The initial readable content
//
// Returns:
//   - A new *Buffer whose readable region equals p
func NewFromBytes(p []byte) *Buffer {
	b := NewWithCapacity(len(p))
	b.Append(p)
	return b
}

// NewFromString creates a buffer holding the bytes of s.
//
// Parameters:
//   - s: The initial readable content
//
// Returns:
//   - A new *Buffer whose readable region equals s
func NewFromString(s string) *Buffer {
	b := NewWithCapacity(len(s))
	b.AppendString(s)
	return b
}

// Cap returns the total capacity of the buffer.
func (b *Buffer) Cap() int { return len(b.buf) }

// Empty reports whether there are no readable bytes.
func (b *Buffer) Empty() bool { return b.writePos == b.readPos }

// Full reports whether there are no writable bytes.
func (b *Buffer) Full() bool { return b.writePos == len(b.buf) }

// ReadableBytes returns the number of bytes between the read and write cursors.
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the number of bytes after the write cursor.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// Peek returns the readable region without consuming it. The slice aliases the
// buffer storage and is valid until the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readPos:b.writePos] }

// WriteSlice returns the writable region. Callers fill it and then report the
// number of bytes filled with HasWritten.
func (b *Buffer) WriteSlice() []byte { return b.buf[b.writePos:] }

// HasWritten advances the write cursor by n bytes after the caller filled
// WriteSlice directly. The cursor never moves past the capacity.
//
// Parameters:
//   - n: The number of bytes written into WriteSlice
//
// Returns:
//   - The new write cursor position
func (b *Buffer) HasWritten(n int) int {
	if n <= 0 {
		return b.writePos
	}

	b.writePos += n
	if b.writePos > len(b.buf) {
		b.writePos = len(b.buf)
	}

	return b.writePos
}

// Append copies p to the writable region, growing the buffer when needed.
// Growth picks the larger of double the current capacity and the capacity
// plus len(p).
//
// Parameters:
//   - p: The bytes to append
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	if b.WritableBytes() < len(p) {
		b.grow(len(p))
	}

	b.writePos += copy(b.buf[b.writePos:], p)
}

// AppendString appends the bytes of s.
func (b *Buffer) AppendString(s string) {
	if len(s) == 0 {
		return
	}

	if b.WritableBytes() < len(s) {
		b.grow(len(s))
	}

	b.writePos += copy(b.buf[b.writePos:], s)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	if b.WritableBytes() < 1 {
		b.grow(1)
	}

	b.buf[b.writePos] = c
	b.writePos++
}

// Retrieve consumes n readable bytes. Consuming everything that is readable
// (or more) empties the buffer and resets both cursors to zero.
//
// Parameters:
//   - n: The number of bytes to consume
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}

	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}

	b.readPos += n
}

// RetrieveUntil consumes the readable bytes before end, where end is an offset
// into Peek (for example the result of FindCRLF).
//
// Parameters:
//   - end: Offset into the readable region; negative values are ignored
func (b *Buffer) RetrieveUntil(end int) {
	if end < 0 {
		return
	}

	b.Retrieve(end)
}

// RetrieveAll empties the buffer and resets both cursors to zero.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllAsString drains every readable byte and returns them as a string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAsString consumes up to n readable bytes and returns them.
//
// Parameters:
//   - n: The maximum number of bytes to consume
//
// Returns:
//   - The consumed bytes as a string
func (b *Buffer) RetrieveAsString(n int) string {
	if n <= 0 {
		return ""
	}

	if n >= b.ReadableBytes() {
		return b.RetrieveAllAsString()
	}

	s := string(b.buf[b.readPos : b.readPos+n])
	b.readPos += n
	return s
}

// Resize guarantees at least n writable bytes. An empty buffer has its cursors
// reset first so the whole capacity becomes writable. Capacity never shrinks.
//
// Parameters:
//   - n: The number of writable bytes required
func (b *Buffer) Resize(n int) {
	if b.Empty() {
		b.RetrieveAll()
	}

	if n <= b.WritableBytes() {
		return
	}

	b.grow(n - b.WritableBytes())
}

// FindCRLF returns the offset of the first "\r\n" in the readable region, or
// -1 if there is none.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// Clone returns a new buffer holding a copy of the readable bytes.
func (b *Buffer) Clone() *Buffer {
	return NewFromBytes(b.Peek())
}

// Write implements io.Writer by appending p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Read implements io.Reader by consuming readable bytes into p. It returns
// io.EOF when the buffer is empty and p is not.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Empty() {
		b.RetrieveAll()
		if len(p) == 0 {
			return 0, nil
		}

		return 0, io.EOF
	}

	n := copy(p, b.Peek())
	b.Retrieve(n)
	return n, nil
}

// String returns the readable bytes as a string without consuming them.
func (b *Buffer) String() string {
	return string(b.Peek())
}

// grow extends the capacity by at least need bytes, doubling when that is
// larger.
func (b *Buffer) grow(need int) {
	newCap := len(b.buf) * 2
	if alt := len(b.buf) + need; alt > newCap {
		newCap = alt
	}

	nb := make([]byte, newCap)
	copy(nb, b.buf[:b.writePos])
	b.buf = nb
}
