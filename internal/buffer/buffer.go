// Package buffer implements ByteBuffer, a growable read/write cursor over a
// contiguous byte region. It is the encode/decode primitive used by the
// packet codec.
//
// Integers are stored in host-native byte order. Reads past the end of the
// written data return zero values and leave the read cursor where it was.
package buffer

import (
	"encoding/binary"
	"math"

	"github.com/1ureka/tcphub/internal/util"
)

const (
	// DefaultSize is the capacity of a buffer created without an explicit size.
	DefaultSize = 0x1000

	// growStep is the granularity owned buffers grow by once capacity is exceeded.
	growStep = 200
)

var order = binary.NativeEndian

// ByteBuffer holds readPos <= writePos <= Capacity(). Bytes in
// [readPos, writePos) are available for reading.
//
// A ByteBuffer is not safe for concurrent use.
type ByteBuffer struct {
	buf      []byte
	readPos  int
	writePos int
	external bool
}

// New creates an owned buffer with DefaultSize capacity.
func New() *ByteBuffer {
	return NewSize(DefaultSize)
}

// NewSize creates an owned buffer with the given capacity.
func NewSize(capacity int) *ByteBuffer {
	b := &ByteBuffer{}
	b.Reserve(capacity)
	return b
}

// Wrap creates a buffer over externally supplied memory. The whole of buf is
// usable capacity and the first dataLen bytes are treated as already written.
// A wrapped buffer never grows.
func Wrap(buf []byte, dataLen int) *ByteBuffer {
	if dataLen < 0 {
		dataLen = 0
	}
	if dataLen > len(buf) {
		dataLen = len(buf)
	}
	return &ByteBuffer{buf: buf, writePos: dataLen, external: true}
}

// Reserve grows an owned buffer to hold at least n bytes. It does nothing for
// wrapped buffers or when capacity is already sufficient.
func (b *ByteBuffer) Reserve(n int) {
	if b.external || n <= len(b.buf) {
		return
	}
	nb := make([]byte, n)
	copy(nb, b.buf[:b.writePos])
	b.buf = nb
}

// External reports whether the buffer wraps memory it does not own.
func (b *ByteBuffer) External() bool { return b.external }

// Capacity returns the size of the underlying region.
func (b *ByteBuffer) Capacity() int { return len(b.buf) }

// Available returns the number of unread bytes.
func (b *ByteBuffer) Available() int { return b.writePos - b.readPos }

// Bytes returns the unread bytes without consuming them. The slice aliases
// the buffer and is only valid until the next write or Compact.
func (b *ByteBuffer) Bytes() []byte { return b.buf[b.readPos:b.writePos] }

// Clear resets both cursors.
func (b *ByteBuffer) Clear() { b.readPos, b.writePos = 0, 0 }

func (b *ByteBuffer) ReadPos() int  { return b.readPos }
func (b *ByteBuffer) WritePos() int { return b.writePos }

// SetReadPos moves the read cursor; positions beyond the write cursor are ignored.
func (b *ByteBuffer) SetReadPos(p int) {
	if p >= 0 && p <= b.writePos {
		b.readPos = p
	}
}

// SetWritePos moves the write cursor; positions beyond capacity are ignored.
func (b *ByteBuffer) SetWritePos(p int) {
	if p >= b.readPos && p <= len(b.buf) {
		b.writePos = p
	}
}

// Compact moves the unread bytes to offset 0.
func (b *ByteBuffer) Compact() {
	if b.readPos == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = n
}

// Skip advances the read cursor by up to n bytes.
func (b *ByteBuffer) Skip(n int) {
	if n < 0 {
		return
	}
	if n > b.Available() {
		n = b.Available()
	}
	b.readPos += n
}

// Revoke moves the read cursor back by n bytes, stopping at 0.
func (b *ByteBuffer) Revoke(n int) {
	if n < 0 {
		return
	}
	b.readPos -= n
	if b.readPos < 0 {
		b.readPos = 0
	}
}

// ensure makes room for n more bytes at the write cursor. Owned buffers grow
// to the next multiple of growStep; wrapped buffers refuse and log.
func (b *ByteBuffer) ensure(n int) bool {
	need := b.writePos + n
	if need <= len(b.buf) {
		return true
	}
	if b.external {
		util.LogWarning("external mode: buffer size is not enough to write %d bytes (%d/%d used)",
			n, b.writePos, len(b.buf))
		return false
	}
	b.Reserve((need/growStep + 1) * growStep)
	return true
}

// next returns the n unread bytes at the read cursor and advances past them,
// or nil without moving when fewer than n bytes are available.
func (b *ByteBuffer) next(n int) []byte {
	if b.readPos+n > b.writePos {
		return nil
	}
	p := b.buf[b.readPos : b.readPos+n]
	b.readPos += n
	return p
}

// Read copies up to len(p) unread bytes into p and returns how many were copied.
func (b *ByteBuffer) Read(p []byte) int {
	n := copy(p, b.buf[b.readPos:b.writePos])
	b.readPos += n
	return n
}

// Write appends p. A wrapped buffer without room drops the whole write.
func (b *ByteBuffer) Write(p []byte) {
	if !b.ensure(len(p)) {
		return
	}
	b.writePos += copy(b.buf[b.writePos:], p)
}

// Fixed-width readers. Each returns the zero value without moving the read
// cursor when not enough bytes are available.

func (b *ByteBuffer) ReadUint8() uint8 {
	if p := b.next(1); p != nil {
		return p[0]
	}
	return 0
}

func (b *ByteBuffer) ReadInt8() int8 { return int8(b.ReadUint8()) }

func (b *ByteBuffer) ReadBool() bool { return b.ReadUint8() != 0 }

func (b *ByteBuffer) ReadUint16() uint16 {
	if p := b.next(2); p != nil {
		return order.Uint16(p)
	}
	return 0
}

func (b *ByteBuffer) ReadInt16() int16 { return int16(b.ReadUint16()) }

func (b *ByteBuffer) ReadUint32() uint32 {
	if p := b.next(4); p != nil {
		return order.Uint32(p)
	}
	return 0
}

func (b *ByteBuffer) ReadInt32() int32 { return int32(b.ReadUint32()) }

func (b *ByteBuffer) ReadUint64() uint64 {
	if p := b.next(8); p != nil {
		return order.Uint64(p)
	}
	return 0
}

func (b *ByteBuffer) ReadInt64() int64 { return int64(b.ReadUint64()) }

func (b *ByteBuffer) ReadFloat32() float32 { return math.Float32frombits(b.ReadUint32()) }

func (b *ByteBuffer) ReadFloat64() float64 { return math.Float64frombits(b.ReadUint64()) }

// Fixed-width writers.

func (b *ByteBuffer) WriteUint8(v uint8) {
	if b.ensure(1) {
		b.buf[b.writePos] = v
		b.writePos++
	}
}

func (b *ByteBuffer) WriteInt8(v int8) { b.WriteUint8(uint8(v)) }

func (b *ByteBuffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

func (b *ByteBuffer) WriteUint16(v uint16) {
	if b.ensure(2) {
		order.PutUint16(b.buf[b.writePos:], v)
		b.writePos += 2
	}
}

func (b *ByteBuffer) WriteInt16(v int16) { b.WriteUint16(uint16(v)) }

func (b *ByteBuffer) WriteUint32(v uint32) {
	if b.ensure(4) {
		order.PutUint32(b.buf[b.writePos:], v)
		b.writePos += 4
	}
}

func (b *ByteBuffer) WriteInt32(v int32) { b.WriteUint32(uint32(v)) }

func (b *ByteBuffer) WriteUint64(v uint64) {
	if b.ensure(8) {
		order.PutUint64(b.buf[b.writePos:], v)
		b.writePos += 8
	}
}

func (b *ByteBuffer) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *ByteBuffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }

func (b *ByteBuffer) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }
