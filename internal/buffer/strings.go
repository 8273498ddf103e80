package buffer

import "math"

// ReadString is an alias for ReadCString.
func (b *ByteBuffer) ReadString() string { return b.ReadCString() }

// ReadCString reads bytes up to and including a NUL terminator, or to the end
// of the available data. The terminator is not part of the result.
func (b *ByteBuffer) ReadCString() string {
	var out []byte
	for b.Available() > 0 {
		c := b.ReadUint8()
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out)
}

// ReadPascalString reads a 2-byte length prefix followed by that many bytes.
// A length that runs past the available data is truncated.
func (b *ByteBuffer) ReadPascalString() string {
	n := int(b.ReadUint16())
	if n > b.Available() {
		n = b.Available()
	}
	return string(b.next(n))
}

// ReadLine reads up to LF or NUL (consumed, not returned). CR bytes are
// dropped.
func (b *ByteBuffer) ReadLine() string {
	var out []byte
	for b.Available() > 0 {
		c := b.ReadUint8()
		if c == '\r' {
			continue
		}
		if c == 0 || c == '\n' {
			break
		}
		out = append(out, c)
	}
	return string(out)
}

// WriteString is an alias for WriteCString.
func (b *ByteBuffer) WriteString(s string) { b.WriteCString(s) }

// WriteCString writes s followed by a NUL byte.
func (b *ByteBuffer) WriteCString(s string) {
	if !b.ensure(len(s) + 1) {
		return
	}
	b.writePos += copy(b.buf[b.writePos:], s)
	b.buf[b.writePos] = 0
	b.writePos++
}

// WritePascalString writes a 2-byte length prefix and s without a
// terminator. Strings longer than 65535 bytes are cut.
func (b *ByteBuffer) WritePascalString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	if !b.ensure(len(s) + 2) {
		return
	}
	b.WriteUint16(uint16(len(s)))
	b.writePos += copy(b.buf[b.writePos:], s)
}

// WriteLine writes s followed by CR LF.
func (b *ByteBuffer) WriteLine(s string) {
	if !b.ensure(len(s) + 2) {
		return
	}
	b.writePos += copy(b.buf[b.writePos:], s)
	b.buf[b.writePos] = '\r'
	b.buf[b.writePos+1] = '\n'
	b.writePos += 2
}
