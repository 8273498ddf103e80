// Package protocol defines the wire packet exchanged over a hub socket: a
// fixed 24-byte header followed by a body, or a headerless raw payload.
package protocol

import (
	"github.com/pkg/errors"

	"github.com/1ureka/tcphub/internal/buffer"
)

// HeaderSize is the fixed header size:
// Magic(4) + ProtocolVersion(4) + ServerVersion(4) + Command(4) + Algorithm(4) + Length(4).
const HeaderSize = 24

// AlgorithmNone marks a body that is not encrypted. The algorithm tag is
// carried on the wire but never applied.
const AlgorithmNone int32 = -1

var (
	ErrShortMagic    = errors.New("protocol: magic must be at least 4 characters")
	ErrShortBuffer   = errors.New("protocol: buffer shorter than header")
	ErrIncomplete    = errors.New("protocol: declared body length exceeds available bytes")
	ErrInvalidLength = errors.New("protocol: negative body length")
)

// Header is the framed-mode packet header. All integers travel in host-native
// width and byte order.
type Header struct {
	Magic           [4]byte
	ProtocolVersion int32
	ServerVersion   int32
	Command         int32
	Algorithm       int32
	Length          int32 // body length, header excluded
}

// Packet is one wire message. It is built once by NewPacket, NewJSONPacket,
// Parse or NewRaw and never modified afterwards, so a single instance may be
// shared between the socket goroutine and the consumer.
type Packet struct {
	header Header
	buf    []byte // wire bytes plus one zero pad byte
	length int
	raw    bool
}

// NewPacket encodes body with enc and frames it behind a header.
func NewPacket(enc Encoder, magic string, command int32, body interface{}, protocolVersion, serverVersion, algorithm int32) (*Packet, error) {
	if len(magic) < 4 {
		return nil, ErrShortMagic
	}
	data, err := enc.Encode(body)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: encode body")
	}

	p := &Packet{
		header: Header{
			ProtocolVersion: protocolVersion,
			ServerVersion:   serverVersion,
			Command:         command,
			Algorithm:       algorithm,
			Length:          int32(len(data)),
		},
		length: HeaderSize + len(data),
	}
	copy(p.header.Magic[:], magic)
	p.buf = make([]byte, p.length+1)
	copy(p.buf[HeaderSize:], data)
	p.writeHeader()
	return p, nil
}

// NewJSONPacket builds a framed packet with a JSON body and no algorithm.
func NewJSONPacket(magic string, command int32, body interface{}, protocolVersion, serverVersion int32) (*Packet, error) {
	return NewPacket(JSON, magic, command, body, protocolVersion, serverVersion, AlgorithmNone)
}

// Parse carves exactly one framed packet from the front of buf. Bytes after
// the declared body are ignored; Length reports how many were consumed.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortBuffer
	}

	bb := buffer.Wrap(buf, len(buf))
	var h Header
	for i := range h.Magic {
		h.Magic[i] = bb.ReadUint8()
	}
	h.ProtocolVersion = bb.ReadInt32()
	h.ServerVersion = bb.ReadInt32()
	h.Command = bb.ReadInt32()
	h.Algorithm = bb.ReadInt32()
	h.Length = bb.ReadInt32()

	if h.Length < 0 {
		return nil, ErrInvalidLength
	}
	if bb.Available() < int(h.Length) {
		return nil, ErrIncomplete
	}

	p := &Packet{header: h, length: HeaderSize + int(h.Length)}
	p.buf = make([]byte, p.length+1)
	bb.Read(p.buf[HeaderSize:p.length])
	p.writeHeader()
	return p, nil
}

// NewRaw wraps a copy of buf as a headerless packet. It never fails.
func NewRaw(buf []byte, algorithm int32) *Packet {
	p := &Packet{
		header: Header{Algorithm: algorithm, Length: int32(len(buf))},
		length: len(buf),
		raw:    true,
	}
	p.buf = make([]byte, len(buf)+1)
	copy(p.buf, buf)
	return p
}

// writeHeader serializes p.header into the front of p.buf.
func (p *Packet) writeHeader() {
	bb := buffer.Wrap(p.buf[:HeaderSize], 0)
	bb.Write(p.header.Magic[:])
	bb.WriteInt32(p.header.ProtocolVersion)
	bb.WriteInt32(p.header.ServerVersion)
	bb.WriteInt32(p.header.Command)
	bb.WriteInt32(p.header.Algorithm)
	bb.WriteInt32(p.header.Length)
}

func (p *Packet) Header() Header   { return p.header }
func (p *Packet) Magic() string    { return string(p.header.Magic[:]) }
func (p *Packet) Command() int32   { return p.header.Command }
func (p *Packet) Algorithm() int32 { return p.header.Algorithm }
func (p *Packet) BodyLength() int  { return int(p.header.Length) }
func (p *Packet) Raw() bool        { return p.raw }

// Length is the number of bytes the packet occupies on the wire.
func (p *Packet) Length() int { return p.length }

// Buffer returns the wire bytes. Callers must not modify them.
func (p *Packet) Buffer() []byte { return p.buf[:p.length] }

// Body returns the payload, skipping the header unless the packet is raw.
// Callers must not modify it.
func (p *Packet) Body() []byte {
	if p.raw {
		return p.buf[:p.length]
	}
	return p.buf[HeaderSize:p.length]
}

// Decode unmarshals the body into v using dec.
func (p *Packet) Decode(dec Decoder, v interface{}) error {
	return errors.Wrap(dec.Decode(p.Body(), v), "protocol: decode body")
}
