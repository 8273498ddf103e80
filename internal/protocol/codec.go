package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// Encoder turns a structured value into packet body bytes.
type Encoder interface {
	Encode(v interface{}) ([]byte, error)
}

// Decoder is the inverse of Encoder.
type Decoder interface {
	Decode(data []byte, v interface{}) error
}

// Codec pairs an Encoder with its Decoder.
type Codec interface {
	Encoder
	Decoder
	Name() string
}

var (
	// JSON encodes bodies as compact JSON text.
	JSON Codec = jsonCodec{}

	// MsgPack encodes bodies as MessagePack.
	MsgPack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string                            { return "json" }
func (jsonCodec) Encode(v interface{}) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                            { return "msgpack" }
func (msgpackCodec) Encode(v interface{}) ([]byte, error)    { return msgpack.Marshal(v) }
func (msgpackCodec) Decode(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// CodecByName resolves "json" or "msgpack" (case-insensitive).
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	default:
		return nil, errors.Errorf("protocol: unknown codec %q", name)
	}
}
