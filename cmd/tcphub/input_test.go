package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tcphub/internal/protocol"
)

func TestEncodeRawLine(t *testing.T) {
	e := &lineEncoder{codec: protocol.JSON, magic: "ABCD"}
	p, err := e.encode("hello world", true)
	require.NoError(t, err)
	assert.True(t, p.Raw())
	assert.Equal(t, "hello world\n", string(p.Body()))
}

func TestEncodeFramedLine(t *testing.T) {
	e := &lineEncoder{codec: protocol.JSON, magic: "ABCD", protocolVersion: 1, serverVersion: 2}

	p, err := e.encode(`  12 {"a": [1, 2]} `, false)
	require.NoError(t, err)
	assert.False(t, p.Raw())
	assert.Equal(t, "ABCD", p.Magic())
	assert.Equal(t, int32(12), p.Command())
	assert.Equal(t, int32(1), p.Header().ProtocolVersion)
	assert.Equal(t, int32(2), p.Header().ServerVersion)
	assert.JSONEq(t, `{"a":[1,2]}`, string(p.Body()))

	p, err = e.encode("3", false)
	require.NoError(t, err)
	assert.Equal(t, "null", string(p.Body()))

	_, err = e.encode("cmd {}", false)
	assert.Error(t, err)
	_, err = e.encode("4 {not json", false)
	assert.Error(t, err)
}

func TestFormatPacket(t *testing.T) {
	raw := protocol.NewRaw([]byte("line\r\n"), protocol.AlgorithmNone)
	assert.Equal(t, "[1] line", formatPacket(1, raw, protocol.JSON))

	p, err := protocol.NewPacket(protocol.MsgPack, "GAME", 5, map[string]interface{}{"k": "v"}, 0, 0, protocol.AlgorithmNone)
	require.NoError(t, err)
	assert.Equal(t, `[2] GAME cmd=5 {"k":"v"}`, formatPacket(2, p, protocol.MsgPack))
}

func TestBridgeURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:9200/ws", bridgeURL("127.0.0.1:9200"))
	assert.Equal(t, "wss://example.com/ws", bridgeURL(" wss://example.com/ws "))
}
