package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tcphub/internal/hub"
	"github.com/1ureka/tcphub/internal/protocol"
)

func TestNewMessage(t *testing.T) {
	p, err := protocol.NewJSONPacket("ABCD", 12, "hi", 0, 0)
	require.NoError(t, err)

	m := NewMessage(hub.Event{Kind: hub.PacketReceived, Packet: p})
	assert.Equal(t, hub.EventPacket, m.Event)
	assert.Equal(t, "ABCD", m.Magic)
	assert.Equal(t, int32(12), m.Command)
	assert.False(t, m.Raw)
	assert.Equal(t, []byte(`"hi"`), m.Body)

	m = NewMessage(hub.Event{Kind: hub.PacketReceived, Packet: protocol.NewRaw([]byte("x"), protocol.AlgorithmNone)})
	assert.True(t, m.Raw)
	assert.Empty(t, m.Magic)

	m = NewMessage(hub.Event{Kind: hub.Disconnected, Err: errors.New("gone")})
	assert.Equal(t, hub.EventDisconnected, m.Event)
	assert.Equal(t, "gone", m.Error)
}

func TestBroadcast(t *testing.T) {
	srv := NewServer()
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w1, err := Watch(ctx, "ws://"+addr.String()+"/ws")
	require.NoError(t, err)
	defer w1.Close()
	w2, err := Watch(ctx, "ws://"+addr.String()+"/ws")
	require.NoError(t, err)
	defer w2.Close()

	require.Eventually(t, func() bool { return srv.Clients() == 2 }, 5*time.Second, 10*time.Millisecond)

	srv.Dispatch(hub.Event{Kind: hub.Connected})
	srv.Dispatch(hub.Event{Kind: hub.PacketReceived, Packet: protocol.NewRaw([]byte("data"), protocol.AlgorithmNone)})

	for _, w := range []*Watcher{w1, w2} {
		m, err := w.Next()
		require.NoError(t, err)
		assert.Equal(t, hub.EventConnected, m.Event)

		m, err = w.Next()
		require.NoError(t, err)
		assert.Equal(t, hub.EventPacket, m.Event)
		assert.Equal(t, "data", string(m.Body))
	}

	w1.Close()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatchFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Watch(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
