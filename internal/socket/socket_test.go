//go:build linux

package socket

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tcphub/internal/protocol"
)

// Compile-time interface check.
var _ Owner = (*recorder)(nil)

// recorder is an Owner that collects every callback for inspection.
type recorder struct {
	raw atomic.Bool

	mu           sync.Mutex
	connected    int
	disconnected int
	packets      []*protocol.Packet

	connCh    chan struct{}
	discCh    chan struct{}
	packetsCh chan *protocol.Packet
}

func newRecorder(raw bool) *recorder {
	r := &recorder{
		connCh:    make(chan struct{}, 1),
		discCh:    make(chan struct{}, 1),
		packetsCh: make(chan *protocol.Packet, 64),
	}
	r.raw.Store(raw)
	return r
}

func (r *recorder) RawPolicy() bool { return r.raw.Load() }

func (r *recorder) OnConnected(*Socket) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
	r.connCh <- struct{}{}
}

func (r *recorder) OnDisconnected(*Socket) {
	r.mu.Lock()
	r.disconnected++
	r.mu.Unlock()
	r.discCh <- struct{}{}
}

func (r *recorder) OnPacketReceived(_ *Socket, p *protocol.Packet) {
	r.mu.Lock()
	r.packets = append(r.packets, p)
	r.mu.Unlock()
	r.packetsCh <- p
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// listen starts a loopback listener and hands every accepted conn to accepted.
func listen(t *testing.T) (net.Listener, int, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			accepted <- c
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port, accepted
}

func TestNewValidation(t *testing.T) {
	for _, host := range []string{"", "localhost", "::1", "256.0.0.1", "1.2.3", "0000127.000.000.001"} {
		s, err := New(Options{Host: host, Port: 80})
		assert.Nil(t, s, host)
		assert.ErrorIs(t, err, ErrInvalidHost, host)
	}
	for _, port := range []int{0, -1, 65536} {
		s, err := New(Options{Host: "127.0.0.1", Port: port})
		assert.Nil(t, s)
		assert.ErrorIs(t, err, ErrInvalidPort)
	}

	s, err := New(Options{Host: "127.0.0.1", Port: 1, Tag: 9})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 9, s.Tag())
	assert.Equal(t, StateCreated, s.State())
	assert.GreaterOrEqual(t, s.Handle(), 0)
	assert.Equal(t, DefaultTimeout, s.opts.Timeout)
	assert.Equal(t, DefaultPollInterval, s.opts.PollInterval)
}

func TestStartTwice(t *testing.T) {
	_, port, _ := listen(t)
	rec := newRecorder(true)
	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(rec), ErrAlreadyStarted)
	s.Stop()
	wait(t, s.Done(), "exit")
}

func TestConnectAndReceiveFramed(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(false)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port, Tag: 1}, rec)
	require.NoError(t, err)

	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")
	assert.True(t, s.Connected())
	assert.Equal(t, StateConnected, s.State())

	a, err := protocol.NewJSONPacket("ABCD", 1, "one", 1, 1)
	require.NoError(t, err)
	b, err := protocol.NewJSONPacket("ABCD", 2, map[string]int{"n": 2}, 1, 1)
	require.NoError(t, err)

	// two frames in one write, the second split across writes
	stream := append(append([]byte(nil), a.Buffer()...), b.Buffer()[:10]...)
	_, err = conn.Write(stream)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(b.Buffer()[10:])
	require.NoError(t, err)

	p1 := wait(t, rec.packetsCh, "first packet")
	p2 := wait(t, rec.packetsCh, "second packet")
	assert.Equal(t, int32(1), p1.Command())
	assert.Equal(t, `"one"`, string(p1.Body()))
	assert.Equal(t, int32(2), p2.Command())
	assert.Equal(t, b.Buffer(), p2.Buffer())

	s.Stop()
	wait(t, rec.discCh, "disconnect")
	wait(t, s.Done(), "exit")
	assert.ErrorIs(t, s.Err(), ErrStopped)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, -1, s.Handle())
}

func TestSendOrderPerProducer(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(true)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for id := 0; id < producers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				s.SendPacket(protocol.NewRaw([]byte(fmt.Sprintf("%d:%d\n", id, seq)), protocol.AlgorithmNone))
			}
		}(id)
	}
	wg.Wait()

	next := make([]int, producers)
	sc := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < producers*perProducer; i++ {
		require.True(t, sc.Scan(), "line %d", i)
		var id, seq int
		_, err := fmt.Sscanf(sc.Text(), "%d:%d", &id, &seq)
		require.NoError(t, err)
		assert.Equal(t, next[id], seq, "producer %d", id)
		next[id] = seq + 1
	}
	assert.Zero(t, s.Pending())

	s.Stop()
	wait(t, s.Done(), "exit")
}

func TestPeerClose(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(true)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")

	conn.Close()
	wait(t, rec.discCh, "disconnect")
	wait(t, s.Done(), "exit")

	assert.ErrorIs(t, s.Err(), ErrClosedByPeer)
	assert.False(t, s.Connected())
	c, d := rec.counts()
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, d)
}

func TestConnectRefused(t *testing.T) {
	ln, port, _ := listen(t)
	ln.Close()

	rec := newRecorder(true)
	s, err := Dial(Options{Host: "127.0.0.1", Port: port, Timeout: time.Second}, rec)
	require.NoError(t, err)
	wait(t, s.Done(), "exit")

	assert.ErrorIs(t, s.Err(), ErrConnectFailed)
	c, d := rec.counts()
	assert.Zero(t, c)
	assert.Zero(t, d)
}

func TestForceDisconnectSuppressesEvent(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(true)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")

	assert.True(t, s.ForceDisconnect())
	assert.False(t, s.ForceDisconnect())

	// the connection is shut down, so the peer sees EOF
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	wait(t, s.Done(), "exit")
	assert.Equal(t, -1, s.Handle())

	_, d := rec.counts()
	assert.Zero(t, d)
	assert.ErrorIs(t, s.Err(), ErrStopped)
}

// parkedOwner holds the socket goroutine inside OnConnected until released.
type parkedOwner struct {
	entered chan struct{}
	release chan struct{}
}

func (o *parkedOwner) RawPolicy() bool                            { return true }
func (o *parkedOwner) OnDisconnected(*Socket)                     {}
func (o *parkedOwner) OnPacketReceived(*Socket, *protocol.Packet) {}

func (o *parkedOwner) OnConnected(*Socket) {
	close(o.entered)
	<-o.release
}

func TestOutsideTeardownLeavesDescriptorToWorker(t *testing.T) {
	_, port, accepted := listen(t)
	owner := &parkedOwner{entered: make(chan struct{}), release: make(chan struct{})}

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, owner)
	require.NoError(t, err)
	wait(t, owner.entered, "connect")
	conn := wait(t, accepted, "accept")
	fd := s.Handle()
	require.GreaterOrEqual(t, fd, 0)

	assert.True(t, s.ForceDisconnect())
	s.Close()
	assert.False(t, s.HasAvailable())

	// the worker is still running; the number must not be free for reuse
	assert.Equal(t, fd, s.Handle())
	_, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	assert.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	close(owner.release)
	wait(t, s.Done(), "exit")
	assert.Equal(t, -1, s.Handle())
}

// saturatedListener returns the port of a listener whose accept queue is
// full, so further SYNs are dropped and connects hang.
func saturatedListener(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 0))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for i := 0; i < 16; i++ {
		c, err := net.DialTimeout("tcp4", addr, 200*time.Millisecond)
		if err != nil {
			return port
		}
		t.Cleanup(func() { c.Close() })
	}
	t.Skip("accept queue never filled up")
	return 0
}

func TestConnectTimeout(t *testing.T) {
	port := saturatedListener(t)
	rec := newRecorder(true)

	start := time.Now()
	s, err := Dial(Options{Host: "127.0.0.1", Port: port, Timeout: 300 * time.Millisecond}, rec)
	require.NoError(t, err)
	wait(t, s.Done(), "exit")

	assert.ErrorIs(t, s.Err(), ErrConnectTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, s.Connected())
	c, d := rec.counts()
	assert.Zero(t, c)
	assert.Zero(t, d)
}

func TestSocketOptionsApplied(t *testing.T) {
	_, port, _ := listen(t)

	for _, keepAlive := range []bool{false, true} {
		s, err := New(Options{Host: "127.0.0.1", Port: port, KeepAlive: keepAlive})
		require.NoError(t, err)
		require.NoError(t, s.connect())

		v, err := unix.GetsockoptInt(s.Handle(), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
		require.NoError(t, err)
		assert.Equal(t, keepAlive, v != 0)

		l, err := unix.GetsockoptLinger(s.Handle(), unix.SOL_SOCKET, unix.SO_LINGER)
		require.NoError(t, err)
		assert.Equal(t, int32(1), l.Onoff)
		assert.Equal(t, int32(LingerSeconds), l.Linger)

		s.Close()
		assert.Equal(t, -1, s.Handle())
	}
}

func TestHasAvailable(t *testing.T) {
	_, port, accepted := listen(t)

	// no owner: the goroutine is never started so nothing consumes input
	s, err := New(Options{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.connect())
	conn := wait(t, accepted, "accept")

	assert.True(t, s.HasAvailable())

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.HasAvailable())
	assert.True(t, s.HasAvailable(), "peek must not consume")

	n, err := s.recv()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('x'), s.inBuf[0])

	conn.Close()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.HasAvailable())
	assert.Equal(t, -1, s.Handle())
}

func TestRawPolicyIsLive(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(true)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	p := wait(t, rec.packetsCh, "raw packet")
	assert.True(t, p.Raw())
	assert.Equal(t, "hello", string(p.Body()))

	rec.raw.Store(false)
	f, err := protocol.NewJSONPacket("ABCD", 5, nil, 0, 0)
	require.NoError(t, err)
	_, err = conn.Write(f.Buffer())
	require.NoError(t, err)
	p = wait(t, rec.packetsCh, "framed packet")
	assert.False(t, p.Raw())
	assert.Equal(t, int32(5), p.Command())

	s.Stop()
	wait(t, s.Done(), "exit")
}

func TestStopBeforeConnect(t *testing.T) {
	_, port, _ := listen(t)
	rec := newRecorder(true)

	s, err := New(Options{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	s.Stop()
	require.NoError(t, s.Start(rec))
	wait(t, s.Done(), "exit")

	assert.ErrorIs(t, s.Err(), ErrStopped)
	c, _ := rec.counts()
	assert.Zero(t, c)
}

func TestZeroLengthSendIsReleased(t *testing.T) {
	_, port, accepted := listen(t)
	rec := newRecorder(true)

	s, err := Dial(Options{Host: "127.0.0.1", Port: port}, rec)
	require.NoError(t, err)
	wait(t, rec.connCh, "connect")
	conn := wait(t, accepted, "accept")

	s.SendPacket(protocol.NewRaw(nil, protocol.AlgorithmNone))
	s.SendPacket(protocol.NewRaw([]byte("ok"), protocol.AlgorithmNone))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 2)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	s.Stop()
	wait(t, s.Done(), "exit")
}
