// Package socket implements an outbound TCP connection driven by one
// dedicated goroutine. The goroutine connects with a timeout, then loops over
// non-blocking receive and send calls: inbound bytes are carved into packets
// and handed to the owner, outbound packets are drained from a FIFO.
package socket

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"

	"github.com/1ureka/tcphub/internal/protocol"
	"github.com/1ureka/tcphub/internal/util"
)

// Tuning constants.
const (
	InputBufferSize     = 64 * 1024             // fixed capacity of the inbound buffer
	MaxHostLength       = 15                    // longest IPv4 dotted quad
	DefaultTimeout      = 5 * time.Second       // connect wait when Options.Timeout <= 0
	DefaultPollInterval = 10 * time.Millisecond // idle wait between loop iterations
	LingerSeconds       = 500                   // SO_LINGER value applied after connect
)

var (
	ErrInvalidHost    = errors.New("socket: host must be a literal IPv4 address")
	ErrInvalidPort    = errors.New("socket: port out of range")
	ErrAlreadyStarted = errors.New("socket: already started")
	ErrConnectTimeout = errors.New("socket: connect timed out")
	ErrConnectFailed  = errors.New("socket: connect failed")
	ErrClosedByPeer   = errors.New("socket: connection closed by peer")
	ErrClosed         = errors.New("socket: closed")
	ErrStopped        = errors.New("socket: stopped")
	ErrNotSupported   = errors.New("socket: platform not supported")
)

// State is the lifecycle position of a Socket.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options describes the connection to open.
type Options struct {
	Host         string        // literal IPv4 address, no DNS
	Port         int           // 1~65535
	Tag          int           // application-assigned identifier
	Timeout      time.Duration // connect wait
	KeepAlive    bool          // SO_KEEPALIVE
	PollInterval time.Duration // idle wait between I/O iterations
}

// Owner receives events from the socket goroutine. Its methods are called
// from that goroutine and must not block.
type Owner interface {
	RawPolicy() bool
	OnConnected(s *Socket)
	OnDisconnected(s *Socket)
	OnPacketReceived(s *Socket, p *protocol.Packet)
}

// Socket is one OS socket plus the goroutine that drives it.
type Socket struct {
	opts Options
	addr [4]byte

	fd        atomic.Int32
	state     atomic.Int32
	connected atomic.Bool
	stop      atomic.Bool
	started   atomic.Bool

	ownerMu sync.RWMutex
	owner   Owner

	// mu guards sendQueue and wakeFd.
	mu        sync.Mutex
	sendQueue *queue.Queue
	wakeFd    int

	// inbound stream, touched only by the socket goroutine
	inBuf []byte
	inLen int

	errMu sync.Mutex
	err   error

	done chan struct{}
}

// ParseHost validates host as a literal dotted-quad IPv4 address.
func ParseHost(host string) ([4]byte, error) {
	if host == "" || len(host) > MaxHostLength {
		return [4]byte{}, ErrInvalidHost
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return [4]byte{}, ErrInvalidHost
	}
	return ip.As4(), nil
}

// New validates opts and opens a non-blocking stream socket without
// connecting it. Nothing is allocated when validation fails.
func New(opts Options) (*Socket, error) {
	addr, err := ParseHost(opts.Host)
	if err != nil {
		return nil, err
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	fd, wakeFd, err := openSocket(opts.KeepAlive)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		opts:      opts,
		addr:      addr,
		sendQueue: queue.New(),
		wakeFd:    wakeFd,
		inBuf:     make([]byte, InputBufferSize),
		done:      make(chan struct{}),
	}
	s.fd.Store(int32(fd))
	return s, nil
}

// Dial creates a socket and starts its goroutine, which reports to owner.
func Dial(opts Options, owner Owner) (*Socket, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Start(owner); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Start spawns the goroutine that connects and runs the I/O loop. It may be
// called once.
func (s *Socket) Start(owner Owner) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.SetOwner(owner)
	go s.run()
	return nil
}

func (s *Socket) Tag() int        { return s.opts.Tag }
func (s *Socket) Host() string    { return s.opts.Host }
func (s *Socket) Port() int       { return s.opts.Port }
func (s *Socket) Handle() int     { return int(s.fd.Load()) }
func (s *Socket) State() State    { return State(s.state.Load()) }
func (s *Socket) Connected() bool { return s.connected.Load() }
func (s *Socket) Stopped() bool   { return s.stop.Load() }

// Done is closed when the socket goroutine has exited.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the reason the socket stopped, or nil while it is alive.
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// setErr records the first terminal error.
func (s *Socket) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SetOwner replaces the event receiver. A nil owner drops further events.
func (s *Socket) SetOwner(o Owner) {
	s.ownerMu.Lock()
	s.owner = o
	s.ownerMu.Unlock()
}

func (s *Socket) currentOwner() Owner {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()
	return s.owner
}

// SendPacket queues p for transmission. Safe for concurrent use; it never
// blocks on the network.
func (s *Socket) SendPacket(p *protocol.Packet) {
	s.mu.Lock()
	s.sendQueue.Add(p)
	s.wakeLocked()
	s.mu.Unlock()
}

// Pending returns the number of queued packets not yet picked up for sending.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendQueue.Length()
}

// popPacket removes the front of the send queue, or returns nil.
func (s *Socket) popPacket() *protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendQueue.Length() == 0 {
		return nil
	}
	return s.sendQueue.Remove().(*protocol.Packet)
}

// Stop asks the goroutine to leave its I/O loop. It does not interrupt a
// syscall in flight.
func (s *Socket) Stop() {
	s.stop.Store(true)
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

// Close releases the OS handle. It is idempotent. On a started socket the
// handle is only shut down; the socket goroutine closes it on exit.
func (s *Socket) Close() {
	s.release()
}

// release tears the connection down from outside the socket goroutine. Once
// the goroutine is running it alone may close the descriptor, so that it
// never issues a syscall on a number the kernel has handed out again.
func (s *Socket) release() {
	if !s.started.Load() {
		s.closeSocket()
		return
	}
	s.Stop()
	s.shutdownSocket()
}

// ForceDisconnect marks a connected socket as disconnected, stops it and
// shuts its connection down. It reports whether the socket was connected;
// when it was, the goroutine will not emit its own disconnect event.
func (s *Socket) ForceDisconnect() bool {
	was := s.markDisconnected()
	if was {
		s.setErr(ErrStopped)
	}
	s.Stop()
	s.release()
	return was
}

// compactIn drops the first consumed bytes of the inbound buffer.
func (s *Socket) compactIn(consumed int) {
	if consumed < s.inLen {
		copy(s.inBuf, s.inBuf[consumed:s.inLen])
		s.inLen -= consumed
	} else {
		s.inLen = 0
	}
}

// decode carves one packet from the inbound buffer according to the owner's
// current raw policy. An incomplete frame yields nil and leaves the buffer
// untouched.
func (s *Socket) decode() *protocol.Packet {
	raw := true
	if o := s.currentOwner(); o != nil {
		raw = o.RawPolicy()
	}
	if raw {
		return protocol.NewRaw(s.inBuf[:s.inLen], protocol.AlgorithmNone)
	}
	p, err := protocol.Parse(s.inBuf[:s.inLen])
	if err != nil {
		return nil
	}
	return p
}

// markDisconnected clears the connected flag. Exactly one caller observes
// true for each connection, and only that caller publishes the disconnect.
func (s *Socket) markDisconnected() bool {
	if !s.connected.CompareAndSwap(true, false) {
		return false
	}
	util.Stats.RemoveConn()
	return true
}
