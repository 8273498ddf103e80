// Package hub owns a set of sockets and turns their goroutine callbacks into
// an ordered event stream. Socket goroutines append to three ingress queues;
// the application calls Drain once per tick to publish what accumulated.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/pkg/errors"

	"github.com/1ureka/tcphub/internal/protocol"
	"github.com/1ureka/tcphub/internal/socket"
	"github.com/1ureka/tcphub/internal/util"
)

var (
	ErrDuplicateHandle = errors.New("hub: a socket with this handle is already registered")
	ErrStopped         = errors.New("hub: stopped")
)

// DialFunc creates and starts a socket reporting to owner.
type DialFunc func(opts socket.Options, owner socket.Owner) (*socket.Socket, error)

// Options configures a Hub.
type Options struct {
	Dispatcher Dispatcher // receives drained events
	Ticks      TickSource // when set, Drain is subscribed to it
	RawPolicy  *bool      // nil means raw
	Dial       DialFunc   // defaults to socket.Dial
}

// received pairs a packet with the socket that produced it.
type received struct {
	sock   *socket.Socket
	packet *protocol.Packet
}

// Hub is the socket registry and event pump.
type Hub struct {
	dispatcher Dispatcher
	dial       DialFunc
	raw        atomic.Bool
	stopped    atomic.Bool

	// drainMu serializes Drain and StopAll, the only dispatching paths.
	drainMu sync.Mutex

	regMu   sync.Mutex
	sockets []*socket.Socket

	// mu guards the three ingress queues.
	mu           sync.Mutex
	connected    *queue.Queue
	disconnected *queue.Queue
	packets      *queue.Queue

	unsubscribe func()
}

// Compile-time interface check.
var _ socket.Owner = (*Hub)(nil)

// New creates a hub and, when opts.Ticks is set, subscribes Drain to it.
func New(opts Options) *Hub {
	h := &Hub{
		dispatcher:   opts.Dispatcher,
		dial:         opts.Dial,
		connected:    queue.New(),
		disconnected: queue.New(),
		packets:      queue.New(),
	}
	if h.dispatcher == nil {
		h.dispatcher = DispatcherFunc(func(Event) {})
	}
	if h.dial == nil {
		h.dial = socket.Dial
	}
	h.raw.Store(opts.RawPolicy == nil || *opts.RawPolicy)
	if opts.Ticks != nil {
		h.unsubscribe = opts.Ticks.Subscribe(h.Drain)
	}
	return h
}

// RawPolicy reports whether sockets decode inbound bytes as raw packets.
func (h *Hub) RawPolicy() bool { return h.raw.Load() }

// SetRawPolicy switches decoding for every owned socket, including
// connections already in progress.
func (h *Hub) SetRawPolicy(raw bool) { h.raw.Store(raw) }

// CreateSocket dials a new socket owned by the hub and registers it. A socket
// whose handle collides with a registered one is rejected and stopped.
func (h *Hub) CreateSocket(opts socket.Options) (*socket.Socket, error) {
	if h.stopped.Load() {
		return nil, ErrStopped
	}

	h.regMu.Lock()
	defer h.regMu.Unlock()

	s, err := h.dial(opts, h)
	if err != nil {
		return nil, err
	}
	if h.stopped.Load() {
		// StopAll ran while dialing and will not see this socket
		s.SetOwner(nil)
		s.ForceDisconnect()
		return nil, ErrStopped
	}
	if err := h.addLocked(s); err != nil {
		return nil, err
	}
	util.LogSocket("hub socket registered", "tag", s.Tag(), "fd", s.Handle())
	return s, nil
}

// addLocked registers s unless its handle is taken. regMu must be held.
func (h *Hub) addLocked(s *socket.Socket) error {
	for _, cur := range h.sockets {
		if cur == s {
			return ErrDuplicateHandle
		}
		if cur.Handle() >= 0 && cur.Handle() == s.Handle() {
			s.SetOwner(nil)
			s.Stop()
			return ErrDuplicateHandle
		}
	}
	h.sockets = append(h.sockets, s)
	return nil
}

// GetSocket returns the first registered socket with tag, or nil.
func (h *Hub) GetSocket(tag int) *socket.Socket {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	for _, s := range h.sockets {
		if s.Tag() == tag {
			return s
		}
	}
	return nil
}

// Sockets returns a snapshot of the registry.
func (h *Hub) Sockets() []*socket.Socket {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	return append([]*socket.Socket(nil), h.sockets...)
}

// SendPacket queues p on the socket with tag. It reports whether such a
// socket exists.
func (h *Hub) SendPacket(tag int, p *protocol.Packet) bool {
	s := h.GetSocket(tag)
	if s == nil {
		return false
	}
	s.SendPacket(p)
	return true
}

// Disconnect asks the socket with tag to stop. The disconnected event follows
// through Drain once its goroutine leaves the I/O loop.
func (h *Hub) Disconnect(tag int) bool {
	s := h.GetSocket(tag)
	if s == nil {
		return false
	}
	s.Stop()
	return true
}

func (h *Hub) OnConnected(s *socket.Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return
	}
	h.connected.Add(s)
}

func (h *Hub) OnDisconnected(s *socket.Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return
	}
	h.disconnected.Add(s)
}

func (h *Hub) OnPacketReceived(s *socket.Socket, p *protocol.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return
	}
	h.packets.Add(received{sock: s, packet: p})
}

// takeAll swaps out the three ingress queues under the lock.
func (h *Hub) takeAll() (conn, pkts, disc *queue.Queue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, pkts, disc = h.connected, h.packets, h.disconnected
	h.connected, h.packets, h.disconnected = queue.New(), queue.New(), queue.New()
	return conn, pkts, disc
}

// Drain publishes everything queued since the previous call: all connected
// events, then all received packets, then all disconnected events, each in
// arrival order. A socket is removed from the registry right after its
// disconnected event is published. Drain and StopAll never dispatch at the
// same time, and a Drain that overlaps StopAll stops publishing as soon as
// the hub is marked stopped.
//
// Dispatchers must not call Drain or StopAll.
func (h *Hub) Drain() {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	if h.stopped.Load() {
		return
	}

	conn, pkts, disc := h.takeAll()

	for conn.Length() > 0 {
		s := conn.Remove().(*socket.Socket)
		if !h.publish(Event{Kind: Connected, Socket: s}) {
			return
		}
	}
	for pkts.Length() > 0 {
		r := pkts.Remove().(received)
		if !h.publish(Event{Kind: PacketReceived, Socket: r.sock, Packet: r.packet}) {
			return
		}
	}
	for disc.Length() > 0 {
		s := disc.Remove().(*socket.Socket)
		if !h.publish(Event{Kind: Disconnected, Socket: s, Err: s.Err()}) {
			return
		}
		h.remove(s)
	}
}

// publish dispatches e unless the hub has been stopped. drainMu must be held.
func (h *Hub) publish(e Event) bool {
	if h.stopped.Load() {
		return false
	}
	h.dispatcher.Dispatch(e)
	return true
}

// remove drops s from the registry.
func (h *Hub) remove(s *socket.Socket) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	for i, cur := range h.sockets {
		if cur == s {
			h.sockets = append(h.sockets[:i], h.sockets[i+1:]...)
			return
		}
	}
}

// StopAll force-closes every socket, publishing a disconnected event
// directly for each one that was connected, then empties the registry and
// leaves the tick source. It waits for a Drain in progress to return, so no
// event is published once StopAll has returned. Socket goroutines are not
// joined; they notice the stop flag and exit on their own. Events they raise
// afterwards are dropped.
func (h *Hub) StopAll() {
	h.mu.Lock()
	h.stopped.Store(true)
	h.connected, h.packets, h.disconnected = queue.New(), queue.New(), queue.New()
	h.mu.Unlock()

	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	h.regMu.Lock()
	sockets := h.sockets
	h.sockets = nil
	h.regMu.Unlock()

	for _, s := range sockets {
		s.SetOwner(nil)
		if s.ForceDisconnect() {
			h.dispatcher.Dispatch(Event{Kind: Disconnected, Socket: s, Err: s.Err()})
		}
	}

	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	if len(sockets) > 0 {
		util.LogDebug("hub stopped, %d sockets closed", len(sockets))
	}
}

// Stopped reports whether StopAll has run.
func (h *Hub) Stopped() bool { return h.stopped.Load() }

// pending returns the queued counts, for tests.
func (h *Hub) pending() (conn, pkts, disc int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected.Length(), h.packets.Length(), h.disconnected.Length()
}
