package hub

import (
	"github.com/1ureka/tcphub/internal/protocol"
	"github.com/1ureka/tcphub/internal/socket"
)

// EventKind tags the three notifications the hub publishes.
type EventKind int

const (
	Connected EventKind = iota
	PacketReceived
	Disconnected
)

// Event names used when publishing through a named-event dispatcher.
const (
	EventConnected    = "tcp.connected"
	EventPacket       = "tcp.packet"
	EventDisconnected = "tcp.disconnected"
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case Connected:
		return EventConnected
	case PacketReceived:
		return EventPacket
	case Disconnected:
		return EventDisconnected
	}
	return "tcp.unknown"
}

// Event is one published notification. Packet is set only for
// PacketReceived; Err carries the disconnect reason when one is known.
type Event struct {
	Kind   EventKind
	Socket *socket.Socket
	Packet *protocol.Packet
	Err    error
}

// Tag is the tag of the socket the event concerns.
func (e Event) Tag() int { return e.Socket.Tag() }

// Dispatcher receives drained events on the goroutine that calls Drain.
type Dispatcher interface {
	Dispatch(Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(Event)

func (f DispatcherFunc) Dispatch(e Event) { f(e) }

// MultiDispatcher forwards every event to each dispatcher in order.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Dispatch(e Event) {
	for _, d := range m {
		if d != nil {
			d.Dispatch(e)
		}
	}
}
