// Package bridge mirrors drained hub events to websocket observers as JSON.
package bridge

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/1ureka/tcphub/internal/hub"
	"github.com/1ureka/tcphub/internal/util"
)

// WriteTimeout bounds one message write to a slow observer.
const WriteTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON form of a hub event.
type Message struct {
	Event   string `json:"event"`
	Tag     int    `json:"tag"`
	Magic   string `json:"magic,omitempty"`
	Command int32  `json:"command,omitempty"`
	Raw     bool   `json:"raw,omitempty"`
	Body    []byte `json:"body,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewMessage converts e.
func NewMessage(e hub.Event) Message {
	m := Message{Event: e.Kind.String()}
	if e.Socket != nil {
		m.Tag = e.Tag()
	}
	if p := e.Packet; p != nil {
		m.Raw = p.Raw()
		m.Body = p.Body()
		if !p.Raw() {
			m.Magic = p.Magic()
			m.Command = p.Command()
		}
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// Server accepts observers on /ws and broadcasts every dispatched event.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// Compile-time interface check.
var _ hub.Dispatcher = (*Server)(nil)

// NewServer creates a server with no observers.
func NewServer() *Server {
	return &Server{clients: make(map[*websocket.Conn]struct{})}
}

// Start begins listening on addr (":0" for a random port). Returns the
// assigned address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bridge: listen")
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("event bridge listening on ws://%s/ws", listener.Addr())
	return listener.Addr(), nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	util.LogDebug("bridge observer joined: %s", conn.RemoteAddr())

	// observers never send; reading only detects the close
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		conn.Close()
		util.LogDebug("bridge observer left: %s", conn.RemoteAddr())
	}
}

// Clients returns the number of connected observers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dispatch sends e to every observer. Observers that fail to keep up are
// disconnected.
func (s *Server) Dispatch(e hub.Event) {
	msg := NewMessage(e)

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if err := c.WriteJSON(msg); err != nil {
			util.LogDebug("bridge write failed: %v", err)
			s.drop(c)
		}
	}
}

// Close shuts down the listener and every observer.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	conns := s.clients
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for c := range conns {
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.Close()
	}
}

// Watcher is an observer connection.
type Watcher struct {
	conn *websocket.Conn
}

// Watch dials the bridge at url.
func Watch(ctx context.Context, url string) (*Watcher, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bridge: dial")
	}
	return &Watcher{conn: conn}, nil
}

// Next blocks until the next event arrives.
func (w *Watcher) Next() (Message, error) {
	var m Message
	err := w.conn.ReadJSON(&m)
	return m, err
}

// Close closes the observer connection.
func (w *Watcher) Close() error {
	return w.conn.Close()
}
