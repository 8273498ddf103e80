//go:build linux

package socket

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tcphub/internal/protocol"
	"github.com/1ureka/tcphub/internal/util"
)

// connectSlice bounds one poll(2) call during the connect wait so Stop is
// noticed before the full timeout elapses.
const connectSlice = 100 * time.Millisecond

// openSocket creates a non-blocking IPv4 stream socket and the eventfd used
// to wake the I/O loop when packets are queued.
func openSocket(keepAlive bool) (fd, wakeFd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, -1, errors.Wrap(err, "socket: create")
	}

	if keepAlive {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			unix.Close(fd)
			return -1, -1, errors.Wrap(err, "socket: SO_KEEPALIVE")
		}
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, -1, errors.Wrap(err, "socket: set non-blocking")
	}

	wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return -1, -1, errors.Wrap(err, "socket: eventfd")
	}

	return fd, wakeFd, nil
}

// transient reports errno values that mean "try again on the next iteration".
func transient(err error) bool {
	switch errors.Cause(err) {
	case unix.EAGAIN, unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Goroutine lifecycle
// ---------------------------------------------------------------------------

// run is the complete lifecycle of the socket: connect, I/O loop, shutdown.
func (s *Socket) run() {
	defer close(s.done)

	s.state.Store(int32(StateConnecting))
	util.LogSocket("socket connecting", "tag", s.Tag(), "fd", s.Handle(), "addr", s.Host(), "port", s.Port())

	if err := s.connect(); err != nil {
		s.fail(err)
	} else {
		s.connected.Store(true)
		s.state.Store(int32(StateConnected))
		util.Stats.AddConn()
		util.LogSocket("socket connected", "tag", s.Tag(), "fd", s.Handle())
		if o := s.currentOwner(); o != nil {
			o.OnConnected(s)
		}
		s.loop()
	}

	if s.markDisconnected() {
		if o := s.currentOwner(); o != nil {
			o.OnDisconnected(s)
		}
	}

	s.closeSocket()
	s.closeWake()
	s.state.Store(int32(StateClosed))
	util.LogSocket("socket goroutine exit", "tag", s.Tag(), "err", s.Err())
}

// fail records err and closes the handle.
func (s *Socket) fail(err error) {
	s.setErr(err)
	s.closeSocket()
	util.LogWarning("socket %d (%s:%d): %v", s.Tag(), s.Host(), s.Port(), err)
}

// connect issues a non-blocking connect and waits up to the configured
// timeout for the socket to become writable.
func (s *Socket) connect() error {
	fd := int(s.fd.Load())
	if fd < 0 {
		return ErrClosed
	}

	err := unix.Connect(fd, &unix.SockaddrInet4{Port: s.opts.Port, Addr: s.addr})
	if err != nil && !transient(err) {
		return errors.Wrapf(ErrConnectFailed, "%v", err)
	}

	// delay up to 500s for unsent data when the socket is closed
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: LingerSeconds})

	deadline := time.Now().Add(s.opts.Timeout)
	for {
		if s.stop.Load() {
			return ErrStopped
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return ErrConnectTimeout
		}
		if remain > connectSlice {
			remain = connectSlice
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int((remain+time.Millisecond-1)/time.Millisecond))
		if err != nil {
			if transient(err) {
				continue
			}
			return errors.Wrap(err, "socket: poll")
		}
		if n == 0 {
			continue
		}

		if soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soErr != 0 {
			return errors.Wrapf(ErrConnectFailed, "%v", unix.Errno(soErr))
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return ErrConnectFailed
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			return nil
		}
	}
}

// loop runs the read/write cycle until stopped, disconnected or closed.
// Each iteration receives, carves at most one packet, and advances the
// packet currently being sent.
func (s *Socket) loop() {
	var (
		pending *protocol.Packet
		sent    int
	)

	for !s.stop.Load() && s.connected.Load() && s.fd.Load() >= 0 {
		progress := false

		n, err := s.recv()
		if err != nil {
			s.fail(err)
			break
		}
		if n > 0 {
			progress = true
		}

		if s.inLen > 0 {
			if p := s.decode(); p != nil {
				s.compactIn(p.Length())
				util.Stats.PacketIn()
				util.LogSocket("packet received", "tag", s.Tag(), "len", p.Length())
				if o := s.currentOwner(); o != nil {
					o.OnPacketReceived(s, p)
				}
				progress = true
			}
		}

		if pending == nil {
			pending = s.popPacket()
			sent = 0
		}

		if pending != nil {
			if sent < pending.Length() {
				n, err := s.send(pending.Buffer()[sent:])
				if err != nil {
					// the packet is dropped, not requeued
					s.fail(err)
					break
				}
				if n > 0 {
					sent += n
					progress = true
				}
			}
			if sent >= pending.Length() {
				util.Stats.PacketOut()
				util.LogSocket("packet sent", "tag", s.Tag(), "len", pending.Length())
				pending = nil
				progress = true
			}
		}

		if !progress {
			s.idle(pending != nil)
		}
	}

	if s.stop.Load() {
		s.setErr(ErrStopped)
	}
}

// recv reads into the free tail of the inbound buffer. A full buffer reads
// nothing. Would-block is not an error.
func (s *Socket) recv() (int, error) {
	if s.inLen >= len(s.inBuf) {
		return 0, nil
	}
	fd := int(s.fd.Load())
	if fd < 0 {
		return 0, ErrClosed
	}

	n, err := unix.Read(fd, s.inBuf[s.inLen:])
	if err != nil {
		if transient(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "socket: recv")
	}
	if n == 0 {
		return 0, ErrClosedByPeer
	}

	s.inLen += n
	util.Stats.AddRecv(n)
	return n, nil
}

// send writes as much of b as the kernel accepts without blocking.
func (s *Socket) send(b []byte) (int, error) {
	fd := int(s.fd.Load())
	if fd < 0 {
		return 0, ErrClosed
	}

	n, err := unix.SendmsgN(fd, b, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if transient(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "socket: send")
	}

	util.Stats.AddSent(n)
	return n, nil
}

// idle waits up to the poll interval for the socket to become readable (or
// writable while a send is pending) or for a wake-up from SendPacket/Stop.
func (s *Socket) idle(wantWrite bool) {
	fd := s.fd.Load()
	if fd < 0 {
		return
	}

	var events int16
	if s.inLen < len(s.inBuf) {
		events |= unix.POLLIN
	}
	if wantWrite {
		events |= unix.POLLOUT
	}

	s.mu.Lock()
	wakeFd := s.wakeFd
	s.mu.Unlock()

	fds := []unix.PollFd{{Fd: fd, Events: events}}
	if wakeFd >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN})
	}
	if events == 0 && wakeFd < 0 {
		time.Sleep(s.opts.PollInterval)
		return
	}
	if events == 0 {
		// only the wake descriptor is meaningful; the stalled stream would
		// otherwise report POLLHUP/POLLERR in a tight loop
		fds = fds[1:]
	}

	n, err := unix.Poll(fds, int(s.opts.PollInterval/time.Millisecond))
	if err != nil || n == 0 || wakeFd < 0 {
		return
	}
	if fds[len(fds)-1].Revents&unix.POLLIN != 0 {
		s.drainWake()
	}
}

// wakeLocked signals the eventfd. s.mu must be held.
func (s *Socket) wakeLocked() {
	if s.wakeFd < 0 {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(s.wakeFd, one[:])
}

// drainWake resets the eventfd counter.
func (s *Socket) drainWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeFd < 0 {
		return
	}
	var buf [8]byte
	_, _ = unix.Read(s.wakeFd, buf[:])
}

func (s *Socket) closeWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeFd >= 0 {
		unix.Close(s.wakeFd)
		s.wakeFd = -1
	}
}

// shutdownSocket shuts both directions of the connection down without
// releasing the descriptor. Safe from any goroutine.
func (s *Socket) shutdownSocket() {
	fd := s.fd.Load()
	if fd < 0 {
		return
	}
	if err := unix.Shutdown(int(fd), unix.SHUT_RDWR); err == nil {
		util.LogSocket("socket shut down", "tag", s.Tag(), "fd", fd)
	}
}

// closeSocket closes the OS handle once. Only the socket goroutine calls it
// after Start.
func (s *Socket) closeSocket() {
	old := s.fd.Swap(-1)
	if old < 0 {
		return
	}
	unix.Close(int(old))
	util.LogSocket("socket closed", "tag", s.Tag(), "fd", old)
}

// HasAvailable peeks at one byte without consuming it. It returns false and
// releases the socket when the peer has gone away or the socket errored; a
// healthy socket with nothing to read still reports true.
func (s *Socket) HasAvailable() bool {
	fd := int(s.fd.Load())
	if fd < 0 {
		return false
	}

	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		if transient(err) {
			return true
		}
		s.release()
		return false
	}
	if n == 0 {
		s.release()
		return false
	}
	return true
}
