//go:build !linux

package socket

func openSocket(bool) (int, int, error) {
	return -1, -1, ErrNotSupported
}

func (s *Socket) run() {
	defer close(s.done)
	s.setErr(ErrNotSupported)
	s.state.Store(int32(StateClosed))
}

func (s *Socket) wakeLocked() {}

func (s *Socket) shutdownSocket() {}

func (s *Socket) closeSocket() {
	s.fd.Store(-1)
}

// HasAvailable always reports false on unsupported platforms.
func (s *Socket) HasAvailable() bool { return false }
