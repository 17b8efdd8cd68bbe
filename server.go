package someip

import (
	"net/netip"
	"time"
)

// AcceptFunc takes ownership of an accepted socket.
type AcceptFunc func(socket *Socket)

// Server listens for incoming TCP connections on behalf of an endpoint.
// It is driven by a Reactor: every readiness notification on the listening
// handle accepts all pending connections and hands them to the AcceptFunc.
type Server struct {
	reactor  *Reactor
	listener *listener
	accept   AcceptFunc
	logger   Logger
	backlog  int
	retry    time.Duration
	paused   bool
	closed   bool
}

// defaultAcceptRetry is how long the listener rests after an accept failure.
const defaultAcceptRetry = 100 * time.Millisecond

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerBacklogOption sets the listen backlog.
// Default is 128.
func ServerBacklogOption(backlog int) ServerOption {
	return func(s *Server) {
		s.backlog = backlog
	}
}

// ServerAcceptRetryOption sets how long the server stops accepting after an
// accept failure such as running out of descriptors.
// Default is 100ms.
func ServerAcceptRetryOption(d time.Duration) ServerOption {
	return func(s *Server) {
		s.retry = d
	}
}

// NewServer binds addr and registers the listening handle with reactor.
// Returns an error if the address cannot be bound.
func NewServer(reactor *Reactor, addr netip.AddrPort, accept AcceptFunc, opts ...ServerOption) (*Server, error) {
	s := &Server{
		reactor: reactor,
		accept:  accept,
		logger:  defaultLogger(),
		backlog: defaultBacklog,
		retry:   defaultAcceptRetry,
	}

	for _, opt := range opts {
		opt(s)
	}

	l, err := listen(addr, s.backlog)
	if err != nil {
		return nil, err
	}
	s.listener = l

	if err = reactor.RegisterEventHandler(l.fd, s, ReadEvent, nil); err != nil {
		l.close()
		return nil, err
	}

	s.logger.Info("server started", "addr", l.addr)
	return s, nil
}

// HandleRead accepts every pending connection.
func (s *Server) HandleRead(handle int) bool {
	if s.closed || handle != s.listener.fd {
		return false
	}

	for {
		socket, err := s.listener.accept()
		if err != nil {
			// The pending connection stays queued, so the handle stays readable.
			s.logger.Error("accept error, pausing listener", "error", err, "retry", s.retry)
			s.pause()
			return false
		}
		if socket == nil {
			return true
		}

		s.logger.Debug("accepted connection", "remote_addr", socket.RemoteAddr())
		s.accept(socket)

		if s.closed {
			return false
		}
	}
}

// pause stops watching the listener until the retry delay has passed.
func (s *Server) pause() {
	s.paused = true
	s.reactor.UnregisterEventHandler(s.listener.fd, ReadEvent)
	time.AfterFunc(s.retry, func() {
		_ = s.reactor.Post(s.resume)
	})
}

func (s *Server) resume() {
	if s.closed || !s.paused {
		return
	}
	s.paused = false

	if err := s.reactor.RegisterEventHandler(s.listener.fd, s, ReadEvent, nil); err != nil {
		s.logger.Error("resume listener failed", "addr", s.listener.addr, "error", err)
		return
	}
	s.logger.Info("listener resumed", "addr", s.listener.addr)
}

func (s *Server) HandleWrite(int) bool     { return false }
func (s *Server) HandleException(int) bool { return false }

// IsValid reports whether the server is still listening.
func (s *Server) IsValid() bool { return !s.closed }

// Close stops listening. Accepted connections are not affected.
// Safe to call multiple times.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.reactor.UnregisterEventHandler(s.listener.fd, ReadEvent)
	s.logger.Info("server stopped", "addr", s.listener.addr)
	return s.listener.close()
}

// Addr returns the bound address. When listening on port 0 it carries the
// port chosen by the system.
func (s *Server) Addr() netip.AddrPort {
	return s.listener.addr
}
