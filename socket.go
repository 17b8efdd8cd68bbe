package someip

import (
	"io"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// QoS configures the priority of packets sent on a connection.
type QoS struct {
	Enabled  bool `yaml:"enabled"`
	Priority int  `yaml:"priority"`
}

// KeepAlive configures TCP keepalive probing on a connection.
type KeepAlive struct {
	Enabled    bool          `yaml:"enabled"`
	Time       time.Duration `yaml:"time"`
	Interval   time.Duration `yaml:"interval"`
	RetryCount int           `yaml:"retry_count"`
}

// SocketOptions are applied to every connected socket of an endpoint.
type SocketOptions struct {
	QoS       QoS       `yaml:"qos"`
	KeepAlive KeepAlive `yaml:"keep_alive"`
}

// ErrMixedAddressFamily is returned when local and remote addresses differ in family.
var ErrMixedAddressFamily = errors.New("local and remote address families differ")

// Socket is a connected, non-blocking TCP socket.
type Socket struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort
	closed bool
}

func newSocket(fd int) *Socket {
	s := &Socket{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		s.local = addrPortFromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		s.remote = addrPortFromSockaddr(sa)
	}
	return s
}

// Handle returns the file descriptor.
func (s *Socket) Handle() int { return s.fd }

// LocalAddr returns the local address of the socket.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr returns the address of the peer.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// Receive reads up to len(p) bytes without blocking. It returns (0, nil) when
// no data is available and io.EOF once the peer has closed the stream.
func (s *Socket) Receive(p []byte) (int, error) {
	if s.closed {
		return 0, ErrConnectionClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, errors.Wrap(err, "receive")
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Send writes p in a single non-blocking call. A partial write is reported
// as io.ErrShortWrite; the rest of p is not retried.
func (s *Socket) Send(p []byte) (int, error) {
	if s.closed {
		return 0, ErrConnectionClosed
	}

	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, errors.Wrap(err, "send")
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Apply configures priority and keepalive as requested by opts.
func (s *Socket) Apply(opts SocketOptions) error {
	if opts.QoS.Enabled {
		if err := s.SetPriority(opts.QoS.Priority); err != nil {
			return err
		}
	}
	if opts.KeepAlive.Enabled {
		if err := s.SetKeepAlive(opts.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the socket. Safe to call multiple times.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Wrap(unix.Close(s.fd), "close socket")
}

// newStreamSocket opens a non-blocking TCP socket that may share its local
// port with the endpoint's listener.
func newStreamSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set non-blocking")
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set SO_REUSEADDR")
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set SO_REUSEPORT")
	}
	return fd, nil
}

func sockaddrFromAddrPort(ap netip.AddrPort) (unix.Sockaddr, int) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, unix.AF_INET6
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// connector is an outgoing connect in progress. Its handle becomes writable
// once the attempt has resolved.
type connector struct {
	fd     int
	remote netip.AddrPort
}

// startConnect begins a non-blocking connect from local to remote. The local
// port is bound only when it is non-zero.
func startConnect(local, remote netip.AddrPort) (*connector, error) {
	remoteSa, family := sockaddrFromAddrPort(remote)

	fd, err := newStreamSocket(family)
	if err != nil {
		return nil, err
	}

	if local.Port() != 0 || (local.Addr().IsValid() && !local.Addr().IsUnspecified()) {
		localSa, localFamily := sockaddrFromAddrPort(local)
		if localFamily != family {
			unix.Close(fd)
			return nil, errors.Wrapf(ErrMixedAddressFamily, "%s -> %s", local, remote)
		}
		if err = unix.Bind(fd, localSa); err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "bind %s", local)
		}
	}

	err = unix.Connect(fd, remoteSa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %s", remote)
	}

	return &connector{fd: fd, remote: remote}, nil
}

// Handle returns the descriptor to watch for write readiness.
func (c *connector) Handle() int { return c.fd }

// finish resolves the connect attempt once the handle is writable. On
// failure the descriptor is closed.
func (c *connector) finish() (*Socket, error) {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(c.fd)
		return nil, errors.Wrap(err, "get SO_ERROR")
	}
	if soErr != 0 {
		unix.Close(c.fd)
		return nil, errors.Wrapf(unix.Errno(soErr), "connect %s", c.remote)
	}

	s := newSocket(c.fd)
	if !s.remote.IsValid() {
		s.remote = c.remote
	}
	return s, nil
}

// abort closes the descriptor of an unresolved attempt.
func (c *connector) abort() {
	unix.Close(c.fd)
}

// listener is a non-blocking listening socket.
type listener struct {
	fd   int
	addr netip.AddrPort
}

func listen(local netip.AddrPort, backlog int) (*listener, error) {
	sa, family := sockaddrFromAddrPort(local)

	fd, err := newStreamSocket(family)
	if err != nil {
		return nil, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind %s", local)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listen %s", local)
	}

	l := &listener{fd: fd, addr: local}
	if bound, err := unix.Getsockname(fd); err == nil {
		l.addr = addrPortFromSockaddr(bound)
	}
	return l, nil
}

// accept returns the next pending connection, or nil when none is pending.
func (l *listener) accept() (*Socket, error) {
	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR || err == unix.ECONNABORTED {
			return nil, nil
		}
		return nil, errors.Wrap(err, "accept")
	}
	unix.CloseOnExec(fd)

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set non-blocking")
	}
	return newSocket(fd), nil
}

func (l *listener) close() error {
	return errors.Wrap(unix.Close(l.fd), "close listener")
}
