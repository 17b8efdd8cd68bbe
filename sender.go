package someip

import (
	"net/netip"

	"github.com/pkg/errors"
)

// ErrSenderClosed is returned when using a closed Sender or ResponseSender.
var ErrSenderClosed = errors.New("sender closed")

// PacketSink accepts complete messages for a service instance.
type PacketSink interface {
	Forward(instance InstanceID, packet *Message) error
}

// ConnectionStateChangeHandler is notified when the connection behind a
// Sender is established or lost. It runs on the reactor goroutine.
type ConnectionStateChangeHandler interface {
	OnConnect(s *Sender)
	OnDisconnect(s *Sender)
}

// Sender sends messages to one remote peer. It holds its connection open
// until Close. A Sender must only be used on the reactor goroutine.
type Sender struct {
	endpoint *Endpoint
	conn     *Connection
	handler  ConnectionStateChangeHandler
	required []serviceInstance
	closed   bool
}

func newSender(e *Endpoint, conn *Connection) *Sender {
	s := &Sender{endpoint: e, conn: conn}
	e.acquireConnection(conn)
	conn.registerSender(s)
	return s
}

// RemoteAddr returns the address of the peer.
func (s *Sender) RemoteAddr() netip.AddrPort { return s.conn.RemoteAddr() }

// IsConnected reports whether the connection is established and still owned
// by the endpoint.
func (s *Sender) IsConnected() bool {
	return !s.closed && !s.conn.removed && s.conn.IsConnected()
}

// SetConnectionStateChangeHandler installs h. If the connection is already
// established, h.OnConnect is called right away.
func (s *Sender) SetConnectionStateChangeHandler(h ConnectionStateChangeHandler) {
	s.handler = h
	if h != nil && s.IsConnected() {
		h.OnConnect(s)
	}
}

// Connect asks the connection to (re)connect. It is a no-op while connected
// or connecting.
func (s *Sender) Connect() error {
	if s.closed {
		return ErrSenderClosed
	}
	return s.conn.Connect()
}

// RegisterRequiredServiceInstance routes responses and events of service
// received on this connection to instance. Registering a pair the sender
// already holds is a no-op.
func (s *Sender) RegisterRequiredServiceInstance(service ServiceID, instance InstanceID) {
	if s.closed {
		return
	}
	for _, si := range s.required {
		if si.service == service && si.instance == instance {
			return
		}
	}
	s.required = append(s.required, serviceInstance{service: service, instance: instance})
	s.conn.registerRequiredServiceInstance(service, instance)
}

// UnregisterRequiredServiceInstance undoes one RegisterRequiredServiceInstance.
func (s *Sender) UnregisterRequiredServiceInstance(service ServiceID, instance InstanceID) {
	for i, si := range s.required {
		if si.service == service && si.instance == instance {
			s.required = append(s.required[:i], s.required[i+1:]...)
			s.conn.unregisterRequiredServiceInstance(service, instance)
			return
		}
	}
}

// Forward sends packet to the peer.
func (s *Sender) Forward(instance InstanceID, packet *Message) error {
	if s.closed {
		return ErrSenderClosed
	}
	return s.conn.Forward(instance, packet)
}

// Close releases the connection. The connection closes once its last
// user is gone. Safe to call multiple times.
func (s *Sender) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for _, si := range s.required {
		s.conn.unregisterRequiredServiceInstance(si.service, si.instance)
	}
	s.required = nil
	s.conn.unregisterSender(s)
	s.endpoint.releaseConnection(s.conn)
	return nil
}

func (s *Sender) notify() {
	if s.handler == nil {
		return
	}
	if s.conn.IsConnected() {
		s.handler.OnConnect(s)
	} else {
		s.handler.OnDisconnect(s)
	}
}

// Receiver keeps the endpoint's server listening until Close.
type Receiver struct {
	endpoint *Endpoint
	closed   bool
}

// Close releases the server. Accepted connections are closed together with
// the server once the last Receiver is gone. Safe to call multiple times.
func (r *Receiver) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.endpoint.releaseServer()
	return nil
}

// ResponseSender answers on the connection a message arrived on. It is
// reference counted: the endpoint holds one reference while routing, and a
// router answering later takes its own with Retain.
type ResponseSender struct {
	endpoint *Endpoint
	conn     *Connection
	refs     int
}

func newResponseSender(e *Endpoint, conn *Connection) *ResponseSender {
	e.acquireConnection(conn)
	return &ResponseSender{endpoint: e, conn: conn, refs: 1}
}

// RemoteAddr returns the address of the peer.
func (s *ResponseSender) RemoteAddr() netip.AddrPort { return s.conn.RemoteAddr() }

// Retain takes another reference and returns s.
func (s *ResponseSender) Retain() *ResponseSender {
	s.refs++
	return s
}

// Forward sends packet on the originating connection.
func (s *ResponseSender) Forward(instance InstanceID, packet *Message) error {
	if s.refs == 0 {
		return ErrSenderClosed
	}
	return s.conn.Forward(instance, packet)
}

// Close drops one reference. The connection is released with the last one.
func (s *ResponseSender) Close() error {
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs == 0 {
		s.endpoint.releaseConnection(s.conn)
	}
	return nil
}
