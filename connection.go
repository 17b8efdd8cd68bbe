package someip

import (
	"net/netip"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed is returned when operating on a connection its endpoint has dropped.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned when forwarding on a connection that is not connected.
	ErrNotConnected = errors.New("connection not connected")
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	// StateConnecting is only reached by active connections.
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// serviceInstance is a (service, instance) pair with a registration count.
type serviceInstance struct {
	service  ServiceID
	instance InstanceID
	refs     int
}

// Connection is one TCP connection of an Endpoint to a remote peer.
//
// An active connection is initiated by this side; a passive one was accepted
// by the endpoint's server. A connection is owned by its endpoint and lives on
// the reactor goroutine: none of its methods are safe for concurrent use.
// Senders keep it alive through the acquire/release protocol; once the
// endpoint drops it, every further use fails with ErrConnectionClosed.
type Connection struct {
	endpoint *Endpoint
	remote   netip.AddrPort
	active   bool
	state    ConnectionState
	users    int
	removed  bool

	socket    *Socket
	connector *connector
	reader    *StreamReader

	senders  []*Sender
	required []serviceInstance

	logger Logger
}

// newActiveConnection creates a connection to remote and starts connecting.
// A failed first attempt leaves the connection disconnected; Connect may retry.
func newActiveConnection(e *Endpoint, remote netip.AddrPort) *Connection {
	c := &Connection{
		endpoint: e,
		remote:   remote,
		active:   true,
		logger:   e.logger,
	}

	if err := c.Connect(); err != nil {
		c.logger.Warn("connect failed", "local", e.LocalAddr(), "remote", remote, "error", err)
	}
	return c
}

// newPassiveConnection wraps a socket accepted by the endpoint's server.
func newPassiveConnection(e *Endpoint, socket *Socket) (*Connection, error) {
	c := &Connection{
		endpoint: e,
		remote:   socket.RemoteAddr(),
		state:    StateConnected,
		socket:   socket,
		reader:   NewStreamReader(e.opts.maxMessageSize),
		logger:   e.logger,
	}

	c.applySocketOptions()
	if err := e.registerReadEventHandler(c, socket.Handle()); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoteAddr returns the address of the peer.
func (c *Connection) RemoteAddr() netip.AddrPort { return c.remote }

// IsActive reports whether this side initiated the connection.
func (c *Connection) IsActive() bool { return c.active }

// IsConnected reports whether the connection is established.
func (c *Connection) IsConnected() bool { return c.state == StateConnected }

// State returns the lifecycle state.
func (c *Connection) State() ConnectionState { return c.state }

// Users returns the number of senders holding the connection.
func (c *Connection) Users() int { return c.users }

// Connect starts an outgoing connect unless the connection is already
// connected or connecting. A connection that connects becomes active.
func (c *Connection) Connect() error {
	if c.removed {
		return ErrConnectionClosed
	}
	if c.state != StateDisconnected {
		return nil
	}

	c.logger.Debug("connecting", "local", c.endpoint.LocalAddr(), "remote", c.remote)
	c.active = true

	conn, err := startConnect(c.endpoint.LocalAddr(), c.remote)
	if err != nil {
		return err
	}

	c.connector = conn
	c.state = StateConnecting
	if err = c.endpoint.registerWriteEventHandler(c, conn.Handle()); err != nil {
		conn.abort()
		c.connector = nil
		c.state = StateDisconnected
		return err
	}
	return nil
}

// Disconnect closes the connection. It aborts a connect in progress and is a
// no-op on a disconnected connection. Senders are notified only when an
// established connection goes down.
func (c *Connection) Disconnect() {
	switch c.state {
	case StateConnecting:
		c.logger.Debug("connect aborted", "remote", c.remote)
		c.endpoint.unregisterWriteEventHandler(c, c.connector.Handle())
		c.connector.abort()
		c.connector = nil
		c.state = StateDisconnected
	case StateConnected:
		c.disconnected()
	}
}

// Forward sends a complete message. Any failure closes the connection; the
// message is not retried.
func (c *Connection) Forward(instance InstanceID, packet *Message) error {
	if c.removed {
		return ErrConnectionClosed
	}
	if c.state != StateConnected {
		return ErrNotConnected
	}

	if _, err := c.socket.Send(packet.Bytes()); err != nil {
		c.logger.Debug("send failed", "remote", c.remote, "instance", instance, "error", err)
		c.disconnected()
		return err
	}
	return nil
}

func (c *Connection) acquire() int {
	c.users++
	return c.users
}

func (c *Connection) release() int {
	if c.users == 0 {
		panic("someip: connection released more often than acquired")
	}
	c.users--
	return c.users
}

func (c *Connection) registerSender(s *Sender) {
	c.senders = append(c.senders, s)
}

func (c *Connection) unregisterSender(s *Sender) {
	for i, sender := range c.senders {
		if sender == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return
		}
	}
}

func (c *Connection) hasSender(s *Sender) bool {
	for _, sender := range c.senders {
		if sender == s {
			return true
		}
	}
	return false
}

// notify tells every sender about a state change. A sender unregistered by
// an earlier notification is skipped.
func (c *Connection) notify() {
	senders := append([]*Sender(nil), c.senders...)
	for _, s := range senders {
		if c.hasSender(s) {
			s.notify()
		}
	}
}

func (c *Connection) registerRequiredServiceInstance(service ServiceID, instance InstanceID) {
	c.logger.Debug("required service instance registered", "service", service, "instance", instance)
	for i := range c.required {
		if c.required[i].service == service && c.required[i].instance == instance {
			c.required[i].refs++
			return
		}
	}
	c.required = append(c.required, serviceInstance{service: service, instance: instance, refs: 1})
}

func (c *Connection) unregisterRequiredServiceInstance(service ServiceID, instance InstanceID) {
	c.logger.Debug("required service instance unregistered", "service", service, "instance", instance)
	for i := range c.required {
		if c.required[i].service == service && c.required[i].instance == instance {
			c.required[i].refs--
			if c.required[i].refs == 0 {
				c.required = append(c.required[:i], c.required[i+1:]...)
			}
			return
		}
	}
}

// requiredServiceInstanceID resolves responses and events by service id.
// The first registration wins.
func (c *Connection) requiredServiceInstanceID(service ServiceID) (InstanceID, bool) {
	for _, si := range c.required {
		if si.service == service {
			return si.instance, true
		}
	}
	return InstanceIDAny, false
}

// handleRead reads from the socket and processes a completed message. It
// returns false once the connection is no longer readable.
func (c *Connection) handleRead(handle int) bool {
	if c.state != StateConnected || handle != c.socket.Handle() {
		return false
	}

	if err := c.reader.Read(c.socket); err != nil {
		c.logger.Info("connection lost", "remote", c.remote, "active", c.active, "error", err)
		c.disconnected()
		return false
	}

	if c.reader.IsMessageAvailable() {
		c.processMessage(c.reader.NextMessage())
	}

	return c.state == StateConnected
}

// handleWrite resolves a connect in progress. It always returns false since
// a connect attempt resolves exactly once.
func (c *Connection) handleWrite(handle int) bool {
	if c.state != StateConnecting || c.connector == nil || handle != c.connector.Handle() {
		return false
	}

	conn := c.connector
	c.connector = nil

	socket, err := conn.finish()
	if err != nil {
		c.logger.Info("connect failed", "remote", c.remote, "error", err)
		c.state = StateDisconnected
		return false
	}

	c.onConnect(socket)
	return false
}

func (c *Connection) onConnect(socket *Socket) {
	c.socket = socket
	c.reader = NewStreamReader(c.endpoint.opts.maxMessageSize)
	c.applySocketOptions()
	c.state = StateConnected

	if err := c.endpoint.registerReadEventHandler(c, socket.Handle()); err != nil {
		c.logger.Error("register read handler failed", "remote", c.remote, "error", err)
		c.state = StateDisconnected
		socket.Close()
		return
	}

	c.logger.Info("connection established", "local", socket.LocalAddr(), "remote", c.remote)
	c.notify()
}

func (c *Connection) disconnected() {
	c.state = StateDisconnected
	c.endpoint.unregisterReadEventHandler(c, c.socket.Handle())
	c.socket.Close()
	c.notify()
}

func (c *Connection) applySocketOptions() {
	if err := c.socket.Apply(c.endpoint.opts.socketOptions); err != nil {
		c.logger.Warn("apply socket options failed", "remote", c.remote, "error", err)
	}
}

// processMessage resolves the target instance of a received message and hands
// it to the endpoint. Requests resolve through the endpoint's provided
// services, responses and events through this connection's required services.
// Unresolvable messages are dropped.
func (c *Connection) processMessage(m *Message) {
	h := m.Header()

	var (
		instance InstanceID
		ok       bool
	)
	switch {
	case h.MessageType.IsRequest():
		instance, ok = c.endpoint.ProvidedServiceInstanceID(h.ServiceID)
	case h.MessageType.IsResponse():
		instance, ok = c.requiredServiceInstanceID(h.ServiceID)
	default:
		c.logger.Warn("unexpected message type dropped", "remote", c.remote, "service", h.ServiceID, "type", h.MessageType)
		return
	}

	if !ok {
		c.logger.Debug("message for unknown service instance dropped", "remote", c.remote, "service", h.ServiceID, "type", h.MessageType)
		return
	}

	c.endpoint.processReceivedMessage(c, instance, m)
}
