package someip

import (
	"net/netip"

	"github.com/pkg/errors"
)

// Errors returned by the endpoint.
var (
	ErrNilReactor             = errors.New("reactor is nil")
	ErrInvalidRouter          = errors.New("packet router is nil")
	ErrEndpointClosed         = errors.New("endpoint closed")
	ErrServiceInstanceExists  = errors.New("service already provided")
	ErrServiceInstanceUnknown = errors.New("service instance not provided")
)

// Endpoint is a local TCP address that sends to and receives from many peers.
//
// It owns every Connection it creates or accepts and registers their
// handles with the Reactor. Connections are shared: all Senders to the same
// peer, and all ResponseSenders of messages received from it, use one
// connection that stays open while any of them holds it. An Endpoint is
// not safe for concurrent use; call it from the reactor goroutine, using
// Reactor.Post from elsewhere.
type Endpoint struct {
	reactor *Reactor
	router  PacketRouter
	local   netip.AddrPort
	opts    options
	logger  Logger

	connections   []*Connection
	readHandlers  map[int]*Connection
	writeHandlers map[int]*Connection

	provided []serviceInstance

	server      *Server
	serverUsers int

	closed bool
}

// NewEndpoint creates an endpoint on local. Received messages are handed to
// router. Nothing is bound until the first Sender connects or the first
// Receiver is requested.
func NewEndpoint(reactor *Reactor, router PacketRouter, local netip.AddrPort, opt ...Option) (*Endpoint, error) {
	if reactor == nil {
		return nil, ErrNilReactor
	}
	if router == nil {
		return nil, ErrInvalidRouter
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Endpoint{
		reactor:       reactor,
		router:        router,
		local:         local,
		opts:          opts,
		logger:        componentLogger(opts.logger, "endpoint"),
		readHandlers:  make(map[int]*Connection),
		writeHandlers: make(map[int]*Connection),
	}, nil
}

// LocalAddr returns the local address. Once a server listens on port 0 it
// carries the port the system chose.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// Address returns the local IP address.
func (e *Endpoint) Address() netip.Addr { return e.local.Addr() }

// Port returns the local port.
func (e *Endpoint) Port() uint16 { return e.local.Port() }

// GetSender returns a Sender to remote. An existing connection to remote is
// reused whatever its direction; otherwise an active one is created.
func (e *Endpoint) GetSender(remote netip.AddrPort) (*Sender, error) {
	if e.closed {
		return nil, ErrEndpointClosed
	}

	conn := e.connection(remote)
	if conn == nil {
		conn = newActiveConnection(e, remote)
		e.connections = append(e.connections, conn)
	}
	return newSender(e, conn), nil
}

// GetReceiver returns a Receiver, starting the server on first use.
func (e *Endpoint) GetReceiver() (*Receiver, error) {
	if e.closed {
		return nil, ErrEndpointClosed
	}
	if err := e.acquireServer(); err != nil {
		return nil, err
	}
	return &Receiver{endpoint: e}, nil
}

// AcceptConnection adopts a socket accepted by the server as a passive connection.
func (e *Endpoint) AcceptConnection(socket *Socket) *Connection {
	conn, err := newPassiveConnection(e, socket)
	if err != nil {
		e.logger.Error("rejecting connection", "remote", socket.RemoteAddr(), "error", err)
		socket.Close()
		return nil
	}

	e.logger.Info("connection accepted", "local", socket.LocalAddr(), "remote", conn.RemoteAddr())
	e.connections = append(e.connections, conn)
	return conn
}

// Connections returns the connections owned by the endpoint.
func (e *Endpoint) Connections() []*Connection {
	return append([]*Connection(nil), e.connections...)
}

// ActiveConnection returns the connected active connection to remote, if any.
func (e *Endpoint) ActiveConnection(remote netip.AddrPort) *Connection {
	return e.connectedConnection(remote, true)
}

// PassiveConnection returns the connected passive connection from remote, if any.
func (e *Endpoint) PassiveConnection(remote netip.AddrPort) *Connection {
	return e.connectedConnection(remote, false)
}

// HasActiveConnection reports whether a connected active connection to remote exists.
func (e *Endpoint) HasActiveConnection(remote netip.AddrPort) bool {
	return e.ActiveConnection(remote) != nil
}

// HasPassiveConnection reports whether a connected passive connection from remote exists.
func (e *Endpoint) HasPassiveConnection(remote netip.AddrPort) bool {
	return e.PassiveConnection(remote) != nil
}

func (e *Endpoint) connectedConnection(remote netip.AddrPort, active bool) *Connection {
	for _, c := range e.connections {
		if c.remote == remote && c.active == active && c.IsConnected() {
			return c
		}
	}
	return nil
}

func (e *Endpoint) connection(remote netip.AddrPort) *Connection {
	for _, c := range e.connections {
		if c.remote == remote {
			return c
		}
	}
	return nil
}

// RegisterProvidedServiceInstance routes requests for service to instance.
// A service can be provided by one instance at a time.
func (e *Endpoint) RegisterProvidedServiceInstance(service ServiceID, instance InstanceID) error {
	for _, si := range e.provided {
		if si.service == service && si.instance == instance {
			return errors.Wrapf(ErrServiceInstanceExists, "service 0x%04x instance 0x%04x", service, instance)
		}
	}

	e.logger.Debug("provided service instance registered", "service", service, "instance", instance)
	e.provided = append(e.provided, serviceInstance{service: service, instance: instance})
	return nil
}

// UnregisterProvidedServiceInstance stops routing requests for service to instance.
func (e *Endpoint) UnregisterProvidedServiceInstance(service ServiceID, instance InstanceID) error {
	for i, si := range e.provided {
		if si.service == service && si.instance == instance {
			e.logger.Debug("provided service instance unregistered", "service", service, "instance", instance)
			e.provided = append(e.provided[:i], e.provided[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrServiceInstanceUnknown, "service 0x%04x instance 0x%04x", service, instance)
}

// ProvidedServiceInstanceID returns the instance serving requests for service.
// The first registration wins.
func (e *Endpoint) ProvidedServiceInstanceID(service ServiceID) (InstanceID, bool) {
	for _, si := range e.provided {
		if si.service == service {
			return si.instance, true
		}
	}
	return InstanceIDAny, false
}

func (e *Endpoint) processReceivedMessage(conn *Connection, instance InstanceID, m *Message) {
	sink := newResponseSender(e, conn)
	e.router.Forward(instance, sink, m)
	sink.Close()
}

func (e *Endpoint) registerReadEventHandler(conn *Connection, handle int) error {
	if err := e.reactor.RegisterEventHandler(handle, e, ReadEvent, nil); err != nil {
		return err
	}
	e.readHandlers[handle] = conn
	return nil
}

func (e *Endpoint) unregisterReadEventHandler(conn *Connection, handle int) {
	if e.readHandlers[handle] != conn {
		return
	}
	e.reactor.UnregisterEventHandler(handle, ReadEvent)
	delete(e.readHandlers, handle)
}

func (e *Endpoint) registerWriteEventHandler(conn *Connection, handle int) error {
	if err := e.reactor.RegisterEventHandler(handle, e, WriteEvent, nil); err != nil {
		return err
	}
	e.writeHandlers[handle] = conn
	return nil
}

func (e *Endpoint) unregisterWriteEventHandler(conn *Connection, handle int) {
	if e.writeHandlers[handle] != conn {
		return
	}
	e.reactor.UnregisterEventHandler(handle, WriteEvent)
	delete(e.writeHandlers, handle)
}

// HandleRead dispatches read readiness to the owning connection.
func (e *Endpoint) HandleRead(handle int) bool {
	conn, ok := e.readHandlers[handle]
	if !ok {
		return false
	}
	if conn.handleRead(handle) {
		return true
	}

	if e.readHandlers[handle] == conn {
		delete(e.readHandlers, handle)
	}
	if !conn.removed && conn.users == 0 && !conn.IsConnected() {
		e.closeConnection(conn)
	}
	return false
}

// HandleWrite dispatches write readiness to the owning connection.
func (e *Endpoint) HandleWrite(handle int) bool {
	conn, ok := e.writeHandlers[handle]
	if !ok {
		return false
	}
	if conn.handleWrite(handle) {
		return true
	}

	if e.writeHandlers[handle] == conn {
		delete(e.writeHandlers, handle)
	}
	if !conn.removed && conn.users == 0 && !conn.IsConnected() {
		e.closeConnection(conn)
	}
	return false
}

func (e *Endpoint) HandleException(int) bool { return false }

// IsValid reports whether the endpoint is still open.
func (e *Endpoint) IsValid() bool { return !e.closed }

func (e *Endpoint) acquireConnection(conn *Connection) {
	conn.acquire()
}

// releaseConnection closes conn when its last user is gone, unless it is a
// connected passive connection, which belongs to the server.
func (e *Endpoint) releaseConnection(conn *Connection) {
	if conn.release() > 0 || conn.removed {
		return
	}
	if conn.active || !conn.IsConnected() {
		e.closeConnection(conn)
	}
}

func (e *Endpoint) acquireServer() error {
	e.serverUsers++
	if e.serverUsers > 1 {
		return nil
	}

	srv, err := NewServer(e.reactor, e.local,
		func(s *Socket) { e.AcceptConnection(s) },
		ServerLoggerOption(componentLogger(e.opts.logger, "server")),
		ServerBacklogOption(e.opts.backlog),
	)
	if err != nil {
		e.serverUsers--
		return err
	}

	e.server = srv
	if e.local.Port() == 0 {
		e.local = srv.Addr()
	}
	return nil
}

func (e *Endpoint) releaseServer() {
	if e.closed {
		return
	}
	if e.serverUsers == 0 {
		panic("someip: server released more often than acquired")
	}
	e.serverUsers--
	if e.serverUsers > 0 {
		return
	}
	e.closeServer()
}

func (e *Endpoint) closeServer() {
	if e.server != nil {
		e.server.Close()
		e.server = nil
	}

	for _, c := range e.Connections() {
		if !c.active {
			e.closeConnection(c)
		}
	}
}

// closeConnection disconnects conn and drops it from the endpoint.
func (e *Endpoint) closeConnection(conn *Connection) {
	if conn.removed {
		return
	}
	conn.removed = true

	conn.Disconnect()
	for handle, c := range e.readHandlers {
		if c == conn {
			e.reactor.UnregisterEventHandler(handle, ReadEvent)
			delete(e.readHandlers, handle)
		}
	}
	for handle, c := range e.writeHandlers {
		if c == conn {
			e.reactor.UnregisterEventHandler(handle, WriteEvent)
			delete(e.writeHandlers, handle)
		}
	}

	for i, c := range e.connections {
		if c == conn {
			e.connections = append(e.connections[:i], e.connections[i+1:]...)
			break
		}
	}
	e.logger.Debug("connection closed", "remote", conn.remote, "active", conn.active)
}

// Close stops the server and closes every connection. Outstanding Senders
// fail with ErrConnectionClosed afterwards. Safe to call multiple times.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	e.serverUsers = 0
	e.closeServer()
	for _, c := range e.Connections() {
		e.closeConnection(c)
	}
	return nil
}
