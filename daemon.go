package someip

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Daemon runs an endpoint on its own reactor: it provides the configured
// service instances through a Dispatcher and keeps connections to the
// required ones, reconnecting them periodically.
type Daemon struct {
	cfg        *Config
	reactor    *Reactor
	endpoint   *Endpoint
	dispatcher *Dispatcher
	receiver   *Receiver
	senders    []*Sender
	logger     Logger
}

// NewDaemon builds a daemon from cfg. Nothing is bound or connected until Run.
func NewDaemon(cfg *Config, logger Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = defaultLogger()
	}

	local, err := cfg.LocalAddr()
	if err != nil {
		return nil, err
	}

	reactor, err := NewReactor(logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := NewDispatcher(reactor, cfg.Workers, logger)
	if err != nil {
		reactor.Close()
		return nil, err
	}

	endpoint, err := NewEndpoint(reactor, dispatcher, local, cfg.EndpointOptions(logger)...)
	if err != nil {
		dispatcher.Close()
		reactor.Close()
		return nil, err
	}

	for _, p := range cfg.Provided {
		if err = endpoint.RegisterProvidedServiceInstance(ServiceID(p.Service), InstanceID(p.Instance)); err != nil {
			dispatcher.Close()
			reactor.Close()
			return nil, err
		}
	}

	return &Daemon{
		cfg:        cfg,
		reactor:    reactor,
		endpoint:   endpoint,
		dispatcher: dispatcher,
		logger:     componentLogger(logger, "daemon"),
	}, nil
}

// Handle installs the handler serving requests for instance.
func (d *Daemon) Handle(instance InstanceID, h HandlerFunc) {
	d.dispatcher.Handle(instance, h)
}

// Reactor returns the reactor driving the daemon.
func (d *Daemon) Reactor() *Reactor { return d.reactor }

// Endpoint returns the daemon's endpoint. Use it only from functions posted
// to the reactor.
func (d *Daemon) Endpoint() *Endpoint { return d.endpoint }

// Run starts listening and connecting, then drives the reactor until ctx is
// done or the loop fails. Everything is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(); err != nil {
		d.shutdown()
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.reactor.Run(ctx)
	})
	if d.cfg.ReconnectInterval > 0 && len(d.senders) > 0 {
		group.Go(func() error {
			return d.superviseConnections(ctx)
		})
	}

	err := group.Wait()
	d.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// start runs before the reactor loop, so touching the endpoint here is safe.
func (d *Daemon) start() error {
	if len(d.cfg.Provided) > 0 {
		receiver, err := d.endpoint.GetReceiver()
		if err != nil {
			return err
		}
		d.receiver = receiver
		d.logger.Info("providing services", "addr", d.endpoint.LocalAddr(), "count", len(d.cfg.Provided))
	}

	for _, r := range d.cfg.Required {
		remote, err := r.Remote()
		if err != nil {
			return err
		}
		sender, err := d.endpoint.GetSender(remote)
		if err != nil {
			return err
		}
		sender.RegisterRequiredServiceInstance(ServiceID(r.Service), InstanceID(r.Instance))
		sender.SetConnectionStateChangeHandler(d)
		d.senders = append(d.senders, sender)
	}
	return nil
}

// OnConnect implements ConnectionStateChangeHandler.
func (d *Daemon) OnConnect(s *Sender) {
	d.logger.Info("required service reachable", "remote", s.RemoteAddr())
}

// OnDisconnect implements ConnectionStateChangeHandler.
func (d *Daemon) OnDisconnect(s *Sender) {
	d.logger.Warn("required service unreachable", "remote", s.RemoteAddr())
}

func (d *Daemon) superviseConnections(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.reactor.Post(d.reconnect); err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) reconnect() {
	for _, s := range d.senders {
		if s.IsConnected() {
			continue
		}
		if err := s.Connect(); err != nil {
			d.logger.Debug("reconnect failed", "remote", s.RemoteAddr(), "error", err)
		}
	}
}

// shutdown runs after the reactor loop has stopped.
func (d *Daemon) shutdown() {
	for _, s := range d.senders {
		s.Close()
	}
	d.senders = nil
	if d.receiver != nil {
		d.receiver.Close()
		d.receiver = nil
	}
	d.endpoint.Close()
	d.dispatcher.Close()
	d.reactor.Close()
	d.logger.Info("daemon stopped")
}
