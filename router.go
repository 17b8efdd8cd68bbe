package someip

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// PacketRouter receives every message an endpoint resolved to a service
// instance. It is called on the reactor goroutine with a sink for answering
// on the originating connection; the sink is only valid for the duration of
// the call unless the router takes a reference with Retain.
type PacketRouter interface {
	Forward(instance InstanceID, sink *ResponseSender, packet *Message)
}

// PacketRouterFunc adapts a function to PacketRouter.
type PacketRouterFunc func(instance InstanceID, sink *ResponseSender, packet *Message)

// Forward calls f.
func (f PacketRouterFunc) Forward(instance InstanceID, sink *ResponseSender, packet *Message) {
	f(instance, sink, packet)
}

// HandlerFunc serves a message for a service instance. A non-nil reply is
// sent back on the connection the message arrived on.
type HandlerFunc func(instance InstanceID, packet *Message) (*Message, error)

// Default dispatcher configuration.
const defaultWorkers = 64

// ErrNoHandler is returned by Dispatch when no handler serves the instance.
var ErrNoHandler = errors.New("no handler for service instance")

// Dispatcher is a PacketRouter that runs handlers on a goroutine pool.
//
// Handlers never run on the reactor goroutine. Their replies are posted back
// to the reactor so connection state is only touched there.
type Dispatcher struct {
	reactor *Reactor
	pool    *ants.PoolWithFunc
	logger  Logger

	mu       sync.RWMutex
	handlers map[InstanceID]HandlerFunc
}

type dispatchJob struct {
	instance InstanceID
	handler  HandlerFunc
	sink     *ResponseSender
	packet   *Message
}

// NewDispatcher creates a dispatcher with the given number of workers.
// A non-positive workers value selects the default.
func NewDispatcher(reactor *Reactor, workers int, logger Logger) (*Dispatcher, error) {
	if reactor == nil {
		return nil, ErrNilReactor
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = defaultLogger()
	}

	d := &Dispatcher{
		reactor:  reactor,
		logger:   componentLogger(logger, "dispatcher"),
		handlers: make(map[InstanceID]HandlerFunc),
	}

	// Nonblocking: a saturated pool must never stall the reactor goroutine.
	pool, err := ants.NewPoolWithFunc(workers, d.run, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	d.pool = pool
	return d, nil
}

// Handle installs h for instance, replacing any previous handler.
func (d *Dispatcher) Handle(instance InstanceID, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[instance] = h
}

// Remove uninstalls the handler for instance.
func (d *Dispatcher) Remove(instance InstanceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, instance)
}

func (d *Dispatcher) handler(instance InstanceID) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[instance]
}

// Forward implements PacketRouter.
func (d *Dispatcher) Forward(instance InstanceID, sink *ResponseSender, packet *Message) {
	if err := d.Dispatch(instance, sink, packet); err != nil {
		d.logger.Warn("message dropped", "instance", instance, "service", packet.Header().ServiceID, "error", err)
	}
}

// Dispatch hands packet to the handler of instance. It fails when no handler
// is installed or the pool is saturated.
func (d *Dispatcher) Dispatch(instance InstanceID, sink *ResponseSender, packet *Message) error {
	h := d.handler(instance)
	if h == nil {
		return errors.Wrapf(ErrNoHandler, "instance 0x%04x", instance)
	}

	sink.Retain()
	job := &dispatchJob{instance: instance, handler: h, sink: sink, packet: packet}
	if err := d.pool.Invoke(job); err != nil {
		sink.Close()
		return errors.Wrap(err, "dispatch")
	}
	return nil
}

func (d *Dispatcher) run(args any) {
	job, ok := args.(*dispatchJob)
	if !ok {
		d.logger.Error("unexpected job type")
		return
	}

	reply, err := d.call(job)
	if err != nil {
		d.logger.Warn("handler failed", "instance", job.instance, "error", err)
	}

	err = d.reactor.Post(func() {
		if reply != nil {
			if err := job.sink.Forward(job.instance, reply); err != nil {
				d.logger.Debug("reply not sent", "instance", job.instance, "remote", job.sink.RemoteAddr(), "error", err)
			}
		}
		job.sink.Close()
	})
	if err != nil {
		d.logger.Debug("reply dropped", "instance", job.instance, "error", err)
	}
}

func (d *Dispatcher) call(job *dispatchJob) (reply *Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			reply, err = nil, errors.Errorf("handler panic: %v", p)
		}
	}()
	return job.handler(job.instance, job.packet)
}

// Running returns the number of handlers currently executing.
func (d *Dispatcher) Running() int { return d.pool.Running() }

// Close stops the worker pool. Queued replies still run on the reactor.
func (d *Dispatcher) Close() {
	d.pool.Release()
}
