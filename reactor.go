package someip

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventType selects which readiness notifications a handler receives.
type EventType uint

const (
	ReadEvent EventType = 1 << iota
	WriteEvent
	ExceptionEvent
)

func (e EventType) String() string {
	switch e {
	case ReadEvent:
		return "read"
	case WriteEvent:
		return "write"
	case ExceptionEvent:
		return "exception"
	default:
		return "mixed"
	}
}

// NoTimeout makes HandleEvents wait until a handle becomes ready.
const NoTimeout time.Duration = -1

// maxHandles is the capacity of a select(2) descriptor set.
var maxHandles = int(unsafe.Sizeof(unix.FdSet{})) * 8

// Errors returned by the reactor. They indicate programming errors and are never retried.
var (
	ErrNilHandler        = errors.New("event handler is nil")
	ErrAlreadyRegistered = errors.New("event handler already registered for handle")
	ErrHandleOutOfRange  = errors.New("handle out of select range")
	ErrReactorClosed     = errors.New("reactor closed")
)

// EventHandler receives readiness notifications from a Reactor.
//
// The Handle methods return true to stay registered and false to be removed.
// A handler whose IsValid returns false is removed before it is dispatched.
type EventHandler interface {
	HandleRead(handle int) bool
	HandleWrite(handle int) bool
	HandleException(handle int) bool
	IsValid() bool
}

// RemovalHandler is notified when the reactor drops a registration on its own,
// either because the handler became invalid or because it returned false.
type RemovalHandler func(handle int, event EventType)

type registration struct {
	handle  int
	handler EventHandler
	removal RemovalHandler
}

// handlerTable keeps the registrations of one event type in insertion order.
type handlerTable struct {
	event    EventType
	order    []*registration
	byHandle map[int]*registration
}

func newHandlerTable(event EventType) *handlerTable {
	return &handlerTable{event: event, byHandle: make(map[int]*registration)}
}

func (t *handlerTable) has(handle int) bool {
	_, ok := t.byHandle[handle]
	return ok
}

func (t *handlerTable) insert(reg *registration) {
	t.byHandle[reg.handle] = reg
	t.order = append(t.order, reg)
}

// remove drops whatever is registered for handle.
func (t *handlerTable) remove(handle int) bool {
	reg, ok := t.byHandle[handle]
	if !ok {
		return false
	}
	return t.removeReg(reg)
}

// removeReg drops reg only if it is still the registration for its handle.
func (t *handlerTable) removeReg(reg *registration) bool {
	if t.byHandle[reg.handle] != reg {
		return false
	}
	delete(t.byHandle, reg.handle)
	for i, r := range t.order {
		if r == reg {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *handlerTable) current(reg *registration) bool {
	return t.byHandle[reg.handle] == reg
}

func (t *handlerTable) snapshot() []*registration {
	return append([]*registration(nil), t.order...)
}

// Reactor is a level-triggered select(2) event loop.
//
// One goroutine drives the loop with HandleEvents or Run; handlers are always
// invoked on that goroutine. Registration may happen from any goroutine: when
// it happens outside of dispatch, the loop is woken through an internal pipe so
// that a blocked wait picks up the change.
type Reactor struct {
	logger Logger

	mu          sync.Mutex
	tables      [3]*handlerTable
	dispatching bool
	closed      bool
	tasks       []func()
	wakeup      [2]int
}

// NewReactor creates a reactor with its wakeup pipe.
func NewReactor(logger Logger) (*Reactor, error) {
	if logger == nil {
		logger = defaultLogger()
	}

	r := &Reactor{
		logger: componentLogger(logger, "reactor"),
		tables: [3]*handlerTable{
			newHandlerTable(ReadEvent),
			newHandlerTable(WriteEvent),
			newHandlerTable(ExceptionEvent),
		},
	}

	if err := unix.Pipe(r.wakeup[:]); err != nil {
		return nil, errors.Wrap(err, "create wakeup pipe")
	}
	for _, fd := range r.wakeup {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(r.wakeup[0])
			unix.Close(r.wakeup[1])
			return nil, errors.Wrap(err, "set wakeup pipe non-blocking")
		}
	}

	return r, nil
}

// RegisterEventHandler registers handler for every event type in mask.
// Nothing is registered if any of the requested slots is already taken.
func (r *Reactor) RegisterEventHandler(handle int, handler EventHandler, mask EventType, removal RemovalHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if handle < 0 || handle >= maxHandles {
		return errors.Wrapf(ErrHandleOutOfRange, "handle %d", handle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorClosed
	}

	for _, t := range r.tables {
		if mask&t.event != 0 && t.has(handle) {
			return errors.Wrapf(ErrAlreadyRegistered, "handle %d event %s", handle, t.event)
		}
	}
	for _, t := range r.tables {
		if mask&t.event != 0 {
			t.insert(&registration{handle: handle, handler: handler, removal: removal})
		}
	}

	if !r.dispatching {
		r.wakeLocked()
	}
	return nil
}

// UnregisterEventHandler removes the registrations of handle for every event
// type in mask. Unknown registrations are ignored. The removal handler is not
// notified for explicit unregistration.
func (r *Reactor) UnregisterEventHandler(handle int, mask EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for _, t := range r.tables {
		if mask&t.event != 0 && t.remove(handle) {
			removed = true
		}
	}

	if removed && !r.dispatching {
		r.wakeLocked()
	}
}

// IsRegistered reports whether a handler is registered for handle and event.
func (r *Reactor) IsRegistered(handle int, event EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tables {
		if t.event == event {
			return t.has(handle)
		}
	}
	return false
}

// Post queues fn to run on the reactor goroutine during the next dispatch.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorClosed
	}
	r.tasks = append(r.tasks, fn)
	r.wakeLocked()
	return nil
}

// Unblock interrupts a blocked HandleEvents call.
func (r *Reactor) Unblock() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wakeLocked()
}

func (r *Reactor) wakeLocked() {
	if r.closed {
		return
	}
	// A full pipe already holds a pending wakeup.
	_, _ = unix.Write(r.wakeup[1], []byte{0})
}

func (r *Reactor) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeup[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// HandleEvents waits up to timeout for readiness on the registered handles and
// dispatches it. A negative timeout waits indefinitely.
func (r *Reactor) HandleEvents(timeout time.Duration) error {
	var sets [3]unix.FdSet

	maxfd, err := r.setup(&sets)
	if err != nil {
		return err
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxfd+1, &sets[0], &sets[1], &sets[2], tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return errors.Wrap(err, "select")
	}

	if n > 0 {
		r.dispatch(&sets)
	}
	return nil
}

// setup fills the descriptor sets and drops registrations whose handler is
// no longer valid.
func (r *Reactor) setup(sets *[3]unix.FdSet) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrReactorClosed
	}
	var snapshots [3][]*registration
	for i, t := range r.tables {
		snapshots[i] = t.snapshot()
	}
	r.mu.Unlock()

	type dropped struct {
		reg   *registration
		event EventType
	}
	var invalid []dropped
	for i, regs := range snapshots {
		for _, reg := range regs {
			if !reg.handler.IsValid() {
				invalid = append(invalid, dropped{reg: reg, event: r.tables[i].event})
			}
		}
	}

	r.mu.Lock()
	var removed []dropped
	for _, d := range invalid {
		for _, t := range r.tables {
			if t.event == d.event && t.removeReg(d.reg) {
				removed = append(removed, d)
			}
		}
	}

	sets[0].Set(r.wakeup[0])
	maxfd := r.wakeup[0]
	for i, t := range r.tables {
		for _, reg := range t.order {
			sets[i].Set(reg.handle)
			if reg.handle > maxfd {
				maxfd = reg.handle
			}
		}
	}
	r.mu.Unlock()

	for _, d := range removed {
		r.logger.Debug("removed invalid handler", "handle", d.reg.handle, "event", d.event)
		if d.reg.removal != nil {
			d.reg.removal(d.reg.handle, d.event)
		}
	}

	return maxfd, nil
}

// dispatch invokes the handlers whose handles are ready. Registrations
// changed by a handler take effect immediately: a handler removed by an
// earlier one is skipped, and handlers added during dispatch wait for the
// next round.
func (r *Reactor) dispatch(sets *[3]unix.FdSet) {
	r.mu.Lock()
	r.dispatching = true
	tasks := r.tasks
	r.tasks = nil
	var snapshots [3][]*registration
	for i, t := range r.tables {
		snapshots[i] = t.snapshot()
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.dispatching = false
		r.mu.Unlock()
	}()

	if sets[0].IsSet(r.wakeup[0]) {
		r.drainWakeup()
	}

	for _, task := range tasks {
		task()
	}

	for i, regs := range snapshots {
		t := r.tables[i]
		for _, reg := range regs {
			if !sets[i].IsSet(reg.handle) || !r.isCurrent(t, reg) {
				continue
			}
			if reg.handler.IsValid() && invoke(reg, t.event) {
				continue
			}

			r.mu.Lock()
			removed := t.removeReg(reg)
			r.mu.Unlock()
			if removed && reg.removal != nil {
				reg.removal(reg.handle, t.event)
			}
		}
	}
}

func (r *Reactor) isCurrent(t *handlerTable, reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.current(reg)
}

func invoke(reg *registration, event EventType) bool {
	switch event {
	case ReadEvent:
		return reg.handler.HandleRead(reg.handle)
	case WriteEvent:
		return reg.handler.HandleWrite(reg.handle)
	default:
		return reg.handler.HandleException(reg.handle)
	}
}

// Run drives the event loop until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.Unblock)
	defer stop()

	r.logger.Info("reactor started")
	for ctx.Err() == nil {
		if err := r.HandleEvents(NoTimeout); err != nil {
			r.logger.Error("reactor stopped", "error", err)
			return err
		}
	}
	r.logger.Info("reactor stopped")
	return ctx.Err()
}

// Close releases the wakeup pipe. Registered handles are not closed.
// Safe to call multiple times.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.tasks = nil

	err0 := unix.Close(r.wakeup[0])
	err1 := unix.Close(r.wakeup[1])
	if err0 != nil {
		return errors.Wrap(err0, "close wakeup pipe")
	}
	return errors.Wrap(err1, "close wakeup pipe")
}
