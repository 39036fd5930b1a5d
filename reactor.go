package kestrel

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// reactorHandler is one entry in the reactor's descriptor map (spec §4.5:
// "a map fd -> {readable?, writable?, handle_read, handle_write,
// handle_close, handle_error}"). Server and Channel both implement it.
type reactorHandler interface {
	FD() int
	Readable() bool
	Writable() bool
	HandleRead()
	HandleWrite()
	HandleClose()
	ShouldClose() bool
}

// Reactor is the single-threaded level-triggered I/O multiplexer of
// spec §4.5. It owns the poller, the cross-thread Trigger, and the shared
// Dispatcher; N Servers and their Channels register into its descriptor
// map. The reactor thread is the only goroutine that reads or writes
// client sockets or mutates the map (spec §5).
type Reactor struct {
	poller     *poller
	trigger    *Trigger
	dispatcher *Dispatcher
	adj        *Adjustments
	logger     Logger

	mu       sync.Mutex
	handlers map[int]reactorHandler

	interrupted atomic.Bool
}

// NewReactor constructs a Reactor with its own poller, Trigger, and a
// Dispatcher sized by adj.Threads(). Multiple Servers may share one
// Reactor to implement MultiSocketServer (spec §4.4).
func NewReactor(adj *Adjustments, logger Logger) (*Reactor, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	p := &poller{}
	if err := p.Init(); err != nil {
		return nil, WrapError("kestrel: poller init", err)
	}
	trig, err := newTrigger()
	if err != nil {
		p.Close()
		return nil, WrapError("kestrel: trigger init", err)
	}

	r := &Reactor{
		poller:     p,
		trigger:    trig,
		dispatcher: NewDispatcher(adj.Threads(), logger),
		adj:        adj,
		logger:     logger,
		handlers:   make(map[int]reactorHandler),
	}

	if err := p.RegisterFD(trig.FD(), EventRead, func(events IOEvents) {
		trig.onReadable(events)
	}); err != nil {
		trig.Close()
		p.Close()
		return nil, WrapError("kestrel: registering trigger", err)
	}

	return r, nil
}

// Dispatcher returns the shared worker pool, used by Channel.submitHeadTask
// via Server.AddTask.
func (r *Reactor) Dispatcher() *Dispatcher { return r.dispatcher }

// EnableMetrics attaches a fresh EngineMetrics to the shared Dispatcher and
// returns it, so callers can sample Snapshot() for maintenance-sweep
// logging or test assertions. Metrics collection is off until this is
// called.
func (r *Reactor) EnableMetrics() *EngineMetrics {
	m := NewEngineMetrics()
	r.dispatcher.SetMetrics(m)
	return m
}

// Trigger returns the shared wakeup primitive.
func (r *Reactor) Trigger() *Trigger { return r.trigger }

// Register adds h to the descriptor map. Must be called from the reactor
// thread (construction time, or from within handle_accept).
func (r *Reactor) Register(h reactorHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.FD()] = h
	return r.poller.RegisterFD(h.FD(), 0, func(events IOEvents) {
		r.dispatch(h, events)
	})
}

// Unregister removes h from the descriptor map without closing it; callers
// that already closed the fd themselves use this to avoid a double-close.
func (r *Reactor) Unregister(h reactorHandler) {
	r.mu.Lock()
	delete(r.handlers, h.FD())
	r.mu.Unlock()
	_ = r.poller.UnregisterFD(h.FD())
}

func (r *Reactor) dispatch(h reactorHandler, events IOEvents) {
	if events&(EventError|EventHangup) != 0 {
		logWarn(r.logger, "reactor", "fd error/hangup", map[string]interface{}{"fd": h.FD()})
	}
	if events&EventRead != 0 {
		h.HandleRead()
	}
	if events&EventWrite != 0 {
		h.HandleWrite()
	}
}

func (r *Reactor) handlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

func (r *Reactor) syncEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fd, h := range r.handlers {
		var events IOEvents
		if h.Readable() {
			events |= EventRead
		}
		if h.Writable() {
			events |= EventWrite
		}
		if err := r.poller.ModifyFD(fd, events); err != nil {
			logWarn(r.logger, "reactor", "modify fd failed", map[string]interface{}{"fd": fd, "err": err.Error()})
		}
	}
}

func (r *Reactor) reapClosed() {
	r.mu.Lock()
	var dead []reactorHandler
	for _, h := range r.handlers {
		if h.ShouldClose() {
			dead = append(dead, h)
		}
	}
	for _, h := range dead {
		delete(r.handlers, h.FD())
	}
	r.mu.Unlock()

	for _, h := range dead {
		_ = r.poller.UnregisterFD(h.FD())
		h.HandleClose()
		if ch, ok := h.(*Channel); ok && ch.server != nil {
			ch.server.forgetChannel(ch.fd)
		}
	}
}

// Interrupt requests the reactor loop to exit at the next opportunity
// (spec §8h: graceful shutdown).
func (r *Reactor) Interrupt() { r.interrupted.Store(true) }

// Run drives the reactor loop described in spec §4.5 until either the
// descriptor map is empty or Interrupt has been called.
func (r *Reactor) Run() error {
	timeout := r.adj.AsyncoreLoopTimeout()
	timeoutMs := int(timeout / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1000
	}

	for !r.interrupted.Load() && r.handlerCount() > 0 {
		r.syncEvents()
		_, err := r.poller.PollIO(timeoutMs)
		if err != nil && err != unix.EINTR {
			logError(r.logger, "reactor", "poll error", err, nil)
		}
		r.reapClosed()
	}
	return nil
}

// Close tears down the trigger and poller. Callers must ensure Run has
// returned and every Server sharing this Reactor has been closed first.
func (r *Reactor) Close() error {
	_ = r.trigger.Close()
	return r.poller.Close()
}
