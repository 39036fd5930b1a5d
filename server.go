package kestrel

import (
	"sync"
	"time"
)

// defaultShutdownTimeout bounds how long Run waits for in-flight tasks to
// finish once the reactor loop exits (spec §4.4 run()).
const defaultShutdownTimeout = 30 * time.Second

// Server is one listening socket's acceptor (spec §4.4). It accepts
// connections, constructs Channels, enforces connection_limit, and runs
// periodic maintenance over its own Channels.
type Server struct {
	fd       int
	spec     ListenSpec
	strategy listenerStrategy
	adj      *Adjustments
	app      Application
	logger   Logger
	reactor  *Reactor

	mu                   sync.Mutex
	accepting            bool
	inConnectionOverflow bool
	activeChannels       map[int]*Channel
	nextChannelCleanup   int64

	createdUnixPath string
	closed          bool
}

// listenerStrategy is the "small capability" design note from spec §9:
// bind, accept_and_adapt_peer_addr, cleanup_on_close, applies_socket_options,
// one per address family, instead of a Base/Tcp/Unix/Vsock class hierarchy.
type listenerStrategy interface {
	acceptAndAdaptPeerAddr(listenFD int) (clientFD int, peerAddr string, err error)
	appliesSocketOptions() bool
	cleanupOnClose()
}

// NewServer binds (or adopts) spec and constructs a Server registered into
// reactor's descriptor map. app is the Application this Server's Channels
// dispatch requests to.
func NewServer(spec ListenSpec, adj *Adjustments, app Application, logger Logger, reactor *Reactor) (*Server, error) {
	fd, strategy, unixPath, err := bindListenSpec(spec, adj)
	if err != nil {
		return nil, err
	}
	return newServerFromFD(fd, spec, strategy, unixPath, adj, app, logger, reactor)
}

// AdoptServer registers an already-bound, already-listening socket fd as a
// Server (spec §4.4: "adopted from a caller-supplied list of already-bound
// sockets... no bind() is called, only listen(backlog)").
func AdoptServer(fd int, spec ListenSpec, adj *Adjustments, app Application, logger Logger, reactor *Reactor) (*Server, error) {
	if err := listenAdoptedFD(fd, adj.Backlog()); err != nil {
		return nil, err
	}
	strategy := strategyForFamily(spec.Family)
	return newServerFromFD(fd, spec, strategy, "", adj, app, logger, reactor)
}

func newServerFromFD(fd int, spec ListenSpec, strategy listenerStrategy, unixPath string, adj *Adjustments, app Application, logger Logger, reactor *Reactor) (*Server, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	s := &Server{
		fd:                 fd,
		spec:               spec,
		strategy:           strategy,
		adj:                adj,
		app:                app,
		logger:             logger,
		reactor:            reactor,
		accepting:          true,
		activeChannels:     make(map[int]*Channel),
		createdUnixPath:    unixPath,
		nextChannelCleanup: nowMonotonic() + int64(adj.CleanupInterval()),
	}
	if err := reactor.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) FD() int              { return s.fd }
func (s *Server) Application() Application { return s.app }

// Readable implements spec §4.4 readable(): true iff accepting AND the
// number of live channels this Server owns <= connection_limit. Channels
// owned by other Servers sharing the Reactor are not counted. Also runs maintenance as a side
// effect if due, and sets/clears in_connection_overflow.
func (s *Server) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMonotonic()
	if now >= s.nextChannelCleanup {
		s.maintenanceLocked(now)
	}

	count := len(s.activeChannels)
	overflow := count > s.adj.ConnectionLimit()
	s.inConnectionOverflow = overflow

	return s.accepting && !overflow
}

// Writable is always false for a listening socket.
func (s *Server) Writable() bool { return false }

// HandleWrite is a no-op for a listening socket.
func (s *Server) HandleWrite() {}

// HandleClose is a no-op for a listening socket: Close unregisters the
// Server and closes its fd itself.
func (s *Server) HandleClose() {}

// ShouldClose reports whether Close has been called on this Server.
func (s *Server) ShouldClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// InConnectionOverflow reports the last-computed overflow flag (spec
// testable property 2).
func (s *Server) InConnectionOverflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inConnectionOverflow
}

// Accepting reports whether the acceptor is currently taking new
// connections.
func (s *Server) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// ActiveChannelCount returns the number of live channels this Server owns.
func (s *Server) ActiveChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeChannels)
}

// HandleRead implements spec §4.4 handle_accept().
func (s *Server) HandleRead() {
	clientFD, peerAddr, err := s.strategy.acceptAndAdaptPeerAddr(s.fd)
	if err != nil {
		s.handleAcceptError(err)
		return
	}

	if s.strategy.appliesSocketOptions() {
		applySocketOptions(clientFD, s.adj.SocketOptions())
	}
	if err := setNonblocking(clientFD); err != nil {
		logWarn(s.logger, "accept", "set nonblocking failed", map[string]interface{}{"err": err.Error()})
	}

	ch := NewChannel(clientFD, s, s.adj, s.logger, peerAddr)

	s.mu.Lock()
	s.activeChannels[clientFD] = ch
	count := len(s.activeChannels)
	s.mu.Unlock()
	if m := s.reactor.Dispatcher().Metrics(); m != nil {
		m.Queue.UpdateActiveChannels(count)
	}

	if err := s.reactor.Register(ch); err != nil {
		logError(s.logger, "accept", "registering channel failed", err, nil)
		s.mu.Lock()
		delete(s.activeChannels, clientFD)
		s.mu.Unlock()
		ch.HandleClose()
	}
}

func (s *Server) handleAcceptError(err error) {
	ae, ok := err.(*AcceptError)
	if !ok {
		logError(s.logger, "accept", "accept failed", err, nil)
		return
	}
	switch {
	case ae.Fatal:
		logError(s.logger, "accept", "fatal accept error, shutting down acceptor", err, nil)
		s.mu.Lock()
		s.accepting = false
		s.mu.Unlock()
	case ae.Transient:
		// EAGAIN/EWOULDBLOCK: the expected outcome of essentially every
		// idle poll cycle (spec §7/§8 scenario d). Silent no-op.
	default:
		// Resource exhaustion: log and stay alive
		// (spec §7: EMFILE/ENFILE/ENOBUFS/ECONNABORTED survive).
		logWarn(s.logger, "accept", "non-fatal accept error", map[string]interface{}{"op": ae.Op, "errno": ae.Errno.Error()})
	}
}

// maintenanceLocked implements spec §4.4 maintenance(now). Caller must
// hold s.mu.
func (s *Server) maintenanceLocked(now int64) {
	timeout := int64(s.adj.ChannelTimeout())
	for _, ch := range s.activeChannels {
		if now-ch.LastActivity() > timeout && !ch.RunningTasks() {
			ch.MarkIdleTimeout()
		}
	}
	s.nextChannelCleanup = now + int64(s.adj.CleanupInterval())
}

// Maintenance runs spec §4.4 maintenance(now) directly; exposed for tests
// (scenario c: zombie reaper) without waiting on the readable() side
// effect.
func (s *Server) Maintenance(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenanceLocked(now)
}

func (s *Server) forgetChannel(fd int) {
	s.mu.Lock()
	delete(s.activeChannels, fd)
	count := len(s.activeChannels)
	s.mu.Unlock()
	if m := s.reactor.Dispatcher().Metrics(); m != nil {
		m.Queue.UpdateActiveChannels(count)
	}
}

// AddTask delegates to the shared Dispatcher (spec §4.4 add_task:
// "convenience for channels").
func (s *Server) AddTask(task Task) error {
	return s.reactor.Dispatcher().AddTask(task)
}

// PullTrigger delegates to the shared Trigger.
func (s *Server) PullTrigger() error {
	return s.reactor.Trigger().Pull()
}

// Run drives the shared Reactor until interrupted, then shuts the
// dispatcher down and closes every channel (spec §4.4 run(), §8h).
func (s *Server) Run() error {
	err := s.reactor.Run()
	if !s.reactor.Dispatcher().Shutdown(false, defaultShutdownTimeout) {
		logWarn(s.logger, "server", "dispatcher shutdown timed out with a worker still in service()", nil)
	}
	s.Close()
	return err
}

// Close implements spec §4.4 close(): idempotent; closes the listening
// socket, removes from the reactor map, releases bound resources
// (including unlinking a unix socket path this Server created).
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*Channel, 0, len(s.activeChannels))
	for _, ch := range s.activeChannels {
		channels = append(channels, ch)
	}
	s.activeChannels = make(map[int]*Channel)
	s.mu.Unlock()

	for _, ch := range channels {
		s.reactor.Unregister(ch)
		ch.HandleClose()
	}

	s.reactor.Unregister(s)
	closeFD(s.fd)
	s.strategy.cleanupOnClose()
	return nil
}
