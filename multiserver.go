package kestrel

// MultiSocketServer is the façade described in spec §4.4: when more than
// one bound socket is provided, one Server per socket is constructed
// sharing a single Reactor (and therefore one descriptor map, Dispatcher,
// and Trigger); run() drives the shared reactor and close() closes every
// child.
type MultiSocketServer struct {
	reactor *Reactor
	servers []*Server
}

// NewMultiSocketServer binds one Server per spec, all sharing a freshly
// constructed Reactor.
func NewMultiSocketServer(specs []ListenSpec, adj *Adjustments, app Application, logger Logger) (*MultiSocketServer, error) {
	reactor, err := NewReactor(adj, logger)
	if err != nil {
		return nil, err
	}

	m := &MultiSocketServer{reactor: reactor}
	for _, spec := range specs {
		srv, err := NewServer(spec, adj, app, logger, reactor)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.servers = append(m.servers, srv)
	}
	return m, nil
}

// AdoptMultiSocketServer registers one Server per already-bound fd, all
// sharing a freshly constructed Reactor (spec §4.4 construction path (b)
// applied to "a sequence of already-bound sockets to adopt").
func AdoptMultiSocketServer(fds []int, specs []ListenSpec, adj *Adjustments, app Application, logger Logger) (*MultiSocketServer, error) {
	if len(fds) != len(specs) {
		return nil, WrapError("kestrel: adopt multi-socket server", errMismatchedFDsAndSpecs)
	}
	reactor, err := NewReactor(adj, logger)
	if err != nil {
		return nil, err
	}

	m := &MultiSocketServer{reactor: reactor}
	for i, fd := range fds {
		srv, err := AdoptServer(fd, specs[i], adj, app, logger, reactor)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.servers = append(m.servers, srv)
	}
	return m, nil
}

// Servers returns the per-socket Servers backing this façade.
func (m *MultiSocketServer) Servers() []*Server { return m.servers }

// EnableMetrics turns on latency/queue-depth/throughput tracking for the
// shared Reactor and returns the EngineMetrics to sample.
func (m *MultiSocketServer) EnableMetrics() *EngineMetrics { return m.reactor.EnableMetrics() }

// Run drives the shared Reactor until interrupted, then shuts the shared
// Dispatcher down and closes every child Server (spec §4.4: "run() drives
// the shared reactor").
func (m *MultiSocketServer) Run() error {
	err := m.reactor.Run()
	if !m.reactor.Dispatcher().Shutdown(false, defaultShutdownTimeout) {
		logWarn(m.reactor.logger, "server", "dispatcher shutdown timed out with a worker still in service()", nil)
	}
	m.Close()
	return err
}

// Interrupt requests the shared reactor loop to exit.
func (m *MultiSocketServer) Interrupt() { m.reactor.Interrupt() }

// Close closes every child Server and tears down the shared Reactor
// (spec §4.4: "whose close() closes all children").
func (m *MultiSocketServer) Close() error {
	for _, s := range m.servers {
		_ = s.Close()
	}
	return m.reactor.Close()
}
