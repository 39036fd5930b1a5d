package kestrel

// New wires a Reactor, one or more Servers, and an Application together
// from a single Adjustments snapshot and a space-separated listen list
// (spec §6: "Multiple listens are accepted as a space-separated list").
//
// It is a thin convenience constructor; callers needing finer control
// (adopted sockets, per-socket strategies) should build a Reactor and
// Servers directly.
func New(listen string, adj *Adjustments, app Application, logger Logger) (*MultiSocketServer, error) {
	specs, err := ParseListenAddresses(listen)
	if err != nil {
		return nil, err
	}
	return NewMultiSocketServer(specs, adj, app, logger)
}
