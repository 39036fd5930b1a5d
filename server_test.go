package kestrel

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReactor(t *testing.T, adj *Adjustments) *Reactor {
	t.Helper()
	r, err := NewReactor(adj, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// Scenario a: a freshly constructed Server starts accepting.
func TestServerConstructorStartsAccepting(t *testing.T) {
	adj, err := NewAdjustments()
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, _, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)

	assert.True(t, srv.Accepting())
	assert.Equal(t, 0, srv.ActiveChannelCount())
}

// bindAndAdopt binds via net.Listen (so the test controls the resulting
// port deterministically) then adopts the raw fd into a Server, exercising
// spec.md §4.4 construction path (b).
func bindAndAdopt(t *testing.T, adj *Adjustments, reactor *Reactor) (*Server, net.Listener, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	f, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)

	addr := ln.Addr().(*net.TCPAddr)
	spec := ListenSpec{Family: FamilyTCP, Host: addr.IP.String(), Port: addr.Port}

	srv, err := AdoptServer(int(f.Fd()), spec, adj, ApplicationFunc(func(env Environ, start StartResponse) BodyIterator {
		_ = start(ResponseHeaders{Status: "204 No Content"}, nil)
		return NewSliceBody()
	}), nil, reactor)
	return srv, ln, err
}

// Scenario b: connection_limit toggles in_connection_overflow.
func TestServerConnectionLimitOverflow(t *testing.T) {
	adj, err := NewAdjustments(WithConnectionLimit(1))
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, ln, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)
	addr := ln.Addr().String()

	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c1.Close()
	time.Sleep(10 * time.Millisecond)
	srv.HandleRead()

	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()
	time.Sleep(10 * time.Millisecond)
	srv.HandleRead()

	assert.False(t, srv.Readable(), "accepting should pause once active channels exceed connection_limit")
	assert.True(t, srv.InConnectionOverflow())
}

// Scenario c: maintenance kills idle channels that have no task running.
func TestServerMaintenanceReapsIdleChannels(t *testing.T) {
	adj, err := NewAdjustments(WithChannelTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, ln, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	time.Sleep(10 * time.Millisecond)
	srv.HandleRead()
	require.Equal(t, 1, srv.ActiveChannelCount())

	var ch *Channel
	for fd, c := range srv.activeChannels {
		_ = fd
		ch = c
	}
	require.NotNil(t, ch)
	assert.False(t, ch.WillClose())

	future := nowMonotonic() + int64(adj.ChannelTimeout()) + int64(time.Second)
	srv.Maintenance(future)

	assert.True(t, ch.WillClose(), "idle channel past channel_timeout should be marked for close")
}

// Scenario d: accept() returning EWOULDBLOCK/EAGAIN (no pending connection)
// is a silent no-op; the acceptor keeps accepting and nothing is logged
// (spec §7/§8 scenario d: EWOULDBLOCK is the expected outcome of nearly
// every idle poll cycle, so logging it would be deafening).
func TestServerHandleReadNoOpOnWouldBlock(t *testing.T) {
	adj, err := NewAdjustments()
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, _, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)

	var logBuf bytes.Buffer
	srv.logger = NewWriterLogger(LevelDebug, &logBuf)

	srv.HandleRead() // nothing pending
	assert.True(t, srv.Accepting())
	assert.Equal(t, 0, srv.ActiveChannelCount())
	assert.Empty(t, logBuf.String(), "EWOULDBLOCK on accept must never be logged")
}

// Scenario f: UNIX listener accept happy path: "localhost" peer address,
// no socket options applied.
func TestServerUnixAcceptUsesLocalhostPeerAddr(t *testing.T) {
	adj, err := NewAdjustments(WithSocketOptions(SocketOption{Level: 1, Name: 2, Value: 3}))
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	sockPath := t.TempDir() + "/kestrel-test.sock"
	srv, err := NewServer(ListenSpec{Family: FamilyUnix, Path: sockPath}, adj, ApplicationFunc(func(env Environ, start StartResponse) BodyIterator {
		_ = start(ResponseHeaders{Status: "204 No Content"}, nil)
		return NewSliceBody()
	}), nil, reactor)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)

	srv.HandleRead()
	require.Equal(t, 1, srv.ActiveChannelCount())

	for _, ch := range srv.activeChannels {
		assert.Equal(t, "localhost", ch.peerAddr)
	}
}

// Scenario h: graceful shutdown calls Dispatcher.Shutdown exactly once via
// Server.Run, and the dispatcher refuses further tasks afterward.
func TestServerRunShutsDispatcherDownOnInterrupt(t *testing.T) {
	adj, err := NewAdjustments()
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, _, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)

	reactor.Interrupt()

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Interrupt")
	}

	err = reactor.Dispatcher().AddTask(&funcTask{serviceFn: func() {}})
	assert.ErrorIs(t, err, ErrDispatcherShuttingDown, "Run must shut the shared dispatcher down before returning")
}

func TestServerCloseIsIdempotent(t *testing.T) {
	adj, err := NewAdjustments()
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	srv, _, err := bindAndAdopt(t, adj, reactor)
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.True(t, srv.ShouldClose())
}
