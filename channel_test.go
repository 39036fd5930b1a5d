package kestrel

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpairConn returns a raw, nonblocking fd suitable for handing to
// NewChannel, paired with a net.Conn the test drives as the "client" side.
func socketpairConn(t *testing.T) (int, net.Conn, error) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return 0, nil, err
	}
	f := os.NewFile(uintptr(fds[1]), "socketpair-client")
	conn, err := net.FileConn(f)
	if err != nil {
		return 0, nil, err
	}
	_ = f.Close() // net.FileConn dup'd the fd
	t.Cleanup(func() { unix.Close(fds[0]) })
	return fds[0], conn, nil
}

// Scenario g: pipelined requests on one channel are serviced strictly in
// wire order, and never more than one at a time (spec §4.3 running_tasks).
func TestChannelPipelinedRequestsPreserveOrderAndNoOverlap(t *testing.T) {
	adj, err := NewAdjustments(WithThreads(4))
	require.NoError(t, err)
	reactor := newTestReactor(t, adj)

	var mu sync.Mutex
	var order []int
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	app := ApplicationFunc(func(env Environ, start StartResponse) BodyIterator {
		n := concurrent.Add(1)
		for {
			m := maxConcurrent.Load()
			if n <= m {
				break
			}
			if maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}

		idx, _ := strconv.Atoi(strings.TrimPrefix(env.Path, "/"))
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, idx)
		mu.Unlock()
		concurrent.Add(-1)

		body := []byte("ok")
		_ = start(ResponseHeaders{
			Status:  "200 OK",
			Headers: []HeaderField{{Name: "Content-Length", Value: "2"}},
		}, nil)
		return NewSliceBody(body)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	f, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)

	srv, err := AdoptServer(int(f.Fd()), ListenSpec{Family: FamilyTCP, Host: addr.IP.String(), Port: addr.Port}, adj, app, nil, reactor)
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)

	srv.HandleRead()
	require.Equal(t, 1, srv.ActiveChannelCount())

	var ch *Channel
	for _, c := range srv.activeChannels {
		ch = c
	}
	require.NotNil(t, ch)

	pipeline := "GET /1 HTTP/1.1\r\nHost: x\r\n\r\n" +
		"GET /2 HTTP/1.1\r\nHost: x\r\n\r\n" +
		"GET /3 HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err = conn.Write([]byte(pipeline))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ch.HandleRead()
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond, "all three pipelined requests should eventually be serviced")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order, "requests must be serviced in wire order")
	assert.LessOrEqual(t, maxConcurrent.Load(), int32(1), "at most one service() call may run per channel at a time")
}

// WriteSoon's cooperative backpressure: a worker goroutine blocks once the
// outbuf high watermark is exceeded, and unblocks once HandleWrite drains
// enough to fall back under it.
func TestChannelWriteSoonBlocksAboveHighWatermark(t *testing.T) {
	adj, err := NewAdjustments(WithOutbufHighWatermark(8), WithSendBytes(4))
	require.NoError(t, err)

	serverFD, client, err := socketpairConn(t)
	require.NoError(t, err)
	defer client.Close()

	reactor := newTestReactor(t, adj)
	srv := &Server{reactor: reactor}
	ch := NewChannel(serverFD, srv, adj, nil, "127.0.0.1")

	returned := make(chan struct{})
	go func() {
		ch.WriteSoon([]byte("0123456789abcdef")) // 16 bytes, watermark is 8
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("WriteSoon should block while above the high watermark")
	case <-time.After(30 * time.Millisecond):
	}

	for i := 0; i < 8; i++ {
		ch.HandleWrite()
	}

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("WriteSoon should unblock once HandleWrite drains below the watermark")
	}
}
