package kestrel

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// nowMonotonic returns a monotonically-increasing nanosecond timestamp
// suitable for idle-duration comparisons (last_activity / channel_timeout
// in spec §3/§4.4).
func nowMonotonic() int64 { return int64(time.Since(monotonicBase)) }

// monotonicBase anchors nowMonotonic; time.Since reads the monotonic clock.
var monotonicBase = time.Now()

// outChunk is one queued piece of outbound data: either plain bytes or a
// FileWrapper eligible for zero-copy sendfile.
type outChunk struct {
	data []byte
	file *FileWrapper
}

func (c outChunk) len() int {
	if c.file != nil {
		r := c.file.Remaining()
		if r < 0 {
			return 0
		}
		return int(r)
	}
	return len(c.data)
}

// Channel owns one client socket: it parses inbound bytes into Requests,
// buffers outbound bytes, and exposes the readable/writable/handle_*
// surface the Reactor drives (spec §4.3).
type Channel struct {
	fd     int
	server *Server // weak: Server outlives its Channels (spec §3)
	adj    *Adjustments
	logger Logger

	parser Parser

	// outbufLock guards outbufs/totalOutbufsLen and the watermark CV;
	// appended to by worker threads, drained by the reactor thread
	// (spec §3 invariant).
	outbufLock      sync.Mutex
	outbufCond      sync.Cond
	outbufs         []outChunk
	totalOutbufsLen int
	outbufAborted   bool // set once the channel is closing; wakes any WriteSoon waiter stuck above the watermark

	// taskLock guards requests and the close/run flags.
	taskLock     sync.Mutex
	requests     []Request
	runningTasks bool

	inbuf []byte

	willClose        bool
	closeWhenFlushed bool
	sentContinue     bool

	lastActivity atomic.Int64
	state        *channelFastState

	peerAddr string
}

// NewChannel constructs a Channel for an accepted client fd. It is
// registered into the reactor map by the caller (Server.HandleRead).
func NewChannel(fd int, server *Server, adj *Adjustments, logger Logger, peerAddr string) *Channel {
	ch := &Channel{
		fd:       fd,
		server:   server,
		adj:      adj,
		logger:   logger,
		parser:   newDefaultParser(adj.InbufOverflow()),
		peerAddr: peerAddr,
		state:    newChannelFastState(),
	}
	ch.outbufCond.L = &ch.outbufLock
	ch.lastActivity.Store(nowMonotonic())
	return ch
}

func (c *Channel) FD() int { return c.fd }

// Readable implements spec §4.3 readable(): true iff will_close is false
// AND (no requests queued OR the head request is still reading its body)
// AND len(inbuf) < inbuf_overflow.
func (c *Channel) Readable() bool {
	c.taskLock.Lock()
	defer c.taskLock.Unlock()

	if c.willClose {
		return false
	}
	headStillReading := len(c.requests) == 0
	if !headStillReading {
		headStillReading = !c.requests[0].Completed()
	}
	return headStillReading && len(c.inbuf) < c.adj.InbufOverflow()
}

// Writable implements spec §4.3 writable(): true iff there is data to send
// OR will_close is set and we need to initiate close.
func (c *Channel) Writable() bool {
	c.outbufLock.Lock()
	hasData := len(c.outbufs) > 0
	c.outbufLock.Unlock()

	c.taskLock.Lock()
	wantClose := c.willClose
	c.taskLock.Unlock()

	return hasData || wantClose
}

// HandleRead implements spec §4.3 handle_read().
func (c *Channel) HandleRead() {
	buf := make([]byte, c.adj.RecvBytes())
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return
		case unix.ECONNRESET, unix.EPIPE, unix.ETIMEDOUT:
			c.setWillClose()
			return
		default:
			logError(c.logger, "channel", "read error", err, map[string]interface{}{"fd": c.fd})
			c.setWillClose()
			return
		}
	}
	if n == 0 {
		// Peer closed its write side.
		c.setWillClose()
		return
	}

	c.lastActivity.Store(nowMonotonic())
	c.inbuf = append(c.inbuf, buf[:n]...)

	consumed, perr := c.parser.Feed(c.inbuf)
	c.inbuf = c.inbuf[consumed:]
	if perr != nil {
		c.emitParseError(perr)
		return
	}

	for _, req := range c.parser.Requests() {
		c.onRequestCompleted(req)
	}
}

func (c *Channel) onRequestCompleted(req Request) {
	if req.ExpectContinue() && !c.sentContinue {
		c.sentContinue = true
		c.enqueueOutbuf(outChunk{data: []byte("HTTP/1.1 100 Continue\r\n\r\n")})
	}

	c.taskLock.Lock()
	c.requests = append(c.requests, req)
	shouldSubmit := !c.runningTasks
	if shouldSubmit {
		c.runningTasks = true
	}
	c.taskLock.Unlock()

	if shouldSubmit {
		c.submitHeadTask()
	}
}

func (c *Channel) submitHeadTask() {
	c.taskLock.Lock()
	if len(c.requests) == 0 {
		c.runningTasks = false
		c.taskLock.Unlock()
		return
	}
	head := c.requests[0]
	c.taskLock.Unlock()

	task := newChannelTask(c, head)
	if err := c.server.AddTask(task); err != nil {
		// Dispatcher is shutting down: surface as 503, close the channel
		// (spec §7: "Dispatcher full on shutdown... caller surfaces as
		// 503; channel closes").
		c.emitStatus(503, "Service Unavailable", nil)
		c.setCloseWhenFlushed()
		c.taskLock.Lock()
		c.runningTasks = false
		c.taskLock.Unlock()
	}
}

func (c *Channel) emitParseError(err error) {
	c.emitStatus(400, "Bad Request", err)
	c.setCloseWhenFlushed()
}

func (c *Channel) emitStatus(code int, reason string, cause error) {
	body := fmt.Sprintf("%d %s", code, reason)
	if code == 500 && cause != nil && c.adj.ExposeTracebacks() {
		body += "\n\n" + cause.Error()
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
	if cause != nil {
		logWarn(c.logger, "channel", "emitting error response", map[string]interface{}{"status": code, "err": cause.Error()})
	}
	c.enqueueOutbuf(outChunk{data: []byte(resp)})
}

// serviceTask runs the application for req on a worker goroutine (the
// "service()" task body in spec §4.3).
func (c *Channel) serviceTask(req Request, taskID int64) {
	c.state.Store(ChannelServicing)
	app := c.server.Application()

	closeWhenDone := false
	var started bool
	var startErr error

	start := StartResponse(func(headers ResponseHeaders, excInfo error) error {
		started = true
		closeWhenDone = responseWantsClose(req, headers)
		c.writeStatusLine(headers, closeWhenDone)
		return nil
	})

	env := c.buildEnviron(req)

	func() {
		defer func() {
			if r := recover(); r != nil {
				startErr = fmt.Errorf("application panic: %v", r)
			}
		}()
		if app == nil {
			return
		}
		body := app.Call(env, start)
		if body == nil {
			return
		}
		defer body.Close()
		for {
			if c.isWillClose() {
				break
			}
			chunk, ok, err := body.Next()
			if err != nil {
				startErr = err
				break
			}
			if !ok {
				break
			}
			c.writeBodyChunk(chunk)
		}
	}()

	if startErr != nil {
		logError(c.logger, "dispatch", "application error", startErr, map[string]interface{}{"task": taskID})
		if !started {
			c.emitStatus(500, "Internal Server Error", startErr)
		}
		closeWhenDone = true
	}

	if closeWhenDone {
		c.setCloseWhenFlushed()
	}

	c.finishHeadTask(req)
}

func (c *Channel) writeStatusLine(headers ResponseHeaders, closeWhenDone bool) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", headers.Status)
	hasDate, hasServer := false, false
	for _, h := range headers.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
		switch lowerHeaderName(h.Name) {
		case "date":
			hasDate = true
		case "server":
			hasServer = true
		}
	}
	if !hasDate {
		fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123))
	}
	if !hasServer && c.adj.Ident() != "" {
		fmt.Fprintf(&buf, "Server: %s\r\n", c.adj.Ident())
	}
	if closeWhenDone {
		fmt.Fprintf(&buf, "Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	c.enqueueOutbuf(outChunk{data: buf.Bytes()})
}

func (c *Channel) writeBodyChunk(chunk BodyChunk) {
	c.enqueueOutbuf(outChunk{data: append([]byte(nil), chunk...)})
}

func lowerHeaderName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func responseWantsClose(req Request, headers ResponseHeaders) bool {
	if req.Command().Version == "HTTP/1.0" {
		return !hasHeaderValue(req.Headers(), "connection", "keep-alive")
	}
	return hasHeaderValue(req.Headers(), "connection", "close") ||
		hasHeaderValue(headers.Headers, "connection", "close")
}

func hasHeaderValue(headers []HeaderField, name, value string) bool {
	for _, h := range headers {
		if lowerHeaderName(h.Name) == name && lowerHeaderName(h.Value) == value {
			return true
		}
	}
	return false
}

func (c *Channel) buildEnviron(req Request) Environ {
	return Environ{
		Method:     req.Command().Method,
		Path:       req.Command().URI,
		Version:    req.Command().Version,
		Headers:    req.Headers(),
		Body:       req.Body(),
		RemoteAddr: c.peerAddr,
		ServerName: c.adj.ServerName(),
		URLScheme:  c.adj.URLScheme(),
		FileWrapper: func(file *FileHandle, blockSize int) *FileWrapper {
			return WrapFile(file, blockSize)
		},
	}
}

// finishHeadTask implements the completion half of spec §4.3 service():
// pop the serviced request, clear running_tasks, resubmit if more queued.
func (c *Channel) finishHeadTask(serviced Request) {
	c.taskLock.Lock()
	if len(c.requests) > 0 && c.requests[0] == serviced {
		c.requests = c.requests[1:]
	}
	more := len(c.requests) > 0
	if !more {
		c.runningTasks = false
	}
	c.taskLock.Unlock()

	if more {
		c.submitHeadTask()
	}
}

// cancelTask is the dispatcher-shutdown counterpart of serviceTask: a task
// still queued when Shutdown(cancelPending=true) runs never executes.
func (c *Channel) cancelTask(req Request, taskID int64) {
	logWarn(c.logger, "dispatch", "task cancelled at shutdown", map[string]interface{}{"task": taskID})
	c.setWillClose()
	c.finishHeadTask(req)
}

// HandleWrite implements spec §4.3 handle_write(): drain outbufs up to
// send_bytes, preferring sendfile for file-backed chunks.
func (c *Channel) HandleWrite() {
	c.outbufLock.Lock()
	defer c.outbufLock.Unlock()

	budget := c.adj.SendBytes()
	for budget > 0 && len(c.outbufs) > 0 {
		chunk := &c.outbufs[0]
		if chunk.file != nil {
			if chunk.len() <= 0 {
				// Zero-length declared body: nothing to send, just drop it.
				c.popOutbuf()
				continue
			}
			n := c.writeFileChunk(chunk, budget)
			if n == 0 {
				break
			}
			budget -= n
			if chunk.len() <= 0 {
				c.popOutbuf()
			}
			continue
		}

		data := chunk.data
		if len(data) > budget {
			data = data[:budget]
		}
		n, err := unix.Write(c.fd, data)
		if n > 0 {
			chunk.data = chunk.data[n:]
			c.totalOutbufsLen -= n
			invariant(c.totalOutbufsLen >= 0, "negative total_outbufs_len")
			budget -= n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.taskLock.Lock()
			c.willClose = true
			c.taskLock.Unlock()
			c.outbufAborted = true
			break
		}
		if len(chunk.data) == 0 {
			c.popOutbuf()
		} else {
			break
		}
	}

	if c.outbufAborted || c.totalOutbufsLen < c.adj.OutbufHighWatermark() {
		c.outbufCond.Broadcast()
	}

	c.taskLock.Lock()
	shouldClose := c.closeWhenFlushed && len(c.outbufs) == 0
	c.taskLock.Unlock()
	if shouldClose {
		c.setWillClose()
	}
}

func (c *Channel) writeFileChunk(chunk *outChunk, budget int) int {
	if chunk.file.CanSendfile() {
		f, _ := chunk.file.File()
		remaining := chunk.file.Remaining()
		count := budget
		if remaining >= 0 && int64(count) > remaining {
			count = int(remaining)
		}
		offset := chunk.file.Offset()
		n, err := sendfileChunk(c.fd, int(f.Fd()), &offset, count)
		if n > 0 {
			chunk.file.MarkSent(int64(n))
		}
		if err != nil && err != syscall.EAGAIN {
			c.taskLock.Lock()
			c.willClose = true
			c.taskLock.Unlock()
			c.outbufAborted = true
		}
		return n
	}

	buf := make([]byte, minInt(budget, 32*1024))
	n, rerr := chunk.file.Read(buf)
	if n > 0 {
		written, werr := unix.Write(c.fd, buf[:n])
		if werr != nil {
			c.taskLock.Lock()
			c.willClose = true
			c.taskLock.Unlock()
			c.outbufAborted = true
			return 0
		}
		return written
	}
	_ = rerr
	return 0
}

func (c *Channel) popOutbuf() {
	c.outbufs = c.outbufs[1:]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// WriteSoon implements spec §4.3 write_soon(): append data under
// outbuf_lock, cooperatively block above the high watermark, and pull the
// trigger so the reactor wakes to drain it.
func (c *Channel) WriteSoon(data []byte) {
	c.outbufLock.Lock()
	c.outbufs = append(c.outbufs, outChunk{data: data})
	c.totalOutbufsLen += len(data)
	for c.totalOutbufsLen > c.adj.OutbufHighWatermark() && !c.outbufAborted {
		c.outbufCond.Wait()
	}
	c.outbufLock.Unlock()

	c.server.PullTrigger()
}

func (c *Channel) enqueueOutbuf(chunk outChunk) {
	c.outbufLock.Lock()
	c.outbufs = append(c.outbufs, chunk)
	c.totalOutbufsLen += chunk.len()
	c.outbufLock.Unlock()
	c.server.PullTrigger()
}

// HandleClose implements spec §4.3 handle_close(): close the socket and
// mark the channel dead. It does not touch the reactor map; its callers
// (Reactor.reapClosed, Server.Close) unregister the channel first. Wakes any worker
// still parked in WriteSoon above the high watermark — the reactor is no
// longer going to call HandleWrite to drain it for them.
func (c *Channel) HandleClose() {
	c.outbufLock.Lock()
	c.outbufAborted = true
	c.outbufCond.Broadcast()
	c.outbufLock.Unlock()

	c.state.Store(ChannelClosed)
	_ = unix.Close(c.fd)
}

// State returns the channel's current lifecycle state, for logging and
// tests.
func (c *Channel) State() ChannelState { return c.state.Load() }

func (c *Channel) setWillClose() {
	c.taskLock.Lock()
	c.willClose = true
	c.taskLock.Unlock()
	c.state.Store(ChannelClosing)
}

func (c *Channel) setCloseWhenFlushed() {
	c.taskLock.Lock()
	c.closeWhenFlushed = true
	c.taskLock.Unlock()
}

func (c *Channel) isWillClose() bool {
	c.taskLock.Lock()
	defer c.taskLock.Unlock()
	return c.willClose
}

// WillClose reports whether this channel is scheduled to close.
func (c *Channel) WillClose() bool { return c.isWillClose() }

// LastActivity returns the monotonic timestamp of the last successful
// read, used by Server.maintenance for idle detection.
func (c *Channel) LastActivity() int64 { return c.lastActivity.Load() }

// RunningTasks reports whether a worker currently owns this channel's head
// request.
func (c *Channel) RunningTasks() bool {
	c.taskLock.Lock()
	defer c.taskLock.Unlock()
	return c.runningTasks
}

// ShouldClose reports whether the reactor should call HandleClose and
// drop this channel from the map: will_close is set and nothing remains
// to flush.
func (c *Channel) ShouldClose() bool {
	c.taskLock.Lock()
	willClose := c.willClose
	c.taskLock.Unlock()
	if !willClose {
		return false
	}
	c.outbufLock.Lock()
	empty := len(c.outbufs) == 0
	c.outbufLock.Unlock()
	return empty
}

// MarkIdleTimeout implements the maintenance half of spec §4.3/§4.4: sets
// will_close on a channel found idle past channel_timeout with no task
// running.
func (c *Channel) MarkIdleTimeout() {
	c.taskLock.Lock()
	c.willClose = true
	c.taskLock.Unlock()
}
