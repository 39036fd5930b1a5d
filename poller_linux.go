//go:build linux

package kestrel

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct array indexing into the poller's fd table.
const maxFDs = 65536

// IOEvents is a bitmask of readiness conditions reported for a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	errFDOutOfRange        = errors.New("kestrel: fd out of range")
	errFDAlreadyRegistered = errors.New("kestrel: fd already registered")
	errFDNotRegistered     = errors.New("kestrel: fd not registered")
	errPollerClosed        = errors.New("kestrel: poller closed")
)

// ioCallback is invoked by the reactor thread when PollIO reports readiness
// for the fd it was registered against.
type ioCallback func(IOEvents)

type fdEntry struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// poller multiplexes readiness across every registered descriptor using
// epoll. It is the substrate the reactor (C5) drives its single poll loop
// on; registration and PollIO are only ever called from the reactor
// goroutine, so no lock is required for PollIO itself, only for the fd
// table which RegisterFD/UnregisterFD/ModifyFD mutate and dispatchEvents
// reads.
type poller struct {
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// Init creates the underlying epoll instance.
func (p *poller) Init() error {
	if p.closed.Load() {
		return errPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

// Close releases the epoll instance. Registered fds are not closed by this
// call; ownership of the underlying sockets/pipes stays with the caller.
func (p *poller) Close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// RegisterFD adds fd to the descriptor map with the given interest set.
func (p *poller) RegisterFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// UnregisterFD removes fd from the descriptor map.
func (p *poller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd] = fdEntry{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD changes the interest set for an already-registered fd. The
// reactor calls this for every registered handler on every turn, whether or
// not its readable()/writable() answer changed, keeping epoll's registered interest in sync with level-triggered
// semantics computed from application state.
func (p *poller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// PollIO blocks up to timeoutMs milliseconds (or indefinitely if negative)
// waiting for readiness, then dispatches callbacks inline on the calling
// goroutine. Returns the number of events delivered.
func (p *poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}

	v := p.version.Load()

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if p.version.Load() != v {
		// Registration changed mid-wait (e.g. a channel closed); the
		// returned events may reference a stale fd, so discard this round
		// rather than risk dispatching to a reused descriptor.
		return 0, nil
	}

	p.dispatchEvents(n)
	return n, nil
}

func (p *poller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		entry := p.fds[fd]
		p.fdMu.RUnlock()

		if entry.active && entry.callback != nil {
			entry.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
