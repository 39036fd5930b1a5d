//go:build darwin

package kestrel

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs is the initial size of the poller's dynamically growable fd table.
const maxFDs = 65536

// maxFDLimit bounds dynamic growth of the fd table.
const maxFDLimit = 100000000

// IOEvents is a bitmask of readiness conditions reported for a descriptor.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

var (
	errFDOutOfRange        = errors.New("kestrel: fd out of range")
	errFDAlreadyRegistered = errors.New("kestrel: fd already registered")
	errFDNotRegistered     = errors.New("kestrel: fd not registered")
	errPollerClosed        = errors.New("kestrel: poller closed")
)

type ioCallback func(IOEvents)

type fdEntry struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// poller multiplexes readiness across every registered descriptor using
// kqueue. Registration and PollIO are only ever called from the reactor
// goroutine.
type poller struct {
	kq       int32
	eventBuf [256]unix.Kevent_t
	fds      []fdEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// Init creates the underlying kqueue instance.
func (p *poller) Init() error {
	if p.closed.Load() {
		return errPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.fds = make([]fdEntry, maxFDs)
	return nil
}

// Close releases the kqueue instance.
func (p *poller) Close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

// RegisterFD adds fd to the descriptor map with the given interest set.
func (p *poller) RegisterFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) {
		newSize := fd*2 + 1
		if newSize > maxFDLimit {
			newSize = maxFDLimit + 1
		}
		grown := make([]fdEntry, newSize)
		copy(grown, p.fds)
		p.fds = grown
	}
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fdMu.Lock()
			p.fds[fd] = fdEntry{}
			p.fdMu.Unlock()
			return err
		}
	}
	return nil
}

// UnregisterFD removes fd from the descriptor map. In-flight callback
// invocations copied before the unregister are allowed to complete; the
// caller must not close fd's underlying descriptor until any such callback
// has returned (the reactor thread enforces this since registration and
// dispatch both run there).
func (p *poller) UnregisterFD(fd int) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdEntry{}
	p.fdMu.Unlock()

	if kevents := eventsToKevents(fd, events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(int(p.kq), kevents, nil, nil)
	}
	return nil
}

// ModifyFD changes the interest set for an already-registered fd.
func (p *poller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	p.fdMu.Unlock()

	if removed := old &^ events; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(int(p.kq), kevents, nil, nil)
		}
	}
	if added := events &^ old; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// PollIO blocks up to timeoutMs milliseconds (or indefinitely if negative)
// waiting for readiness, then dispatches callbacks inline on the calling
// goroutine. Returns the number of events delivered.
func (p *poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatchEvents(n)
	return n, nil
}

func (p *poller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}
		p.fdMu.RLock()
		var entry fdEntry
		if fd < len(p.fds) {
			entry = p.fds[fd]
		}
		p.fdMu.RUnlock()

		if entry.active && entry.callback != nil {
			entry.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
