package kestrel

import "sync/atomic"

// Trigger is a reactor-registered pseudo-descriptor that lets worker
// threads — after appending to a channel's outbuf — wake the reactor from
// a poll that would otherwise wait out its full timeout (spec C1).
//
// Pull is safe to call from any goroutine and is idempotent while a wakeup
// is already pending: concurrent callers collapse onto a single write to
// the underlying fd, so the reactor drains at most one byte/counter per
// actual wakeup regardless of how many producers called Pull in between.
type Trigger struct {
	readFD, writeFD int
	pending         atomic.Bool
}

// newTrigger creates the platform wakeup primitive (eventfd on Linux, a
// non-blocking pipe on Darwin/BSD) and wraps it.
func newTrigger() (*Trigger, error) {
	r, w, err := createWakeFD()
	if err != nil {
		return nil, err
	}
	return &Trigger{readFD: r, writeFD: w}, nil
}

// FD returns the descriptor the reactor should register for EventRead.
func (t *Trigger) FD() int {
	return t.readFD
}

// Pull schedules a wakeup. It never blocks. If a wakeup is already pending
// and hasn't been drained yet, Pull is a no-op.
func (t *Trigger) Pull() error {
	if !t.pending.CompareAndSwap(false, true) {
		return nil
	}
	if err := writeWake(t.writeFD); err != nil {
		// Writer failed; allow a subsequent Pull to retry rather than
		// leaving pending stuck true with nothing in flight. The reactor
		// falls back to its poll timeout until the next successful Pull.
		t.pending.Store(false)
		return err
	}
	return nil
}

// onReadable is invoked by the reactor when the trigger's fd reports
// readable. It drains the underlying primitive and clears pending so a
// following Pull will write again.
func (t *Trigger) onReadable(IOEvents) {
	_ = drainWake(t.readFD)
	t.pending.Store(false)
}

// Close releases the underlying descriptors.
func (t *Trigger) Close() error {
	return closeWake(t.readFD, t.writeFD)
}
