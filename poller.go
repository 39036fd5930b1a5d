// Package kestrel implements the concurrency and connection engine of a
// production HTTP/1.x server: the reactor event loop, the per-connection
// channel state machine, the worker-pool task dispatcher, and the
// trigger/maintenance plumbing that ties them together.
//
// # Descriptor multiplexing
//
// The reactor polls a single descriptor map shared by every listening
// server, every live channel, and one trigger, using the host's native
// readiness mechanism:
//   - Linux: epoll
//   - Darwin/BSD: kqueue
//
// See poller_linux.go and poller_darwin.go for the platform-specific
// implementations.
//
// # Safety
//
// A descriptor must be unregistered before it is closed, to avoid stale
// event delivery if the fd number is recycled by the kernel.
package kestrel

// RegisterFD, UnregisterFD, ModifyFD and PollIO on *poller are implemented
// in platform-specific files:
//   - poller_linux.go (epoll)
//   - poller_darwin.go (kqueue)
