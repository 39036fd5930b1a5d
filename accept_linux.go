//go:build linux

package kestrel

import "golang.org/x/sys/unix"

// newStreamSocket creates a non-blocking, close-on-exec stream socket for
// the given address family using Linux's socket(2) type-flag extension.
func newStreamSocket(domain int) (int, error) {
	return unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// acceptNonblockingCloexec accepts one connection as non-blocking and
// close-on-exec in a single syscall via accept4(2).
func acceptNonblockingCloexec(listenFD int) (int, unix.Sockaddr, error) {
	return unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
