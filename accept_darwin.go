//go:build darwin

package kestrel

import "golang.org/x/sys/unix"

// newStreamSocket creates a stream socket for domain and applies
// non-blocking/close-on-exec afterward, since Darwin's socket(2) has no
// SOCK_NONBLOCK/SOCK_CLOEXEC type-flag extension.
func newStreamSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptNonblockingCloexec accepts one connection via accept(2), then
// applies non-blocking/close-on-exec to the new fd (no accept4 on Darwin).
func acceptNonblockingCloexec(listenFD int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
