//go:build linux

package kestrel

import "golang.org/x/sys/unix"

// sendfileChunk emits up to count bytes from srcFD to dstFD via the
// sendfile(2) system call, the zero-copy path spec §5 asks the core to
// prefer for regular-file FileWrapper bodies over a stream socket.
//
// It returns the number of bytes actually transferred; a short count with
// a nil error (or EAGAIN) means the socket's send buffer is full and the
// caller should retry once the channel is writable again.
func sendfileChunk(dstFD, srcFD int, offset *int64, count int) (int, error) {
	n, err := unix.Sendfile(dstFD, srcFD, offset, count)
	if err == unix.EAGAIN {
		return n, nil
	}
	return n, err
}
