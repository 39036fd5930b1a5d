//go:build darwin

package kestrel

import "golang.org/x/sys/unix"

// sendfileChunk emits up to count bytes from srcFD to dstFD via the
// sendfile(2) system call. Unlike the Linux implementation, Darwin's
// sendfile(2) dereferences offset unconditionally, so callers must always
// pass a non-nil pointer (kestrel's sendfile call sites always do, tracking
// the file's read position themselves rather than relying on fd position).
func sendfileChunk(dstFD, srcFD int, offset *int64, count int) (int, error) {
	n, err := unix.Sendfile(dstFD, srcFD, offset, count)
	if err == unix.EAGAIN {
		return n, nil
	}
	return n, err
}
