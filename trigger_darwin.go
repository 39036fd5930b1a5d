//go:build darwin

package kestrel

import "golang.org/x/sys/unix"

// createWakeFD creates a non-blocking self-pipe used by the trigger.
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// writeWake writes a single byte into the pipe, making the read end
// readable.
func writeWake(writeFD int) error {
	_, err := unix.Write(writeFD, []byte{1})
	if err == unix.EAGAIN {
		// Pipe buffer already has a pending byte; the reactor will still
		// wake on it.
		return nil
	}
	return err
}

// drainWake reads every pending byte out of the pipe.
func drainWake(readFD int) error {
	var buf [64]byte
	for {
		_, err := unix.Read(readFD, buf[:])
		if err != nil {
			return nil
		}
	}
}

// closeWake closes both ends of the self-pipe.
func closeWake(readFD, writeFD int) error {
	if readFD >= 0 {
		_ = unix.Close(readFD)
	}
	if writeFD >= 0 && writeFD != readFD {
		_ = unix.Close(writeFD)
	}
	return nil
}
