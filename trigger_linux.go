//go:build linux

package kestrel

import "golang.org/x/sys/unix"

// createWakeFD creates a Linux eventfd used as both the read and write end
// of the trigger.
func createWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

// writeWake bumps the eventfd counter by one, making it readable.
func writeWake(writeFD int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(writeFD, buf[:])
	return err
}

// drainWake resets the eventfd counter to zero.
func drainWake(readFD int) error {
	var buf [8]byte
	for {
		_, err := unix.Read(readFD, buf[:])
		if err != nil {
			return nil
		}
	}
}

// closeWake closes the eventfd. readFD and writeFD are the same descriptor
// on Linux.
func closeWake(readFD, writeFD int) error {
	if readFD >= 0 {
		return unix.Close(readFD)
	}
	return nil
}
