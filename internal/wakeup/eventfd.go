// Package wakeup wraps the Linux eventfd used as the cross-worker wake-up
// mechanism: one per driver, registered as a ring read so a blocking
// Driver.Wait can be interrupted by a peer worker.
package wakeup

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// FD is a nonblocking, close-on-exec eventfd.
type FD struct {
	fd int
}

// New creates a nonblocking, close-on-exec eventfd.
func New() (*FD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("wakeup: eventfd: %w", err)
	}
	return &FD{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for arming a ring read.
func (w *FD) Fd() int { return w.fd }

// Signal writes one word to the eventfd. Concurrent writes accumulate in
// the eventfd's single counter; a single ring read drains all of them.
func (w *FD) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wakeup: write: %w", err)
	}
	return nil
}

// Close releases the eventfd.
func (w *FD) Close() error {
	return unix.Close(w.fd)
}
