//go:build giouring

// This file provides an alternative ring setup path over the declared
// pawelgaczynski/giouring dependency, mirroring go-ublk's own
// iouring.go/iouring_stub.go build-tag split: the default build uses the
// raw-syscall Ring in ring.go; building with `-tags giouring` exercises
// this path instead, which delegates ring creation and submit/wait to the
// real library rather than hand-rolled mmap code.
//
// giouring owns its own SQE/CQE memory layout (distinct from this
// package's SQE/CQE), so it cannot be slotted behind the same Ring struct
// without a second abstraction layer the driver would have to branch on.
// Rather than duplicate the driver's prep/poll logic per backend, this
// file limits itself to what go-ublk's own build-tagged file does: prove
// the dependency wires up (ring construction, a raw submit-and-wait round
// trip) and leave full driver integration to the default Ring. See
// DESIGN.md for why this backend stays this thin.
package uring

import (
	"fmt"

	giouring "github.com/pawelgaczynski/giouring"
)

// NewGiouring creates and immediately tears down a ring backed by
// pawelgaczynski/giouring, returning any setup error. It exists so builds
// tagged `giouring` exercise the real dependency end to end.
func NewGiouring(entries uint32) error {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return fmt.Errorf("uring(giouring): create ring: %w", err)
	}
	defer ring.QueueExit()

	sqe := ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("uring(giouring): submission queue unexpectedly full at startup")
	}
	sqe.PrepNop()
	sqe.SetUserData(1)

	if _, err := ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("uring(giouring): submit: %w", err)
	}
	cqe, err := ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("uring(giouring): wait cqe: %w", err)
	}
	ring.CQESeen(cqe)
	return nil
}
