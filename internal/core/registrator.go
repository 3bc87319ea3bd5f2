// Package core implements the Callback/Registrator suspension protocol
// (spec.md §4.1): the common machinery every concrete operation wrapper
// (package ioops) builds on to turn "prepare a submission, suspend,
// resume with a result" into a single blocking call.
package core

import (
	"context"
	"syscall"

	"github.com/behrlich/zedio-go/internal/driver"
	"github.com/behrlich/zedio-go/internal/rterr"
	"github.com/behrlich/zedio-go/internal/sched"
	"github.com/behrlich/zedio-go/internal/uring"
)

// PrepFunc fills in an SQE for one submission, given the user-data id the
// driver assigned it. P carries whatever operation-specific parameters
// the caller needs (a buffer, an fd, a duration) — mirroring the
// teacher's per-opcode prep functions in iouring.go
// (prepUblkCtrlCmd/prepUblkIOCmd), generalized from ublk's fixed command
// set to arbitrary io_uring opcodes.
type PrepFunc[P any] func(sqe *uring.SQE, userData uint64, params P) error

// Registrator drives the five-step suspension protocol from spec.md §4.1
// for one class of operation: obtain a submission slot, let Prep fill it
// in, store a Callback keyed by the slot's user-data, request a batched
// submit, and yield — with the waiting-submission-list fallback when the
// ring is momentarily full.
type Registrator[P any] struct {
	Prep      PrepFunc[P]
	Exclusive bool
}

// Await runs the protocol and blocks until the operation completes or the
// owning task is cancelled. ctx must carry the calling task (sched.WithTask,
// set automatically for every spawned task) so Await can recover both the
// task (to suspend/check cancellation) and its bound worker's driver
// (spec.md §9's "current worker" ambient binding).
func (r Registrator[P]) Await(ctx context.Context, params P) (int32, error) {
	task, ok := sched.TaskFromContext(ctx)
	if !ok {
		return 0, rterr.New("await", rterr.CodeInvalid, "no task bound to context; Await must run inside a spawned task")
	}
	if task.Cancelled() {
		return 0, rterr.New("await", rterr.CodeCancelled, "task cancelled before submission")
	}

	d := task.Worker().Driver()
	cb := driver.NewCallback(task, r.Exclusive)
	prep := func(sqe *uring.SQE, userData uint64) error {
		return r.Prep(sqe, userData, params)
	}

	if !d.TryPrepare(cb, prep) {
		d.PushWaiting(cb, prep)
	}

	task.Suspend()

	if task.Cancelled() {
		return 0, rterr.New("await", rterr.CodeCancelled, "task cancelled while awaiting completion")
	}
	if cb.Result < 0 {
		return cb.Result, rterr.FromErrno("await", syscall.Errno(-cb.Result))
	}
	return cb.Result, nil
}
