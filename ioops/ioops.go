// Package ioops provides the minimal set of concrete operation wrappers
// needed to exercise the runtime core end to end (spec.md §8 scenarios A
// and B): Read, Write, Sleep, Cancel, and Yield. Building an exhaustive
// sockets or filesystem surface is explicitly out of scope (spec.md §1
// Non-goals) — that belongs to "external collaborators" built atop
// core.Registrator the same way Read/Write/Cancel are.
//
// Read, Write, and Cancel are grounded on queue/runner.go's
// submitInitialFetchReq/submitCommitAndFetch prep-and-submit pattern,
// generalized from ublk's fixed FETCH/COMMIT opcodes to generic
// IORING_OP_READ/IORING_OP_WRITE/IORING_OP_ASYNC_CANCEL. Sleep bypasses the
// ring entirely, placing the calling task directly in its worker's timer
// wheel (internal/timerwheel), per spec.md §6's "await a sleep (places self
// in the timer wheel)".
package ioops

import (
	"context"
	"time"

	"github.com/behrlich/zedio-go/internal/constants"
	"github.com/behrlich/zedio-go/internal/core"
	"github.com/behrlich/zedio-go/internal/rterr"
	"github.com/behrlich/zedio-go/internal/sched"
	"github.com/behrlich/zedio-go/internal/uring"
)

type readParams struct {
	fd  int
	buf []byte
}

var readRegistrator = core.Registrator[readParams]{
	Prep: func(sqe *uring.SQE, userData uint64, p readParams) error {
		uring.PrepRead(sqe, p.fd, p.buf, 0, userData)
		return nil
	},
}

// Read suspends the calling task until fd has at least len(buf) bytes
// available to read into buf (or a short read / error completes), and
// returns the completion result (bytes read, or a negative errno mapped
// into err).
func Read(ctx context.Context, fd int, buf []byte) (int, error) {
	n, err := readRegistrator.Await(ctx, readParams{fd: fd, buf: buf})
	return int(n), err
}

type writeParams struct {
	fd  int
	buf []byte
}

var writeRegistrator = core.Registrator[writeParams]{
	Prep: func(sqe *uring.SQE, userData uint64, p writeParams) error {
		uring.PrepWrite(sqe, p.fd, p.buf, 0, userData)
		return nil
	},
}

// Write suspends the calling task until buf has been written to fd.
func Write(ctx context.Context, fd int, buf []byte) (int, error) {
	n, err := writeRegistrator.Await(ctx, writeParams{fd: fd, buf: buf})
	return int(n), err
}

// Sleep suspends the calling task for at least d, placing it directly in
// its worker's timer wheel (internal/timerwheel) rather than round-tripping
// through the ring — spec.md §6's "await a sleep (places self in the timer
// wheel)". d is quantized up to the nearest whole wheel tick
// (constants.TimerWheelTickInterval), with a floor of one tick.
func Sleep(ctx context.Context, d time.Duration) error {
	task, ok := sched.TaskFromContext(ctx)
	if !ok {
		return rterr.New("sleep", rterr.CodeInvalid, "no task bound to context; Sleep must run inside a spawned task")
	}
	if task.Cancelled() {
		return rterr.New("sleep", rterr.CodeCancelled, "task cancelled before sleep")
	}

	ticks := uint64((d + constants.TimerWheelTickInterval - 1) / constants.TimerWheelTickInterval)
	if ticks == 0 {
		ticks = 1
	}
	task.Worker().Wheel().Insert(ticks, task)

	task.Suspend()

	if task.Cancelled() {
		return rterr.New("sleep", rterr.CodeCancelled, "task cancelled while sleeping")
	}
	return nil
}

type cancelParams struct {
	targetUserData uint64
}

var cancelRegistrator = core.Registrator[cancelParams]{
	Prep: func(sqe *uring.SQE, userData uint64, p cancelParams) error {
		uring.PrepAsyncCancel(sqe, p.targetUserData, userData)
		return nil
	},
}

// Cancel requests the kernel cancel the in-flight operation identified by
// opUserData (spec.md §5 cancellation form 2: kernel async-cancel).
func Cancel(ctx context.Context, opUserData uint64) error {
	_, err := cancelRegistrator.Await(ctx, cancelParams{targetUserData: opUserData})
	return err
}

// Yield suspends the calling task and immediately places it back at the
// tail of its worker's local queue, letting other ready handles run first
// — the scheduler's own cooperative yield point (spec.md §6 "To user
// code"), implemented without going through the ring at all.
func Yield(ctx context.Context) error {
	task, ok := sched.TaskFromContext(ctx)
	if !ok {
		return rterr.New("yield", rterr.CodeInvalid, "no task bound to context")
	}
	w := task.Worker()
	w.Local().PushBackOrOverflow(task, w.Global())
	task.Suspend()
	if task.Cancelled() {
		return rterr.New("yield", rterr.CodeCancelled, "task cancelled while yielded")
	}
	return nil
}
