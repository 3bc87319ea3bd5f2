// Package driver implements the per-worker I/O driver: it owns one ring,
// submits operations described by operation wrappers, reaps completions,
// and dispatches ready handles into the ready queues the worker supplies.
//
// This is spec.md §4.2. The driver never enumerates operation kinds: any
// caller may prepare an arbitrary SQE via TryPrepare/PushWaiting.
package driver

import (
	"fmt"
	"math"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/zedio-go/internal/constants"
	"github.com/behrlich/zedio-go/internal/logging"
	"github.com/behrlich/zedio-go/internal/uring"
	"github.com/behrlich/zedio-go/internal/wakeup"
)

// ResultPending is the sentinel Callback.Result holds until a completion
// overwrites it.
const ResultPending = int32(math.MinInt32)

// CancelledResult is the Callback.Result CancelAll assigns to every
// in-flight operation it force-resolves, mirroring the -ECANCELED a real
// IORING_OP_ASYNC_CANCEL completion would carry.
const CancelledResult = -int32(syscall.ECANCELED)

// heartbeatUserData is the reserved user-data for the driver's periodic
// self-timeout, the sibling of the wake-up read's reserved 0: it exists
// purely to bound how long Wait can block, so a worker with nothing in its
// ring but a sleeping task still returns periodically and can advance its
// timer wheel (internal/timerwheel) in real time. nextID starts at 1 and
// only grows, so this sentinel never collides with a real submission.
const heartbeatUserData = ^uint64(0)

// ReadyHandle is an opaque reference to a suspended coroutine (in this
// port, a parked goroutine) that has become ready to run. Implementations
// must make Resume idempotent-free: it is called at most once per
// completion.
type ReadyHandle interface {
	// Resume hands control back to the suspended task. Called either by a
	// worker popping its ready queue, or inline by the driver for
	// exclusive completions.
	Resume()
	// Cancelled reports whether the owning task has been externally
	// cancelled; awaiters consult this at resume time (spec.md §5).
	Cancelled() bool
}

// LocalPusher is the subset of the local ready queue the driver needs.
type LocalPusher interface {
	PushBackOrOverflow(h ReadyHandle, global GlobalPusher)
}

// GlobalPusher is the subset of the global ready queue the driver needs.
type GlobalPusher interface {
	Push(h ReadyHandle)
}

// Callback is the per-inflight-operation control block bridging a kernel
// completion to a coroutine (here: goroutine) resumption. It must outlive
// the submission slot that references it; in this port that's guaranteed
// by the fact the awaiting goroutine (and hence its stack-resident
// Callback) stays alive until it is resumed.
type Callback struct {
	Handle      ReadyHandle
	Result      int32
	Exclusive   bool
	submittedAt time.Time
}

// NewCallback creates a Callback in the pending state.
func NewCallback(h ReadyHandle, exclusive bool) *Callback {
	return &Callback{Handle: h, Result: ResultPending, Exclusive: exclusive}
}

// Metrics is the subset of a worker's metrics sink the driver feeds
// directly: completions reaped per Poll pass, and per-operation submit-to-
// completion latency. Optional — a Driver with none wired (the zero value)
// records nothing.
type Metrics interface {
	RecordCompletionsReaped(n int)
	RecordResume(latencyNs uint64)
}

// Config mirrors spec.md §3's immutable per-driver configuration.
type Config struct {
	RingEntries    uint32
	RingFlags      uint32
	SubmitInterval uint32
	// TickInterval bounds how long Wait may block with nothing else
	// pending; defaults to constants.TimerWheelTickInterval.
	TickInterval time.Duration
}

type waitingEntry struct {
	cb   *Callback
	prep func(sqe *uring.SQE, userData uint64) error
}

// Driver owns one ring, one wake-up eventfd, and the bookkeeping needed to
// round-trip a Callback through a kernel completion.
//
// The C++ original this is ported from assumes a driver is only ever
// touched by the single OS thread that owns it, because its coroutines are
// genuinely single-threaded. Go has no stackful-coroutine primitive (see
// SPEC_FULL.md §4.9): a Task's goroutine may run on any M between
// suspension points, so submission-side state here is guarded by a mutex.
// The completion side (Poll/Wait) is still only ever called by the owning
// Worker's own loop.
type Driver struct {
	ring    *uring.Ring
	wake    *wakeup.FD
	logger  *logging.Logger
	cfg     Config
	metrics Metrics

	mu             sync.Mutex
	pending        map[uint64]*Callback
	nextID         uint64
	waiting        []waitingEntry
	submitCount    uint32
	wakeArmed      bool
	wakeBuf        uint64
	heartbeatArmed bool
	heartbeatTS    unix.Timespec
}

// New creates a driver: a ring of cfg.RingEntries capacity and a wake-up
// eventfd. Both failures are fatal at worker startup per spec.md §7.
func New(cfg Config, logger *logging.Logger) (*Driver, error) {
	if cfg.SubmitInterval == 0 {
		cfg.SubmitInterval = constants.DefaultSubmitInterval
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = constants.TimerWheelTickInterval
	}
	ring, err := uring.New(cfg.RingEntries, cfg.RingFlags)
	if err != nil {
		return nil, fmt.Errorf("driver: ring init: %w", err)
	}
	wake, err := wakeup.New()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("driver: wake-up fd: %w", err)
	}
	return &Driver{
		ring:        ring,
		wake:        wake,
		logger:      logger,
		cfg:         cfg,
		pending:     make(map[uint64]*Callback),
		nextID:      1, // 0 is reserved for the wake-up read's null user-data
		heartbeatTS: unix.NsecToTimespec(cfg.TickInterval.Nanoseconds()),
	}, nil
}

// Close releases the ring and wake-up fd. The driver is the sole owner of
// both for its lifetime (spec.md §3).
func (d *Driver) Close() error {
	err1 := d.ring.Close()
	err2 := d.wake.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// WakeUp writes one word to the wake-up fd. Safe for concurrent callers;
// the kernel eventfd coalesces bursts.
func (d *Driver) WakeUp() error {
	return d.wake.Signal()
}

// SetMetrics wires m so Poll/Wait feed it completions-reaped counts and
// per-operation resume latency. Optional; called once by the owning
// Worker before Run, mirroring the logger's construction-time wiring.
func (d *Driver) SetMetrics(m Metrics) {
	d.metrics = m
}

// TryPrepare obtains a submission slot, lets prep fill it in with cb's
// user-data id, and requests a (possibly batched) submit. Returns false if
// the ring's submission queue is currently full or prep itself failed; the
// caller is then responsible for calling PushWaiting so the closure is not
// dropped (spec.md §9 Open Question — the "not dropped" behavior is the
// one this port implements).
func (d *Driver) TryPrepare(cb *Callback, prep func(sqe *uring.SQE, userData uint64) error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tryPrepareLocked(cb, prep)
}

func (d *Driver) tryPrepareLocked(cb *Callback, prep func(sqe *uring.SQE, userData uint64) error) bool {
	sqe := d.ring.GetSQE()
	if sqe == nil {
		return false
	}
	id := d.nextID
	d.nextID++
	if err := prep(sqe, id); err != nil {
		if d.logger != nil {
			d.logger.Errorf("driver: prep failed: %v", err)
		}
		return false
	}
	cb.submittedAt = time.Now()
	d.pending[id] = cb
	d.submitLocked()
	return true
}

// PushWaiting appends a closure to the waiting-submission list; it will be
// retried the next time the driver drains that list (after a completion
// reaping pass, per spec.md §4.1).
func (d *Driver) PushWaiting(cb *Callback, prep func(sqe *uring.SQE, userData uint64) error) {
	d.mu.Lock()
	d.waiting = append(d.waiting, waitingEntry{cb: cb, prep: prep})
	d.mu.Unlock()
}

func (d *Driver) submitLocked() {
	d.submitCount++
	if d.submitCount >= d.cfg.SubmitInterval {
		d.forceSubmitLocked()
	}
}

// ForceSubmit flushes pending entries into the kernel now, regardless of
// the submit-interval counter.
func (d *Driver) ForceSubmit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceSubmitLocked()
}

func (d *Driver) forceSubmitLocked() {
	d.submitCount = 0
	if _, err := d.ring.Submit(); err != nil {
		// Internal errors are logged and the worker continues; spec.md §7
		// — they never propagate as task failures. The counter reset
		// above means the next flush will retry.
		if d.logger != nil {
			d.logger.Errorf("driver: force submit: %v", err)
		}
	}
}

// batchSize mirrors zedio's CQE batch of twice the local queue capacity.
const batchSize = constants.LocalQueueCapacity * 2

// Poll peeks a batch of completions. If empty, runs the wait-before
// procedure and returns false. Otherwise writes each completion's result
// into its Callback, dispatches non-exclusive handles to local (overflow
// to global), resumes exclusive handles inline after the completion
// cursor has advanced, then flushes any pending submissions. Returns true.
// If metrics are wired (SetMetrics), records completions reaped and each
// resolved callback's submit-to-completion latency.
func (d *Driver) Poll(local LocalPusher, global GlobalPusher) bool {
	var cqes [batchSize]uring.CQE
	n := d.ring.PeekBatchCQE(cqes[:])
	if n == 0 {
		d.waitBefore()
		return false
	}

	var exclusive []ReadyHandle
	d.mu.Lock()
	for i := 0; i < n; i++ {
		cqe := cqes[i]
		if cqe.UserData == 0 {
			d.wakeArmed = false
			continue
		}
		if cqe.UserData == heartbeatUserData {
			d.heartbeatArmed = false
			continue
		}
		cb, ok := d.pending[cqe.UserData]
		if !ok {
			continue
		}
		delete(d.pending, cqe.UserData)
		cb.Result = cqe.Res
		if d.metrics != nil {
			d.metrics.RecordResume(uint64(time.Since(cb.submittedAt).Nanoseconds()))
		}
		if cb.Exclusive {
			exclusive = append(exclusive, cb.Handle)
		} else {
			local.PushBackOrOverflow(cb.Handle, global)
		}
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordCompletionsReaped(n)
	}

	d.ring.CQAdvance(uint32(n))

	// Resumption happens after CQAdvance so a resumed coroutine re-entering
	// poll cannot observe its own event twice (spec.md §4.2 rationale).
	for _, h := range exclusive {
		h.Resume()
	}

	d.ForceSubmit()
	return true
}

// Wait blocks on the ring until one completion is available. If it carries
// a Callback, the result is written and the handle placed into runNext.
func (d *Driver) Wait(runNext *ReadyHandle) {
	cqe, err := d.ring.WaitCQE()
	if err != nil {
		if d.logger != nil {
			d.logger.Debugf("driver: wait: %v", err)
		}
		return
	}
	if cqe.UserData == 0 {
		d.mu.Lock()
		d.wakeArmed = false
		d.mu.Unlock()
		return
	}
	if cqe.UserData == heartbeatUserData {
		d.mu.Lock()
		d.heartbeatArmed = false
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	cb, ok := d.pending[cqe.UserData]
	if ok {
		delete(d.pending, cqe.UserData)
	}
	d.mu.Unlock()
	if ok {
		cb.Result = cqe.Res
		if d.metrics != nil {
			d.metrics.RecordResume(uint64(time.Since(cb.submittedAt).Nanoseconds()))
			d.metrics.RecordCompletionsReaped(1)
		}
		*runNext = cb.Handle
	}
}

// waitBefore re-arms the wake-up read if consumed, then drains the
// waiting-submission list while slots remain, and force-submits.
//
// The closure at the head of the list is only popped once it has
// successfully prepared a slot; if the ring is full mid-drain the closure
// stays at the head for the next pass, per spec.md §9's corrected
// behavior (the C++ original drops it, flagged there as likely a bug).
func (d *Driver) waitBefore() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.wakeArmed {
		sqe := d.ring.GetSQE()
		if sqe != nil {
			uring.PrepReadFd(sqe, d.wake.Fd(), &d.wakeBuf, 0)
			d.wakeArmed = true
		}
	}

	if !d.heartbeatArmed {
		sqe := d.ring.GetSQE()
		if sqe != nil {
			uring.PrepTimeout(sqe, &d.heartbeatTS, heartbeatUserData)
			d.heartbeatArmed = true
		}
	}

	for len(d.waiting) > 0 {
		entry := d.waiting[0]
		if !d.tryPrepareLocked(entry.cb, entry.prep) {
			break
		}
		d.waiting = d.waiting[1:]
	}

	d.forceSubmitLocked()
}

// PendingCount reports the number of in-flight operations — submitted to
// the kernel plus still queued on the waiting-submission list — for tests
// and shutdown draining.
func (d *Driver) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.waiting)
}

// CancelAll resolves every in-flight Callback — both already submitted to
// the kernel and still queued on the waiting-submission list because the
// ring was full — with a Cancelled result, without touching the kernel
// ring further. Used during shutdown when operations will never complete
// on their own (spec.md §4.7 shutdown, §8 scenario B).
func (d *Driver) CancelAll(cancelledResult int32) []ReadyHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := make([]ReadyHandle, 0, len(d.pending)+len(d.waiting))
	for id, cb := range d.pending {
		cb.Result = cancelledResult
		handles = append(handles, cb.Handle)
		delete(d.pending, id)
	}
	for _, entry := range d.waiting {
		entry.cb.Result = cancelledResult
		handles = append(handles, entry.cb.Handle)
	}
	d.waiting = nil
	return handles
}
