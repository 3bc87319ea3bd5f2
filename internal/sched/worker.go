package sched

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	stdruntime "runtime"

	"github.com/behrlich/zedio-go/internal/constants"
	"github.com/behrlich/zedio-go/internal/driver"
	"github.com/behrlich/zedio-go/internal/logging"
	"github.com/behrlich/zedio-go/internal/timerwheel"
)

// Config configures one worker's behavior, the per-worker subset of
// spec.md §3's config table.
type Config struct {
	CheckIOInterval     uint64
	CheckGlobalInterval uint64
	GlobalDrainBatch    int
	CPU                 int // < 0 disables affinity pinning
	Metrics             MetricsSink
}

// MetricsSink is the subset of the root zedio.Metrics counters a worker
// (and its owned driver.Driver, via SetMetrics) records into. Declared
// here (rather than importing the root package, which would cycle back
// into sched) so *zedio.Metrics satisfies it structurally without either
// package importing the other. Its method set is a superset of
// driver.Metrics so a MetricsSink value can be passed directly to
// Driver.SetMetrics.
type MetricsSink interface {
	RecordSpawn()
	RecordCompletion()
	RecordCancel()
	RecordSteal(success bool)
	RecordQueueDepth(depth uint32)
	RecordCompletionsReaped(n int)
	RecordResume(latencyNs uint64)
}

type noopMetricsSink struct{}

func (noopMetricsSink) RecordSpawn()                  {}
func (noopMetricsSink) RecordCompletion()             {}
func (noopMetricsSink) RecordCancel()                 {}
func (noopMetricsSink) RecordSteal(success bool)      {}
func (noopMetricsSink) RecordQueueDepth(depth uint32) {}
func (noopMetricsSink) RecordCompletionsReaped(n int) {}
func (noopMetricsSink) RecordResume(latencyNs uint64) {}

// Worker is one cooperative scheduler loop: it owns a driver, a local
// ready queue, and a timer wheel outright; it shares the global queue and
// peers' local-queue tails (for stealing) with the rest of the runtime
// (spec.md §5 Ownership).
type Worker struct {
	id     int
	cfg    Config
	local  *LocalQueue
	global *GlobalQueue
	drv    *driver.Driver
	wheel  *timerwheel.Wheel
	logger *logging.Logger
	peers  []*Worker // installed by SetPeers before Run; includes self

	nextTaskID *atomic.Uint64
	shutdown   *atomic.Bool

	tick        uint64
	lastAdvance time.Time
}

// NewWorker creates a worker. SetPeers must be called before Run.
func NewWorker(id int, cfg Config, drv *driver.Driver, global *GlobalQueue, nextTaskID *atomic.Uint64, shutdown *atomic.Bool, logger *logging.Logger) *Worker {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetricsSink{}
	}
	drv.SetMetrics(cfg.Metrics)
	return &Worker{
		id:         id,
		cfg:        cfg,
		local:      NewLocalQueue(),
		global:     global,
		drv:        drv,
		wheel:      timerwheel.New(),
		logger:     logger,
		nextTaskID: nextTaskID,
		shutdown:   shutdown,
	}
}

// SetPeers installs the full worker set (including this worker) used by
// the steal-from-a-random-peer step.
func (w *Worker) SetPeers(peers []*Worker) { w.peers = peers }

// ID returns the worker's index within its runtime.
func (w *Worker) ID() int { return w.id }

// Driver returns the worker's owned I/O driver — the binding awaiters in
// internal/core use to find "the current worker's driver" (spec.md §9).
func (w *Worker) Driver() *driver.Driver { return w.drv }

// Wheel returns the worker's owned timer wheel.
func (w *Worker) Wheel() *timerwheel.Wheel { return w.wheel }

// Local exposes the local queue, for callers (ioops.Yield) that need to
// push a ready handle back onto this worker.
func (w *Worker) Local() *LocalQueue { return w.local }

// Global exposes the shared global queue, for callers (ioops.Yield) that
// need to push a ready handle without going through Spawn/driver.
func (w *Worker) Global() *GlobalQueue { return w.global }

// Spawn creates a task and pushes it onto this worker's local queue
// (spec.md §4.7: "push(task) from inside a worker routes to that
// worker's local queue").
func (w *Worker) Spawn(ctx context.Context, fn func(context.Context) error) *Task {
	t := newTask(w.nextTaskID.Add(1))
	t.bindWorker(w)
	t.start(ctx, fn)
	w.local.PushBackOrOverflow(t, w.global)
	w.cfg.Metrics.RecordSpawn()
	return t
}

// SpawnExternal creates an unbound task and pushes it onto the shared
// global queue (spec.md §4.7: "push(task) from outside a worker routes
// to the global queue and wakes one worker"). The caller is responsible
// for waking a peer via its driver afterward.
func SpawnExternal(ctx context.Context, nextTaskID *atomic.Uint64, global *GlobalQueue, fn func(context.Context) error) *Task {
	t := newTask(nextTaskID.Add(1))
	t.start(ctx, fn)
	global.Push(t)
	return t
}

// runHandle binds an unbound task to this worker on first resumption
// (spec.md §5 Ownership) and resumes it.
func (w *Worker) runHandle(h driver.ReadyHandle) {
	t, isTask := h.(*Task)
	if isTask {
		t.bindWorker(w)
	}
	h.Resume()
	if isTask {
		select {
		case <-t.Done():
			w.cfg.Metrics.RecordCompletion()
		default:
		}
	}
}

// Run executes the event loop from spec.md §4.6 until shutdown is
// signaled and every queue this worker owns is empty. Pins the OS thread
// and, if cfg.CPU >= 0, its CPU affinity — a supplement beyond the
// distilled spec, grounded on go-ublk's queue/runner.go ioLoop, which
// pins for a kernel-imposed thread-identity requirement; here it is an
// optional performance knob instead.
func (w *Worker) Run() {
	stdruntime.LockOSThread()
	defer stdruntime.UnlockOSThread()

	if w.cfg.CPU >= 0 {
		var mask unix.CPUSet
		mask.Set(w.cfg.CPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && w.logger != nil {
			w.logger.Warnf("worker %d: failed to set CPU affinity to %d: %v", w.id, w.cfg.CPU, err)
		}
	}

	w.lastAdvance = time.Now()

	for {
		if w.cfg.CheckGlobalInterval > 0 && w.tick%w.cfg.CheckGlobalInterval == 0 {
			w.drainGlobal()
		}

		for {
			h, ok := w.local.Pop()
			if !ok {
				break
			}
			w.runHandle(h)
			w.tick++

			if w.cfg.CheckIOInterval > 0 && w.tick%w.cfg.CheckIOInterval == 0 {
				w.drv.Poll(w.local, w.global)
				w.cfg.Metrics.RecordQueueDepth(uint32(w.local.Len()))
			}

			w.advanceWheel()
		}

		// local was empty
		if w.drv.Poll(w.local, w.global) {
			w.advanceWheel()
			continue
		}
		if w.steal() {
			w.advanceWheel()
			continue
		}

		if w.drainedForShutdown() {
			return
		}

		// drv.Wait blocks at most one driver tick interval even with no
		// ring activity (the driver's own heartbeat timeout, re-armed by
		// the Poll call above), so advanceWheel below always makes
		// progress for a task sleeping with nothing else to run.
		var runNext driver.ReadyHandle
		w.drv.Wait(&runNext)
		if runNext != nil {
			w.local.PushBackOrOverflow(runNext, w.global)
		}
		w.advanceWheel()

		if w.drainedForShutdown() {
			return
		}
	}
}

// advanceWheel moves the wheel forward by however many
// constants.TimerWheelTickInterval-sized ticks have elapsed since the last
// call and pushes every newly-due handle onto the local queue. Driven by
// wall-clock time rather than the scheduler's own per-handle tick counter
// (tick field above) so a sleeping task resumes at roughly the requested
// real duration regardless of how busy the worker is.
func (w *Worker) advanceWheel() {
	elapsed := time.Since(w.lastAdvance)
	ticks := uint64(elapsed / constants.TimerWheelTickInterval)
	if ticks == 0 {
		return
	}
	w.lastAdvance = w.lastAdvance.Add(time.Duration(ticks) * constants.TimerWheelTickInterval)
	for _, due := range w.wheel.Advance(ticks) {
		w.local.PushBackOrOverflow(due, w.global)
	}
}

// drainedForShutdown reports whether this worker has nothing left to do
// and may exit. If shutdown has been signaled, both queues are empty, but
// operations are still in flight (e.g. a Read on an fd that will never
// become readable, or a task sleeping in the timer wheel), it force-resolves
// them as cancelled instead of blocking forever — spec.md §8 invariant 6's
// "every spawned task reaches either completion or Cancelled" requires
// shutdown to make progress even when the kernel, or the clock, never will.
func (w *Worker) drainedForShutdown() bool {
	if !w.shutdown.Load() || w.local.Len() != 0 || w.global.Len() != 0 {
		return false
	}
	if w.drv.PendingCount() == 0 && w.wheel.PendingCount() == 0 {
		return true
	}
	for _, h := range w.drv.CancelAll(driver.CancelledResult) {
		if t, ok := h.(*Task); ok {
			t.Cancel()
			w.cfg.Metrics.RecordCancel()
		}
		w.local.PushBackOrOverflow(h, w.global)
	}
	for _, h := range w.wheel.CancelAll() {
		if t, ok := h.(*Task); ok {
			t.Cancel()
			w.cfg.Metrics.RecordCancel()
		}
		w.local.PushBackOrOverflow(h, w.global)
	}
	return false
}

func (w *Worker) drainGlobal() {
	n := w.cfg.GlobalDrainBatch
	if n <= 0 {
		n = 32
	}
	for _, h := range w.global.PopN(n) {
		w.local.PushBackOrOverflow(h, w.global)
	}
}

func (w *Worker) steal() bool {
	i := randomPeerIndex(len(w.peers), w.id)
	if i < 0 {
		return false
	}
	h, ok := w.local.Steal(w.peers[i].local)
	w.cfg.Metrics.RecordSteal(ok)
	if !ok {
		return false
	}
	w.runHandle(h)
	w.tick++
	return true
}
