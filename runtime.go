// Package zedio is a coroutine-style io_uring runtime: a fixed pool of
// workers, each owning its own ring and a cooperative scheduler loop,
// coordinating through a shared global queue and per-worker local queues
// (spec.md §4.7). Named after the C++ runtime this port is distilled from,
// not "runtime", to avoid shadowing the stdlib package workers still need
// for GOMAXPROCS and CPU-affinity setup.
package zedio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/zedio-go/internal/driver"
	"github.com/behrlich/zedio-go/internal/logging"
	"github.com/behrlich/zedio-go/internal/rterr"
	"github.com/behrlich/zedio-go/internal/sched"
	"github.com/behrlich/zedio-go/ioops"
)

// Runtime owns a fixed pool of workers, each with its own I/O driver, and
// the global queue and metrics they share (spec.md §4.7). Worker count is
// fixed at construction — no dynamic resizing (spec.md §1 Non-goal).
type Runtime struct {
	cfg     Config
	logger  *logging.Logger
	metrics *Metrics

	global     *sched.GlobalQueue
	workers    []*sched.Worker
	nextTaskID atomic.Uint64
	shutdown   atomic.Bool
	roundRobin atomic.Uint64
	wg         sync.WaitGroup
}

// New builds and starts a Runtime: one worker per Config.NumWorkers
// (defaulting to runtime.GOMAXPROCS(0)), each with its own ring and
// wake-up eventfd. Ring or wake-fd allocation failure at any worker tears
// down every driver already created and aborts construction — fail-fast
// startup per spec.md §7, grounded on go-ublk's queue.NewRunner
// constructor chain.
func New(opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(),
		global:  sched.NewGlobalQueue(),
	}

	rt.workers = make([]*sched.Worker, 0, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		d, err := driver.New(driver.Config{
			RingEntries:    cfg.RingEntries,
			RingFlags:      cfg.RingFlags,
			SubmitInterval: cfg.SubmitInterval,
		}, logger)
		if err != nil {
			rt.closeDrivers()
			return nil, rterr.Wrap("zedio.New", err)
		}

		cpu := -1
		if len(cfg.CPUAffinity) > 0 {
			cpu = cfg.CPUAffinity[i%len(cfg.CPUAffinity)]
		}

		w := sched.NewWorker(i, sched.Config{
			CheckIOInterval:     cfg.CheckIOInterval,
			CheckGlobalInterval: cfg.CheckGlobalInterval,
			GlobalDrainBatch:    cfg.GlobalDrainBatch,
			CPU:                 cpu,
			Metrics:             rt.metrics,
		}, d, rt.global, &rt.nextTaskID, &rt.shutdown, logger)
		rt.workers = append(rt.workers, w)
	}

	for _, w := range rt.workers {
		w.SetPeers(rt.workers)
	}

	rt.wg.Add(len(rt.workers))
	for _, w := range rt.workers {
		go func(w *sched.Worker) {
			defer rt.wg.Done()
			w.Run()
		}(w)
	}

	return rt, nil
}

func (rt *Runtime) closeDrivers() {
	for _, w := range rt.workers {
		if err := w.Driver().Close(); err != nil {
			rt.logger.Warnf("zedio.New: cleanup close: %v", err)
		}
	}
}

// Metrics returns the runtime's live metrics counters.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// NumWorkers reports the worker count the runtime was constructed with.
func (rt *Runtime) NumWorkers() int { return len(rt.workers) }

// Spawn creates a task from inside currently-running task code: it routes
// to the calling task's own worker's local queue (spec.md §4.7 "push from
// inside a worker"). ctx must carry the calling task, true of every ctx
// handed to a Spawn/SpawnExternal body. Call SpawnExternal instead from
// code that isn't itself running as a task (an HTTP handler's own
// goroutine, program main).
func (rt *Runtime) Spawn(ctx context.Context, fn func(context.Context) error) (*sched.Task, error) {
	task, ok := sched.TaskFromContext(ctx)
	if !ok {
		return nil, rterr.New("spawn", rterr.CodeInvalid, "Spawn must run inside a task spawned by this runtime; use SpawnExternal from outside")
	}
	return task.Worker().Spawn(ctx, fn), nil
}

// SpawnExternal creates a task from outside any worker, pushing it onto
// the shared global queue and waking one worker round-robin (spec.md §4.7
// "push from outside a worker").
func (rt *Runtime) SpawnExternal(fn func(context.Context) error) *sched.Task {
	t := sched.SpawnExternal(context.Background(), &rt.nextTaskID, rt.global, fn)
	rt.metrics.RecordSpawn()
	rt.wakePeer()
	return t
}

func (rt *Runtime) wakePeer() {
	idx := int((rt.roundRobin.Add(1) - 1) % uint64(len(rt.workers)))
	w := rt.workers[idx]
	if err := w.Driver().WakeUp(); err != nil {
		rt.logger.Warnf("zedio: wake-up failed: %v", err)
		return
	}
	rt.metrics.RecordWakeUp()
}

// Shutdown signals every worker to drain and exit, waiting for all of them
// to exit or ctx to expire, whichever comes first. It does not stop Spawn
// or SpawnExternal from queueing more tasks. A worker only exits once its
// local queue, the global queue, its driver's pending operations and its
// timer wheel are all empty (internal/sched's Run loop); operations and
// sleeps still outstanding at that point are resolved as cancelled and
// their tasks resumed, so a clean Shutdown return means no in-flight
// operation was abandoned. Once every worker has stopped, releases each
// driver's ring and wake-up fd.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdown.Store(true)
	for _, w := range rt.workers {
		if err := w.Driver().WakeUp(); err != nil {
			rt.logger.Warnf("zedio: shutdown wake-up failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return rterr.Wrap("shutdown", ctx.Err())
	}

	var firstErr error
	for _, w := range rt.workers {
		if err := w.Driver().Close(); err != nil && firstErr == nil {
			firstErr = rterr.Wrap("shutdown", err)
		}
	}
	rt.metrics.Stop()
	return firstErr
}

// Yield suspends the calling task and places it back at the tail of its
// worker's local queue, letting other ready work run first (spec.md §6
// "To user code").
func Yield(ctx context.Context) error { return ioops.Yield(ctx) }

// Sleep suspends the calling task for at least d, placing it directly in
// its worker's timer wheel rather than round-tripping through the ring
// (spec.md §6).
func Sleep(ctx context.Context, d time.Duration) error { return ioops.Sleep(ctx, d) }
