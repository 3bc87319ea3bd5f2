package sched

import (
	"context"
	"sync/atomic"
)

type taskCtxKey struct{}

// WithTask attaches the current task to ctx so that awaiters several
// stack frames down (internal/core, ioops) can recover both the task and
// its owning worker without a goroutine-local-storage mechanism Go
// doesn't have (spec.md §9's "ambient current-driver binding").
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, t)
}

// TaskFromContext recovers the task set by WithTask.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskCtxKey{}).(*Task)
	return t, ok
}

// Task is the goroutine-based stand-in for a stackful coroutine handle
// (spec.md §4.9). The body runs as an ordinary goroutine; every
// suspension point is a synchronous handshake with whichever worker last
// called Resume, so "resume h" in the worker's event loop (spec.md §4.6)
// blocks until the task reaches its next await or returns — the same
// observable ordering a real stackful-coroutine resume gives, without
// Go ever needing to preempt or migrate a running task mid-step.
type Task struct {
	id     uint64
	worker *Worker

	gate   chan struct{} // worker -> task: permission to run
	parked chan struct{} // task -> worker: task has suspended or returned

	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

func newTask(id uint64) *Task {
	return &Task{
		id:     id,
		gate:   make(chan struct{}),
		parked: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// bindWorker fixes the task's owning worker the first time some worker
// resumes it. A task spawned from inside a worker is bound immediately;
// one pushed onto the global queue (spec.md §4.7) stays unbound until
// whichever worker eventually pops and runs it claims ownership — from
// then on it never migrates (spec.md §5 Ownership).
func (t *Task) bindWorker(w *Worker) {
	if t.worker == nil {
		t.worker = w
	}
}

// Resume hands control to the task and blocks until it suspends again or
// returns. Implements driver.ReadyHandle.
func (t *Task) Resume() {
	t.gate <- struct{}{}
	<-t.parked
}

// Cancelled implements driver.ReadyHandle.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Cancel marks the task cancelled. Awaiters check this immediately after
// being resumed (spec.md §5) and return rterr.CodeCancelled instead of a
// completion result.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Worker returns the worker this task is bound to — the one it was
// spawned on, or for an externally spawned task the first worker to
// resume it — its ambient binding for the lifetime of the task (spec.md
// §9). Nil until an externally spawned task first runs.
func (t *Task) Worker() *Worker { return t.worker }

// ID returns the task's scheduler-assigned identifier.
func (t *Task) ID() uint64 { return t.id }

// Done returns a channel closed once the task's function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's terminal error. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Suspend is called by an awaiter (internal/core) immediately before it
// needs to wait for a completion: it hands control back to whichever
// worker is blocked in Resume, then blocks until that worker (or the
// driver, for exclusive completions) resumes it again.
func (t *Task) Suspend() {
	t.parked <- struct{}{}
	<-t.gate
}

// start launches the task's goroutine. It waits for the first Resume
// before running fn, so a freshly spawned task only begins executing once
// some worker's event loop pops it off a ready queue.
func (t *Task) start(ctx context.Context, fn func(context.Context) error) {
	ctx = WithTask(ctx, t)
	go func() {
		<-t.gate
		t.err = fn(ctx)
		close(t.done)
		t.parked <- struct{}{}
	}()
}
