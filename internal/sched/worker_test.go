package sched

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/zedio-go/internal/driver"
	"github.com/behrlich/zedio-go/internal/uring"
)

func newTestWorker(t *testing.T, id int, global *GlobalQueue, nextID *atomic.Uint64, shutdown *atomic.Bool) *Worker {
	t.Helper()
	d, err := driver.New(driver.Config{RingEntries: 8, SubmitInterval: 1}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewWorker(id, Config{CheckIOInterval: 4, CheckGlobalInterval: 4, GlobalDrainBatch: 32, CPU: -1}, d, global, nextID, shutdown, nil)
}

func TestWorkerRunsSpawnedTaskToCompletion(t *testing.T) {
	global := NewGlobalQueue()
	var nextID atomic.Uint64
	var shutdown atomic.Bool

	w := newTestWorker(t, 0, global, &nextID, &shutdown)
	w.SetPeers([]*Worker{w})

	ran := make(chan struct{})
	w.Spawn(context.Background(), func(ctx context.Context) error {
		close(ran)
		return nil
	})

	go w.Run()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned task never ran")
	}

	shutdown.Store(true)
	require.NoError(t, w.Driver().WakeUp())
}

func TestWorkerWorkStealingDistributesTasks(t *testing.T) {
	global := NewGlobalQueue()
	var nextID atomic.Uint64
	var shutdown atomic.Bool

	const numWorkers = 4
	const numTasks = 400

	workers := make([]*Worker, numWorkers)
	for i := range workers {
		workers[i] = newTestWorker(t, i, global, &nextID, &shutdown)
	}
	for _, w := range workers {
		w.SetPeers(workers)
	}

	var ranCount atomic.Int64

	for i := 0; i < numTasks; i++ {
		workers[0].Spawn(context.Background(), func(ctx context.Context) error {
			ranCount.Add(1)
			return nil
		})
	}

	for _, w := range workers {
		go w.Run()
	}

	deadline := time.After(5 * time.Second)
	for ranCount.Load() < numTasks {
		select {
		case <-deadline:
			t.Fatalf("only %d/%d tasks completed", ranCount.Load(), numTasks)
		case <-time.After(10 * time.Millisecond):
		}
	}

	shutdown.Store(true)
	for _, w := range workers {
		require.NoError(t, w.Driver().WakeUp())
	}

	require.Equal(t, int64(numTasks), ranCount.Load())
}

// TestWorkerShutdownCancelsOperationsThatNeverComplete exercises
// drainedForShutdown: a task awaiting a read on an fd that will never
// become readable must still resolve as Cancelled once shutdown is
// signaled, rather than leaving Run blocked in drv.Wait forever. Submits
// directly through the driver (bypassing internal/core, which imports this
// package) to exercise the same await-then-suspend shape core.Registrator
// uses.
func TestWorkerShutdownCancelsOperationsThatNeverComplete(t *testing.T) {
	global := NewGlobalQueue()
	var nextID atomic.Uint64
	var shutdown atomic.Bool

	w := newTestWorker(t, 0, global, &nextID, &shutdown)
	w.SetPeers([]*Worker{w})

	r, wfile, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer wfile.Close()
	fd := int(r.Fd())

	var gotCancelled atomic.Bool
	done := make(chan struct{})
	w.Spawn(context.Background(), func(ctx context.Context) error {
		defer close(done)
		task, _ := TaskFromContext(ctx)
		d := task.Worker().Driver()
		buf := make([]byte, 1)
		cb := driver.NewCallback(task, false)
		prep := func(sqe *uring.SQE, userData uint64) error {
			uring.PrepRead(sqe, fd, buf, 0, userData)
			return nil
		}
		if !d.TryPrepare(cb, prep) {
			d.PushWaiting(cb, prep)
		}
		task.Suspend()
		gotCancelled.Store(task.Cancelled())
		return nil
	})

	runDone := make(chan struct{})
	go func() {
		w.Run()
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	shutdown.Store(true)
	require.NoError(t, w.Driver().WakeUp())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("awaiting task never resumed after shutdown")
	}
	require.True(t, gotCancelled.Load())

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after shutdown")
	}
}
