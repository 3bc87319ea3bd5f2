package ioops

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/zedio-go/internal/driver"
	"github.com/behrlich/zedio-go/internal/sched"
)

func newTestWorker(t *testing.T) *sched.Worker {
	t.Helper()
	d, err := driver.New(driver.Config{RingEntries: 16, SubmitInterval: 1}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	global := sched.NewGlobalQueue()
	var nextID atomic.Uint64
	var shutdown atomic.Bool
	w := sched.NewWorker(0, sched.Config{CheckIOInterval: 4, CheckGlobalInterval: 4, GlobalDrainBatch: 32, CPU: -1}, d, global, &nextID, &shutdown, nil)
	w.SetPeers([]*sched.Worker{w})
	go w.Run()
	t.Cleanup(func() {
		shutdown.Store(true)
		d.WakeUp()
	})
	return w
}

func TestReadWriteRoundTrip(t *testing.T) {
	w := newTestWorker(t)

	f, err := os.CreateTemp(t.TempDir(), "ioops-rw")
	require.NoError(t, err)
	defer f.Close()

	done := make(chan error, 1)
	w.Spawn(context.Background(), func(ctx context.Context) error {
		n, err := Write(ctx, int(f.Fd()), []byte("hello zedio"))
		if err != nil {
			return err
		}
		if n != len("hello zedio") {
			t.Errorf("short write: %d", n)
		}

		buf := make([]byte, n)
		rn, err := Read(ctx, int(f.Fd()), buf)
		if err != nil {
			return err
		}
		if string(buf[:rn]) != "hello zedio" {
			t.Errorf("unexpected read content %q", buf[:rn])
		}
		done <- nil
		return nil
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read/write task never completed")
	}
}

func TestSleepCompletesNaturally(t *testing.T) {
	w := newTestWorker(t)

	done := make(chan error, 1)
	start := time.Now()
	w.Spawn(context.Background(), func(ctx context.Context) error {
		err := Sleep(ctx, 10*time.Millisecond)
		done <- err
		return err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep task never completed")
	}
}

func TestYieldReturnsCleanly(t *testing.T) {
	w := newTestWorker(t)

	done := make(chan error, 1)
	w.Spawn(context.Background(), func(ctx context.Context) error {
		err := Yield(ctx)
		done <- err
		return err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("yield task never completed")
	}
}
