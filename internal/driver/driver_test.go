package driver

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/zedio-go/internal/uring"
)

// fakeHandle is a minimal ReadyHandle for exercising the driver in
// isolation from the sched package.
type fakeHandle struct {
	resumed   bool
	cancelled bool
}

func (h *fakeHandle) Resume()         { h.resumed = true }
func (h *fakeHandle) Cancelled() bool { return h.cancelled }

type fakeLocal struct {
	pushed []ReadyHandle
}

func (l *fakeLocal) PushBackOrOverflow(h ReadyHandle, global GlobalPusher) {
	l.pushed = append(l.pushed, h)
}

type fakeGlobal struct {
	pushed []ReadyHandle
}

func (g *fakeGlobal) Push(h ReadyHandle) { g.pushed = append(g.pushed, h) }

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(Config{RingEntries: 8, SubmitInterval: 1}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDriverTryPrepareAndPollRoundTrip(t *testing.T) {
	d := newTestDriver(t)

	f, err := os.CreateTemp(t.TempDir(), "driver-read")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	buf := make([]byte, 5)
	h := &fakeHandle{}
	cb := NewCallback(h, false)
	ok := d.TryPrepare(cb, func(sqe *uring.SQE, userData uint64) error {
		uring.PrepRead(sqe, int(f.Fd()), buf, 0, userData)
		return nil
	})
	require.True(t, ok)

	local := &fakeLocal{}
	global := &fakeGlobal{}
	for !d.Poll(local, global) {
	}

	require.Equal(t, int32(5), cb.Result)
	require.Equal(t, "hello", string(buf))
	require.Len(t, local.pushed, 1)
	require.Same(t, h, local.pushed[0])
	require.False(t, h.resumed)
}

func TestDriverExclusiveCallbackResumesInline(t *testing.T) {
	d := newTestDriver(t)

	f, err := os.CreateTemp(t.TempDir(), "driver-read-excl")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("x")
	require.NoError(t, err)

	buf := make([]byte, 1)
	h := &fakeHandle{}
	cb := NewCallback(h, true)
	ok := d.TryPrepare(cb, func(sqe *uring.SQE, userData uint64) error {
		uring.PrepRead(sqe, int(f.Fd()), buf, 0, userData)
		return nil
	})
	require.True(t, ok)

	local := &fakeLocal{}
	global := &fakeGlobal{}
	for !d.Poll(local, global) {
	}

	require.True(t, h.resumed)
	require.Empty(t, local.pushed)
}

type fakeMetrics struct {
	resumes           []uint64
	completionsReaped int
}

func (m *fakeMetrics) RecordResume(latencyNs uint64) { m.resumes = append(m.resumes, latencyNs) }
func (m *fakeMetrics) RecordCompletionsReaped(n int)  { m.completionsReaped += n }

func TestDriverFeedsMetricsOnPoll(t *testing.T) {
	d := newTestDriver(t)
	fm := &fakeMetrics{}
	d.SetMetrics(fm)

	f, err := os.CreateTemp(t.TempDir(), "driver-metrics")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hi")
	require.NoError(t, err)

	buf := make([]byte, 2)
	h := &fakeHandle{}
	cb := NewCallback(h, false)
	ok := d.TryPrepare(cb, func(sqe *uring.SQE, userData uint64) error {
		uring.PrepRead(sqe, int(f.Fd()), buf, 0, userData)
		return nil
	})
	require.True(t, ok)

	local := &fakeLocal{}
	global := &fakeGlobal{}
	for !d.Poll(local, global) {
	}

	require.Len(t, fm.resumes, 1)
	require.Positive(t, fm.completionsReaped)
}

func TestDriverWaitingListRetriesOnFullRing(t *testing.T) {
	d, err := New(Config{RingEntries: 2, SubmitInterval: 1000}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	var handles []*fakeHandle
	var callbacks []*Callback
	for i := 0; i < 6; i++ {
		h := &fakeHandle{}
		handles = append(handles, h)
		cb := NewCallback(h, false)
		callbacks = append(callbacks, cb)
		ok := d.TryPrepare(cb, func(sqe *uring.SQE, userData uint64) error {
			sqe.Opcode = uring.OpNop
			sqe.UserData = userData
			return nil
		})
		if !ok {
			d.PushWaiting(cb, func(sqe *uring.SQE, userData uint64) error {
				sqe.Opcode = uring.OpNop
				sqe.UserData = userData
				return nil
			})
		}
	}

	local := &fakeLocal{}
	global := &fakeGlobal{}
	for i := 0; i < 20 && len(local.pushed) < len(callbacks); i++ {
		d.Poll(local, global)
	}

	require.Len(t, local.pushed, len(callbacks))
}

func TestDriverCancelAllResolvesPendingAndWaiting(t *testing.T) {
	d, err := New(Config{RingEntries: 2, SubmitInterval: 1000}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	var handles []*fakeHandle
	for i := 0; i < 6; i++ {
		h := &fakeHandle{}
		handles = append(handles, h)
		cb := NewCallback(h, false)
		prep := func(sqe *uring.SQE, userData uint64) error {
			sqe.Opcode = uring.OpNop
			sqe.UserData = userData
			return nil
		}
		if !d.TryPrepare(cb, prep) {
			d.PushWaiting(cb, prep)
		}
	}

	require.Equal(t, 6, d.PendingCount())

	cancelled := d.CancelAll(CancelledResult)
	require.Len(t, cancelled, 6)
	require.Equal(t, 0, d.PendingCount())
	for _, h := range handles {
		require.Contains(t, cancelled, ReadyHandle(h))
	}
}

func TestDriverWakeUpInterruptsWait(t *testing.T) {
	// A long heartbeat so only the wake-up read can end the Wait below.
	d, err := New(Config{RingEntries: 8, SubmitInterval: 1, TickInterval: time.Hour}, nil)
	if err != nil {
		t.Skipf("io_uring not available on this host: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	// An empty Poll runs the wait-before procedure, which arms the wake-up
	// read, exactly as a Worker does before it calls Wait.
	require.False(t, d.Poll(&fakeLocal{}, &fakeGlobal{}))

	done := make(chan ReadyHandle, 1)
	go func() {
		var next ReadyHandle
		d.Wait(&next)
		done <- next
	}()

	require.NoError(t, d.WakeUp())

	select {
	case h := <-done:
		require.Nil(t, h)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after WakeUp")
	}
}
