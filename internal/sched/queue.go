package sched

import (
	"math/rand"
	"sync"

	"github.com/behrlich/zedio-go/internal/constants"
	"github.com/behrlich/zedio-go/internal/driver"
)

// LocalQueue is a bounded ring buffer of ready handles, capacity
// constants.LocalQueueCapacity (spec.md §4.3). One owning worker appends
// at the back and pops from the front; any worker may steal from the front
// (the oldest entries), the end opposite the one the owner appends to.
//
// The original's local queue is lock-free (SPMC ring over atomic
// head/tail). This port trades that for a single mutex: go-ublk's own
// concurrency style favors explicit, easy-to-audit locks
// (queue/runner.go's per-tag sync.Mutex) over hand-rolled lock-free
// structures, and a mutex here is small enough — contention is bounded by
// LocalQueueCapacity and steals are already amortized to half-queue
// batches — that lock-freedom isn't worth the correctness risk without a
// race-detector-driven test harness to validate it. See DESIGN.md.
type LocalQueue struct {
	mu    sync.Mutex
	buf   [constants.LocalQueueCapacity]driver.ReadyHandle
	head  int
	count int
}

// NewLocalQueue creates an empty local queue.
func NewLocalQueue() *LocalQueue {
	return &LocalQueue{}
}

// PushBackOrOverflow implements driver.LocalPusher: h is appended; if the
// queue is already full, half its contents (oldest first) plus h itself are
// spilled to global in one batch, leaving local at half capacity — spec.md
// §4.3 invariant 2 and scenario D both require the *new* handle to land in
// the global batch, not join the now-half-empty local queue.
func (q *LocalQueue) PushBackOrOverflow(h driver.ReadyHandle, global driver.GlobalPusher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		q.spillLocked(h, global)
		return
	}
	idx := (q.head + q.count) % len(q.buf)
	q.buf[idx] = h
	q.count++
}

func (q *LocalQueue) spillLocked(h driver.ReadyHandle, global driver.GlobalPusher) {
	n := len(q.buf) / 2
	batch := make([]driver.ReadyHandle, 0, n+1)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.buf)
		batch = append(batch, q.buf[idx])
		q.buf[idx] = nil
	}
	q.head = (q.head + n) % len(q.buf)
	q.count -= n
	batch = append(batch, h)
	global.PushBatch(batch)
}

// Pop removes and returns the oldest ready handle, if any.
func (q *LocalQueue) Pop() (driver.ReadyHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	h := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return h, true
}

// Steal removes up to half of victim's ready entries (at least one, if
// any exist) and appends them to q, returning the first stolen handle to
// run immediately — the standard work-stealing convention used by Go's
// own goroutine scheduler.
func (q *LocalQueue) Steal(victim *LocalQueue) (driver.ReadyHandle, bool) {
	if victim == q {
		return nil, false
	}
	q.mu.Lock()
	free := len(q.buf) - q.count
	q.mu.Unlock()
	victim.mu.Lock()
	n := victim.count / 2
	if n == 0 && victim.count > 0 {
		n = 1
	}
	if n > free+1 {
		n = free + 1 // the first stolen handle is returned, not appended
	}
	if n == 0 {
		victim.mu.Unlock()
		return nil, false
	}
	stolen := make([]driver.ReadyHandle, n)
	for i := 0; i < n; i++ {
		idx := (victim.head + i) % len(victim.buf)
		stolen[i] = victim.buf[idx]
		victim.buf[idx] = nil
	}
	victim.head = (victim.head + n) % len(victim.buf)
	victim.count -= n
	victim.mu.Unlock()

	first := stolen[0]
	rest := stolen[1:]
	if len(rest) > 0 {
		q.mu.Lock()
		for _, h := range rest {
			if q.count == len(q.buf) {
				break
			}
			idx := (q.head + q.count) % len(q.buf)
			q.buf[idx] = h
			q.count++
		}
		q.mu.Unlock()
	}
	return first, true
}

// Len reports the current number of queued ready handles.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// GlobalQueue is a mutex-protected FIFO shared by every worker and the
// external scheduler (spec.md §4.4).
type GlobalQueue struct {
	mu    sync.Mutex
	items []driver.ReadyHandle
}

// NewGlobalQueue creates an empty global queue.
func NewGlobalQueue() *GlobalQueue {
	return &GlobalQueue{}
}

// Push implements driver.GlobalPusher.
func (g *GlobalQueue) Push(h driver.ReadyHandle) {
	g.mu.Lock()
	g.items = append(g.items, h)
	g.mu.Unlock()
}

// PushBatch appends a batch of handles in one critical section, used by
// LocalQueue's overflow spill.
func (g *GlobalQueue) PushBatch(hs []driver.ReadyHandle) {
	if len(hs) == 0 {
		return
	}
	g.mu.Lock()
	g.items = append(g.items, hs...)
	g.mu.Unlock()
}

// Pop removes and returns the oldest handle, if any.
func (g *GlobalQueue) Pop() (driver.ReadyHandle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil, false
	}
	h := g.items[0]
	g.items = g.items[1:]
	return h, true
}

// PopN removes and returns up to n oldest handles, used by a worker's
// global-check tick (spec.md §4.6).
func (g *GlobalQueue) PopN(n int) []driver.ReadyHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > len(g.items) {
		n = len(g.items)
	}
	out := append([]driver.ReadyHandle(nil), g.items[:n]...)
	g.items = g.items[n:]
	return out
}

// Len reports the current queue length.
func (g *GlobalQueue) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// randomPeerIndex picks a random index in [0, n) excluding self, used by
// Worker's steal-from-a-random-peer step. Returns -1 if n <= 1.
func randomPeerIndex(n, self int) int {
	if n <= 1 {
		return -1
	}
	i := rand.Intn(n - 1)
	if i >= self {
		i++
	}
	return i
}
