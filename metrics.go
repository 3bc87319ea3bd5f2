package zedio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the await-round-trip latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one Runtime.
// Generalized from the teacher's per-device I/O metrics to per-runtime
// scheduler metrics: the counters here track task lifecycle and
// work-stealing instead of read/write/discard/flush device operations.
type Metrics struct {
	// Task lifecycle counters.
	TasksSpawned   atomic.Uint64
	TasksResumed   atomic.Uint64
	TasksCompleted atomic.Uint64
	TasksCancelled atomic.Uint64

	// Scheduler activity counters.
	StealAttempts     atomic.Uint64
	StealSuccesses    atomic.Uint64
	CompletionsReaped atomic.Uint64
	WakeUpsIssued     atomic.Uint64

	// Local-queue depth statistics, sampled by a busy worker after each
	// check-io-interval poll pass.
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Await round-trip latency: the time between the driver preparing an
	// operation's submission and reaping its completion.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Runtime lifecycle.
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSpawn records a task being spawned, either locally or externally.
func (m *Metrics) RecordSpawn() { m.TasksSpawned.Add(1) }

// RecordResume records one ring operation's Callback being resolved, with
// its submit-to-completion latency. The driver calls it once per resolved
// Callback; resumes that never went through the ring (Yield, Sleep, a
// task's first run) are not counted. A latencyNs of 0 is counted but not
// added to the latency histogram.
func (m *Metrics) RecordResume(latencyNs uint64) {
	m.TasksResumed.Add(1)
	if latencyNs > 0 {
		m.recordLatency(latencyNs)
	}
}

// RecordCompletion records a task's body returning.
func (m *Metrics) RecordCompletion() { m.TasksCompleted.Add(1) }

// RecordCancel records a task being cancelled.
func (m *Metrics) RecordCancel() { m.TasksCancelled.Add(1) }

// RecordSteal records one steal attempt and whether it found work.
func (m *Metrics) RecordSteal(success bool) {
	m.StealAttempts.Add(1)
	if success {
		m.StealSuccesses.Add(1)
	}
}

// RecordCompletionsReaped records n completions drained from the ring in
// one driver.Poll pass, or the one Callback completion a driver.Wait
// resolves.
func (m *Metrics) RecordCompletionsReaped(n int) {
	if n > 0 {
		m.CompletionsReaped.Add(uint64(n))
	}
}

// RecordWakeUp records one cross-worker wake-up signal issued.
func (m *Metrics) RecordWakeUp() { m.WakeUpsIssued.Add(1) }

// RecordQueueDepth records a worker's local queue depth at sample time.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	TasksSpawned      uint64
	TasksResumed      uint64
	TasksCompleted    uint64
	TasksCancelled    uint64
	StealAttempts     uint64
	StealSuccesses    uint64
	CompletionsReaped uint64
	WakeUpsIssued     uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	StealSuccessRate float64 // percentage of steal attempts that found work
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksSpawned:      m.TasksSpawned.Load(),
		TasksResumed:      m.TasksResumed.Load(),
		TasksCompleted:    m.TasksCompleted.Load(),
		TasksCancelled:    m.TasksCancelled.Load(),
		StealAttempts:     m.StealAttempts.Load(),
		StealSuccesses:    m.StealSuccesses.Load(),
		CompletionsReaped: m.CompletionsReaped.Load(),
		WakeUpsIssued:     m.WakeUpsIssued.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.StealAttempts > 0 {
		snap.StealSuccessRate = float64(snap.StealSuccesses) / float64(snap.StealAttempts) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful for tests.
func (m *Metrics) Reset() {
	m.TasksSpawned.Store(0)
	m.TasksResumed.Store(0)
	m.TasksCompleted.Store(0)
	m.TasksCancelled.Store(0)
	m.StealAttempts.Store(0)
	m.StealSuccesses.Store(0)
	m.CompletionsReaped.Store(0)
	m.WakeUpsIssued.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
