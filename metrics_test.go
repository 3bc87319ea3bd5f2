package zedio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsTaskLifecycleCounters(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	require.Zero(t, snap.TasksSpawned)

	m.RecordSpawn()
	m.RecordSpawn()
	m.RecordResume(1_000_000)
	m.RecordCompletion()
	m.RecordCancel()

	snap = m.Snapshot()
	require.Equal(t, uint64(2), snap.TasksSpawned)
	require.Equal(t, uint64(1), snap.TasksResumed)
	require.Equal(t, uint64(1), snap.TasksCompleted)
	require.Equal(t, uint64(1), snap.TasksCancelled)
	require.Equal(t, uint64(1_000_000), snap.AvgLatencyNs)
}

func TestMetricsStealSuccessRate(t *testing.T) {
	m := NewMetrics()

	m.RecordSteal(true)
	m.RecordSteal(true)
	m.RecordSteal(false)

	snap := m.Snapshot()
	require.Equal(t, uint64(3), snap.StealAttempts)
	require.Equal(t, uint64(2), snap.StealSuccesses)
	require.InDelta(t, 66.67, snap.StealSuccessRate, 0.1)
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()
	require.Equal(t, uint32(20), snap.MaxQueueDepth)
	require.InDelta(t, 15.0, snap.AvgQueueDepth, 0.1)
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	require.Less(t, snap2.UptimeNs, snap.UptimeNs+uint64(2*time.Millisecond))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordSpawn()
	m.RecordQueueDepth(10)
	require.NotZero(t, m.Snapshot().TasksSpawned)

	m.Reset()
	snap := m.Snapshot()
	require.Zero(t, snap.TasksSpawned)
	require.Zero(t, snap.MaxQueueDepth)
}

func TestMetricsHistogramPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordResume(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordResume(5_000_000) // 5ms
	}
	m.RecordResume(50_000_000) // 50ms, P99

	snap := m.Snapshot()
	require.Equal(t, uint64(100), snap.TasksResumed)
	require.GreaterOrEqual(t, snap.LatencyP50Ns, uint64(100_000))
	require.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000_000))
	require.GreaterOrEqual(t, snap.LatencyP99Ns, uint64(5_000_000))
	require.LessOrEqual(t, snap.LatencyP99Ns, uint64(100_000_000))
}
