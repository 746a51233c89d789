package monitors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStaleJobDetection(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewQueueMonitor(QueueConfig{StaleThreshold: 300000 * time.Millisecond}, dispatcher, testLogger())

	now := time.Now()
	require.NoError(t, m.SetOldestJobTimestamp("creative-render", now.Add(-400000*time.Millisecond)))

	queueStats, ok := m.GetStats("creative-render")
	require.True(t, ok)
	assert.True(t, queueStats.HasStaleJobs)

	require.NotEmpty(t, *fired)
	assert.Equal(t, "stale_jobs", (*fired)[0].Metric)
}

func TestQueueFreshJobNotStale(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewQueueMonitor(QueueConfig{StaleThreshold: 5 * time.Minute}, dispatcher, testLogger())

	require.NoError(t, m.SetOldestJobTimestamp("creative-render", time.Now().Add(-time.Minute)))

	queueStats, ok := m.GetStats("creative-render")
	require.True(t, ok)
	assert.False(t, queueStats.HasStaleJobs)
	assert.Empty(t, *fired)
}

func TestQueueDepthAlert(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewQueueMonitor(QueueConfig{DepthThreshold: 100}, dispatcher, testLogger())

	require.NoError(t, m.UpdateDepth("emails", 150))

	require.Len(t, *fired, 1)
	assert.Equal(t, "depth", (*fired)[0].Metric)
	assert.Equal(t, float64(150), (*fired)[0].Value)

	require.NoError(t, m.UpdateDepth("emails", 50))
	assert.Len(t, *fired, 1)
}

func TestQueueFailureRateAlert(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewQueueMonitor(QueueConfig{FailureRateThreshold: 0.2}, dispatcher, testLogger())

	for i := 0; i < 7; i++ {
		require.NoError(t, m.RecordProcessed("emails", 10*time.Millisecond))
	}
	assert.Empty(t, *fired)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordFailed("emails"))
	}

	// 3 failed of 10 total = 0.3 > 0.2.
	queueStats, _ := m.GetStats("emails")
	assert.InDelta(t, 0.3, queueStats.FailureRate, 1e-9)
	assert.NotEmpty(t, *fired)
	assert.Equal(t, "failure_rate", (*fired)[0].Metric)
}

func TestQueueProcessingTimeAlert(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewQueueMonitor(QueueConfig{ProcessingTimeThreshold: 100 * time.Millisecond}, dispatcher, testLogger())

	require.NoError(t, m.RecordProcessed("renders", 50*time.Millisecond))
	assert.Empty(t, *fired)

	require.NoError(t, m.RecordProcessed("renders", 400*time.Millisecond))

	// Average of 50ms and 400ms is 225ms.
	queueStats, _ := m.GetStats("renders")
	assert.Equal(t, 225*time.Millisecond, queueStats.AvgProcessingTime)
	require.NotEmpty(t, *fired)
	assert.Equal(t, "processing_time", (*fired)[0].Metric)
}

func TestQueueSampleWindowBounded(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewQueueMonitor(DefaultQueueConfig(), dispatcher, testLogger())

	for i := 0; i < maxProcessingSamples+100; i++ {
		require.NoError(t, m.RecordProcessed("bulk", time.Millisecond))
	}

	queueStats, _ := m.GetStats("bulk")
	assert.Equal(t, maxProcessingSamples, queueStats.ProcessingTimes.Count)
	assert.Equal(t, int64(maxProcessingSamples+100), queueStats.Processed)
}

func TestQueueValidation(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewQueueMonitor(DefaultQueueConfig(), dispatcher, testLogger())

	assert.Error(t, m.RecordProcessed("", time.Millisecond))
	assert.Error(t, m.RecordFailed(""))
	assert.Error(t, m.UpdateDepth("", 1))
	assert.Error(t, m.UpdateDepth("emails", -1))
	assert.Error(t, m.SetOldestJobTimestamp("", time.Now()))

	_, ok := m.GetStats("never-seen")
	assert.False(t, ok)
}
