package monitors

import (
	"fmt"
	"sync"
	"time"

	"campaign-telemetry/pkg/alerting"
	"campaign-telemetry/pkg/stats"

	"github.com/sirupsen/logrus"
)

// maxProcessingSamples bounds the rolling processing-time window per queue.
const maxProcessingSamples = 1000

// QueueConfig configures the queue health monitor. Every threshold is
// checked on each mutating call.
type QueueConfig struct {
	DepthThreshold          int           `yaml:"depth_threshold"`
	FailureRateThreshold    float64       `yaml:"failure_rate_threshold"`
	StaleThreshold          time.Duration `yaml:"stale_threshold"`
	ProcessingTimeThreshold time.Duration `yaml:"processing_time_threshold"`
}

// DefaultQueueConfig returns default queue monitor configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DepthThreshold:          1000,
		FailureRateThreshold:    0.1,
		StaleThreshold:          5 * time.Minute,
		ProcessingTimeThreshold: 30 * time.Second,
	}
}

// queueState is the tracked state for one queue.
type queueState struct {
	processed   int64
	failed      int64
	depth       int
	oldestJob   time.Time
	samples     []time.Duration
	windowStart time.Time
}

// QueueStats is the derived view of one queue's health.
type QueueStats struct {
	Queue             string        `json:"queue"`
	Processed         int64         `json:"processed"`
	Failed            int64         `json:"failed"`
	Depth             int           `json:"depth"`
	FailureRate       float64       `json:"failure_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ProcessingTimes   stats.Summary `json:"processing_times"`
	OldestJob         time.Time     `json:"oldest_job,omitempty"`
	HasStaleJobs      bool          `json:"has_stale_jobs"`
	WindowStart       time.Time     `json:"window_start"`
}

// QueueMonitor tracks health of background job queues: depth, failure
// ratio, oldest-job staleness and processing-time averages.
type QueueMonitor struct {
	config     QueueConfig
	logger     *logrus.Logger
	dispatcher *alerting.Dispatcher

	queues map[string]*queueState
	now    func() time.Time
	mu     sync.RWMutex
}

// NewQueueMonitor creates a new queue monitor.
func NewQueueMonitor(config QueueConfig, dispatcher *alerting.Dispatcher, logger *logrus.Logger) *QueueMonitor {
	defaults := DefaultQueueConfig()
	if config.DepthThreshold <= 0 {
		config.DepthThreshold = defaults.DepthThreshold
	}
	if config.FailureRateThreshold <= 0 || config.FailureRateThreshold > 1 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = defaults.StaleThreshold
	}
	if config.ProcessingTimeThreshold <= 0 {
		config.ProcessingTimeThreshold = defaults.ProcessingTimeThreshold
	}

	return &QueueMonitor{
		config:     config,
		logger:     logger,
		dispatcher: dispatcher,
		queues:     make(map[string]*queueState),
		now:        time.Now,
	}
}

// RecordProcessed ingests one successfully processed job with its
// processing time.
func (m *QueueMonitor) RecordProcessed(queue string, processingTime time.Duration) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	m.mu.Lock()
	state := m.state(queue)
	state.processed++
	state.samples = append(state.samples, processingTime)
	if len(state.samples) > maxProcessingSamples {
		state.samples = state.samples[len(state.samples)-maxProcessingSamples:]
	}
	m.mu.Unlock()

	m.checkThresholds(queue)
	return nil
}

// RecordFailed ingests one failed job.
func (m *QueueMonitor) RecordFailed(queue string) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	m.mu.Lock()
	m.state(queue).failed++
	m.mu.Unlock()

	m.checkThresholds(queue)
	return nil
}

// UpdateDepth sets the current depth of a queue.
func (m *QueueMonitor) UpdateDepth(queue string, depth int) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if depth < 0 {
		return fmt.Errorf("queue depth for %s must not be negative, got %d", queue, depth)
	}

	m.mu.Lock()
	m.state(queue).depth = depth
	m.mu.Unlock()

	queueDepthGauge.WithLabelValues(queue).Set(float64(depth))

	m.checkThresholds(queue)
	return nil
}

// SetOldestJobTimestamp records the enqueue time of the oldest pending job.
func (m *QueueMonitor) SetOldestJobTimestamp(queue string, t time.Time) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	m.mu.Lock()
	m.state(queue).oldestJob = t
	m.mu.Unlock()

	m.checkThresholds(queue)
	return nil
}

// GetStats derives the current health view of one queue.
func (m *QueueMonitor) GetStats(queue string) (QueueStats, bool) {
	m.mu.RLock()
	state, ok := m.queues[queue]
	if !ok {
		m.mu.RUnlock()
		return QueueStats{}, false
	}
	snapshot := m.snapshot(queue, state)
	m.mu.RUnlock()
	return snapshot, true
}

// GetAllStats derives the current health view of every tracked queue.
func (m *QueueMonitor) GetAllStats() map[string]QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]QueueStats, len(m.queues))
	for name, state := range m.queues {
		out[name] = m.snapshot(name, state)
	}
	return out
}

// state returns the record for a queue, creating it on first sight.
// Caller must hold m.mu.
func (m *QueueMonitor) state(queue string) *queueState {
	state, ok := m.queues[queue]
	if !ok {
		state = &queueState{windowStart: m.now()}
		m.queues[queue] = state
	}
	return state
}

// snapshot recomputes the derived view from raw counters. Caller must
// hold m.mu at least for reading.
func (m *QueueMonitor) snapshot(queue string, state *queueState) QueueStats {
	now := m.now()

	var failureRate float64
	if total := state.processed + state.failed; total > 0 {
		failureRate = float64(state.failed) / float64(total)
	}

	var avg time.Duration
	if len(state.samples) > 0 {
		var sum time.Duration
		for _, s := range state.samples {
			sum += s
		}
		avg = sum / time.Duration(len(state.samples))
	}

	hasStale := !state.oldestJob.IsZero() && now.Sub(state.oldestJob) > m.config.StaleThreshold

	return QueueStats{
		Queue:             queue,
		Processed:         state.processed,
		Failed:            state.failed,
		Depth:             state.depth,
		FailureRate:       failureRate,
		AvgProcessingTime: avg,
		ProcessingTimes:   stats.ComputeDurations(state.samples),
		OldestJob:         state.oldestJob,
		HasStaleJobs:      hasStale,
		WindowStart:       state.windowStart,
	}
}

// checkThresholds evaluates the four alert conditions for a queue.
func (m *QueueMonitor) checkThresholds(queue string) {
	m.mu.RLock()
	state, ok := m.queues[queue]
	if !ok {
		m.mu.RUnlock()
		return
	}
	snapshot := m.snapshot(queue, state)
	m.mu.RUnlock()

	queueFailureRateGauge.WithLabelValues(queue).Set(snapshot.FailureRate)

	if snapshot.Depth > m.config.DepthThreshold {
		m.dispatcher.Dispatch(alerting.Alert{
			Monitor:   "queue",
			Key:       queue,
			Metric:    "depth",
			Value:     float64(snapshot.Depth),
			Threshold: float64(m.config.DepthThreshold),
			Message:   fmt.Sprintf("queue %s depth %d exceeds %d", queue, snapshot.Depth, m.config.DepthThreshold),
		})
	}

	if snapshot.FailureRate > m.config.FailureRateThreshold {
		m.dispatcher.Dispatch(alerting.Alert{
			Monitor:   "queue",
			Key:       queue,
			Metric:    "failure_rate",
			Value:     snapshot.FailureRate,
			Threshold: m.config.FailureRateThreshold,
			Message:   fmt.Sprintf("queue %s failure rate %.2f exceeds %.2f", queue, snapshot.FailureRate, m.config.FailureRateThreshold),
		})
	}

	if snapshot.HasStaleJobs {
		age := m.now().Sub(snapshot.OldestJob)
		m.dispatcher.Dispatch(alerting.Alert{
			Monitor:   "queue",
			Key:       queue,
			Metric:    "stale_jobs",
			Value:     float64(age.Milliseconds()),
			Threshold: float64(m.config.StaleThreshold.Milliseconds()),
			Message:   fmt.Sprintf("queue %s oldest job is %s old", queue, age.Round(time.Second)),
		})
	}

	if snapshot.AvgProcessingTime > m.config.ProcessingTimeThreshold {
		m.dispatcher.Dispatch(alerting.Alert{
			Monitor:   "queue",
			Key:       queue,
			Metric:    "processing_time",
			Value:     float64(snapshot.AvgProcessingTime.Milliseconds()),
			Threshold: float64(m.config.ProcessingTimeThreshold.Milliseconds()),
			Message:   fmt.Sprintf("queue %s average processing time %s exceeds %s", queue, snapshot.AvgProcessingTime, m.config.ProcessingTimeThreshold),
		})
	}
}
