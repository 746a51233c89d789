// Package tracing implements the in-process span tracker: hierarchical
// spans with bounded, sampled retention and latency/error-rate reporting.
package tracing

import (
	"math/rand"
	"sync"
	"time"

	"campaign-telemetry/pkg/stats"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Status is the terminal state of a span.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Span is one traced operation. Open spans are mutable through the
// tracker; once ended they become immutable completed records owned by
// the tracker's retention buffer.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	Service    string            `json:"service"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Status     Status            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`

	ended bool
}

// TrackerConfig configures span retention and sampling.
type TrackerConfig struct {
	ServiceName string  `yaml:"service_name"`
	MaxSpans    int     `yaml:"max_spans"`   // completed-span buffer bound
	SampleRate  float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ServiceName: "campaign-telemetry",
		MaxSpans:    1000,
		SampleRate:  1.0,
	}
}

var (
	spansStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_telemetry_spans_started_total",
		Help: "Total number of spans opened",
	})

	spansSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_telemetry_spans_sampled_total",
		Help: "Total number of completed spans committed to the buffer",
	})

	spansDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_spans_dropped_total",
		Help: "Total number of spans dropped by reason",
	}, []string{"reason"})
)

// Tracker owns all open and completed spans. Callers hold a handle to an
// open span and return it through EndSpan; they never retain completed
// records.
type Tracker struct {
	config   TrackerConfig
	logger   *logrus.Logger
	exporter *Exporter

	open      map[string]*Span
	completed []*Span
	sample    func() float64

	mu sync.Mutex
}

// NewTracker creates a new span tracker.
func NewTracker(config TrackerConfig, logger *logrus.Logger) *Tracker {
	if config.MaxSpans <= 0 {
		config.MaxSpans = DefaultTrackerConfig().MaxSpans
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = DefaultTrackerConfig().SampleRate
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultTrackerConfig().ServiceName
	}

	return &Tracker{
		config: config,
		logger: logger,
		open:   make(map[string]*Span),
		sample: rand.Float64,
	}
}

// SetExporter attaches an optional export bridge that re-emits committed
// spans to an external collector. A nil exporter disables export.
func (t *Tracker) SetExporter(e *Exporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exporter = e
}

// StartTrace opens the root span of a new trace.
func (t *Tracker) StartTrace(name string, attrs map[string]string) *Span {
	return t.start(uuid.NewString(), "", name, attrs)
}

// StartSpan opens a child span sharing the parent's trace identifier.
// A nil parent starts a new trace instead.
func (t *Tracker) StartSpan(parent *Span, name string, attrs map[string]string) *Span {
	if parent == nil {
		return t.StartTrace(name, attrs)
	}
	return t.start(parent.TraceID, parent.SpanID, name, attrs)
}

func (t *Tracker) start(traceID, parentID, name string, attrs map[string]string) *Span {
	span := &Span{
		TraceID:    traceID,
		SpanID:     uuid.NewString(),
		ParentID:   parentID,
		Name:       name,
		Service:    t.config.ServiceName,
		StartTime:  time.Now(),
		Status:     StatusOK,
		Attributes: copyAttrs(attrs),
	}

	t.mu.Lock()
	t.open[span.SpanID] = span
	t.mu.Unlock()

	spansStartedTotal.Inc()
	return span
}

// SetAttribute sets an attribute on an open span. Ended spans are not
// modified.
func (t *Tracker) SetAttribute(span *Span, key, value string) {
	if span == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if span.ended {
		return
	}
	if span.Attributes == nil {
		span.Attributes = make(map[string]string)
	}
	span.Attributes[key] = value
}

// EndSpan stamps the end time, removes the span from the open set and
// commits it to the completed buffer when the sampling draw succeeds.
// Ending a span twice is a no-op.
func (t *Tracker) EndSpan(span *Span, status Status) {
	if span == nil {
		return
	}

	t.mu.Lock()

	if span.ended {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"span_id": span.SpanID,
			"name":    span.Name,
		}).Warn("Span ended twice, ignoring")
		return
	}

	span.ended = true
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if status != "" {
		span.Status = status
	}
	delete(t.open, span.SpanID)

	if t.sample() > t.config.SampleRate {
		t.mu.Unlock()
		spansDroppedTotal.WithLabelValues("unsampled").Inc()
		return
	}

	t.completed = append(t.completed, span)
	evicted := 0
	for len(t.completed) > t.config.MaxSpans {
		t.completed = t.completed[1:]
		evicted++
	}
	exporter := t.exporter
	t.mu.Unlock()

	spansSampledTotal.Inc()
	if evicted > 0 {
		spansDroppedTotal.WithLabelValues("evicted").Add(float64(evicted))
	}

	if exporter != nil {
		exporter.Export(span)
	}
}

// GetStats returns latency percentiles over completed spans, filtered by
// name. An empty name aggregates every completed span.
func (t *Tracker) GetStats(name string) stats.Summary {
	durations := t.completedDurations(name)
	return stats.ComputeDurations(durations)
}

// GetErrorRate returns the fraction of completed spans with error status,
// filtered by name. An empty name aggregates every completed span.
func (t *Tracker) GetErrorRate(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total, errored int
	for _, span := range t.completed {
		if name != "" && span.Name != name {
			continue
		}
		total++
		if span.Status == StatusError {
			errored++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(errored) / float64(total)
}

// GetCompletedSpanCount returns the size of the completed buffer.
func (t *Tracker) GetCompletedSpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed)
}

// GetOpenSpanCount returns the number of spans not yet ended.
func (t *Tracker) GetOpenSpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// CompletedSpans returns a snapshot of the completed buffer, oldest first.
func (t *Tracker) CompletedSpans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Span, len(t.completed))
	for i, span := range t.completed {
		out[i] = *span
	}
	return out
}

func (t *Tracker) completedDurations(name string) []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	durations := make([]time.Duration, 0, len(t.completed))
	for _, span := range t.completed {
		if name != "" && span.Name != name {
			continue
		}
		durations = append(durations, span.Duration)
	}
	return durations
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
