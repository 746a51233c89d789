package tracing

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(maxSpans int, sampleRate float64) *Tracker {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewTracker(TrackerConfig{
		ServiceName: "test",
		MaxSpans:    maxSpans,
		SampleRate:  sampleRate,
	}, logger)
}

func TestStartTraceCreatesRootSpan(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	span := tracker.StartTrace("generate_creative", map[string]string{"campaign": "c-1"})

	require.NotNil(t, span)
	assert.NotEmpty(t, span.TraceID)
	assert.NotEmpty(t, span.SpanID)
	assert.Empty(t, span.ParentID)
	assert.Equal(t, "generate_creative", span.Name)
	assert.Equal(t, "c-1", span.Attributes["campaign"])
	assert.Equal(t, 1, tracker.GetOpenSpanCount())
}

func TestStartSpanSharesTraceID(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	root := tracker.StartTrace("request", nil)
	child := tracker.StartSpan(root, "db_query", nil)

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
}

func TestEndSpanCommitsAndClosesOpenSet(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	span := tracker.StartTrace("request", nil)
	tracker.EndSpan(span, StatusOK)

	assert.Equal(t, 0, tracker.GetOpenSpanCount())
	assert.Equal(t, 1, tracker.GetCompletedSpanCount())
	assert.False(t, span.EndTime.IsZero())
	assert.GreaterOrEqual(t, span.Duration, time.Duration(0))
}

func TestEndSpanTwiceIsNoOp(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	span := tracker.StartTrace("request", nil)
	tracker.EndSpan(span, StatusOK)
	firstEnd := span.EndTime

	tracker.EndSpan(span, StatusError)

	assert.Equal(t, 1, tracker.GetCompletedSpanCount())
	assert.Equal(t, firstEnd, span.EndTime)
	assert.Equal(t, StatusOK, span.Status)
}

func TestFIFOEviction(t *testing.T) {
	tracker := newTestTracker(3, 1.0)

	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		span := tracker.StartTrace(name, nil)
		tracker.EndSpan(span, StatusOK)
	}

	assert.Equal(t, 3, tracker.GetCompletedSpanCount())

	// Oldest spans are dropped first.
	completed := tracker.CompletedSpans()
	require.Len(t, completed, 3)
	assert.Equal(t, "c", completed[0].Name)
	assert.Equal(t, "d", completed[1].Name)
	assert.Equal(t, "e", completed[2].Name)
}

func TestUnsampledSpanNotCommitted(t *testing.T) {
	tracker := newTestTracker(10, 0.5)
	tracker.sample = func() float64 { return 0.9 } // draw above sample rate

	span := tracker.StartTrace("request", nil)
	tracker.EndSpan(span, StatusOK)

	assert.Equal(t, 0, tracker.GetCompletedSpanCount())
	assert.Equal(t, 0, tracker.GetOpenSpanCount(), "span leaves the open set even when unsampled")
}

func TestGetErrorRate(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	for i := 0; i < 3; i++ {
		span := tracker.StartTrace("sync_audience", nil)
		tracker.EndSpan(span, StatusOK)
	}
	failed := tracker.StartTrace("sync_audience", nil)
	tracker.EndSpan(failed, StatusError)

	assert.InDelta(t, 0.25, tracker.GetErrorRate("sync_audience"), 1e-9)
	assert.InDelta(t, 0.25, tracker.GetErrorRate(""), 1e-9)
	assert.Zero(t, tracker.GetErrorRate("unknown"))
}

func TestGetStatsFiltersByName(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	a := tracker.StartTrace("a", nil)
	tracker.EndSpan(a, StatusOK)
	b := tracker.StartTrace("b", nil)
	tracker.EndSpan(b, StatusOK)

	assert.Equal(t, 1, tracker.GetStats("a").Count)
	assert.Equal(t, 2, tracker.GetStats("").Count)
	assert.Equal(t, 0, tracker.GetStats("missing").Count)
}

func TestSetAttributeOnOpenSpanOnly(t *testing.T) {
	tracker := newTestTracker(10, 1.0)

	span := tracker.StartTrace("request", nil)
	tracker.SetAttribute(span, "platform", "meta")
	assert.Equal(t, "meta", span.Attributes["platform"])

	tracker.EndSpan(span, StatusOK)
	tracker.SetAttribute(span, "late", "value")
	assert.NotContains(t, span.Attributes, "late")
}
