package monitors

import (
	"testing"
	"time"

	"campaign-telemetry/pkg/alerting"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() (*alerting.Dispatcher, *[]alerting.Alert) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	d := alerting.NewDispatcher(alerting.DispatcherConfig{SuppressionWindow: 0}, logger)

	var fired []alerting.Alert
	d.OnAlert(func(a alerting.Alert) { fired = append(fired, a) })
	return d, &fired
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRateLimitAlertAboveThreshold(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewRateLimitMonitor(RateLimitConfig{AlertThreshold: 0.8}, dispatcher, testLogger())

	// 85% used: alert fires once.
	err := m.RecordUsage("meta", "ads", 100, 15, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, *fired, 1)
	assert.Equal(t, "ratelimit", (*fired)[0].Monitor)
	assert.Equal(t, "meta/ads", (*fired)[0].Key)
	assert.InDelta(t, 85.0, (*fired)[0].Value, 1e-9)

	// 50% used: no alert.
	err = m.RecordUsage("meta", "ads", 100, 50, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, *fired, 1)
}

func TestRateLimitUsageDerivation(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewRateLimitMonitor(DefaultRateLimitConfig(), dispatcher, testLogger())

	require.NoError(t, m.RecordUsage("google", "", 200, 150, time.Time{}))

	entry, ok := m.GetUsage("google", "")
	require.True(t, ok)
	assert.InDelta(t, 25.0, entry.UsagePercent, 1e-9)
	assert.Equal(t, 200, entry.Limit)
	assert.Equal(t, 150, entry.Remaining)
}

func TestRateLimitClampsOutOfRangeRemaining(t *testing.T) {
	dispatcher, fired := newTestDispatcher()
	m := NewRateLimitMonitor(DefaultRateLimitConfig(), dispatcher, testLogger())

	// Remaining above the limit must not produce a negative usage.
	require.NoError(t, m.RecordUsage("meta", "ads", 100, 150, time.Time{}))
	entry, ok := m.GetUsage("meta", "ads")
	require.True(t, ok)
	assert.InDelta(t, 0.0, entry.UsagePercent, 1e-9)
	assert.Equal(t, 100, entry.Remaining)
	assert.Empty(t, *fired)

	// Negative remaining clamps to fully used.
	require.NoError(t, m.RecordUsage("meta", "ads", 100, -5, time.Time{}))
	entry, ok = m.GetUsage("meta", "ads")
	require.True(t, ok)
	assert.InDelta(t, 100.0, entry.UsagePercent, 1e-9)
}

func TestRateLimitValidation(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewRateLimitMonitor(DefaultRateLimitConfig(), dispatcher, testLogger())

	assert.Error(t, m.RecordUsage("", "ads", 100, 10, time.Time{}))
	assert.Error(t, m.RecordUsage("meta", "ads", 0, 10, time.Time{}))
}

func TestRateLimitGetAllAboveThreshold(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewRateLimitMonitor(RateLimitConfig{AlertThreshold: 0.8}, dispatcher, testLogger())

	require.NoError(t, m.RecordUsage("meta", "ads", 100, 5, time.Time{}))
	require.NoError(t, m.RecordUsage("google", "ads", 100, 90, time.Time{}))

	above := m.GetAllAboveThreshold()
	require.Len(t, above, 1)
	assert.Equal(t, "meta", above[0].Service)
}

func TestRateLimitPruneExpired(t *testing.T) {
	dispatcher, _ := newTestDispatcher()
	m := NewRateLimitMonitor(DefaultRateLimitConfig(), dispatcher, testLogger())

	now := time.Now()
	require.NoError(t, m.RecordUsage("meta", "ads", 100, 50, now.Add(-time.Minute)))
	require.NoError(t, m.RecordUsage("google", "ads", 100, 50, now.Add(time.Minute)))

	pruned := m.PruneExpired(now)

	assert.Equal(t, 1, pruned)
	_, ok := m.GetUsage("meta", "ads")
	assert.False(t, ok)
	_, ok = m.GetUsage("google", "ads")
	assert.True(t, ok)
}
