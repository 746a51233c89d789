// Package monitors implements the threshold monitor family: rate-limit
// usage, cost/budget spend, queue health and concurrent sessions. Each
// monitor ingests domain events, keeps one state record per tracked key,
// recomputes its derived metric from raw counters on every access and
// dispatches alerts when a configured threshold is crossed.
package monitors

import (
	"fmt"
	"sync"
	"time"

	"campaign-telemetry/pkg/alerting"

	"github.com/sirupsen/logrus"
)

// RateLimitConfig configures the rate-limit monitor.
type RateLimitConfig struct {
	// Fraction of the limit consumed at which an alert fires (0.0 to 1.0).
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// DefaultRateLimitConfig returns default rate-limit monitor configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		AlertThreshold: 0.8,
	}
}

// RateLimitEntry is the tracked state for one service endpoint.
type RateLimitEntry struct {
	Service      string    `json:"service"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	UsagePercent float64   `json:"usage_percent"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RateLimitMonitor tracks third-party API rate-limit headroom per
// service endpoint.
type RateLimitMonitor struct {
	config     RateLimitConfig
	logger     *logrus.Logger
	dispatcher *alerting.Dispatcher

	entries map[string]*RateLimitEntry
	mu      sync.RWMutex
}

// NewRateLimitMonitor creates a new rate-limit monitor.
func NewRateLimitMonitor(config RateLimitConfig, dispatcher *alerting.Dispatcher, logger *logrus.Logger) *RateLimitMonitor {
	if config.AlertThreshold <= 0 || config.AlertThreshold > 1 {
		config.AlertThreshold = DefaultRateLimitConfig().AlertThreshold
	}

	return &RateLimitMonitor{
		config:     config,
		logger:     logger,
		dispatcher: dispatcher,
		entries:    make(map[string]*RateLimitEntry),
	}
}

// RecordUsage ingests a rate-limit snapshot for a service endpoint,
// typically lifted from response headers of an outbound API call.
func (m *RateLimitMonitor) RecordUsage(service, endpoint string, limit, remaining int, resetAt time.Time) error {
	if service == "" {
		return fmt.Errorf("rate limit usage requires a service name")
	}
	if limit <= 0 {
		return fmt.Errorf("rate limit for %s must be positive, got %d", service, limit)
	}
	// Provider headers occasionally report out-of-range remaining values;
	// clamp to [0, limit] so usage stays within 0-100%.
	if remaining < 0 {
		remaining = 0
	}
	if remaining > limit {
		remaining = limit
	}

	usage := float64(limit-remaining) / float64(limit) * 100

	key := rateLimitKey(service, endpoint)
	entry := &RateLimitEntry{
		Service:      service,
		Endpoint:     endpoint,
		Limit:        limit,
		Remaining:    remaining,
		ResetAt:      resetAt,
		UsagePercent: usage,
		UpdatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()

	rateLimitUsageGauge.WithLabelValues(service, endpoint).Set(usage)

	if usage/100 >= m.config.AlertThreshold {
		m.dispatcher.Dispatch(alerting.Alert{
			Monitor:   "ratelimit",
			Key:       key,
			Metric:    "usage",
			Value:     usage,
			Threshold: m.config.AlertThreshold * 100,
			Message:   fmt.Sprintf("rate limit usage for %s at %.1f%%", key, usage),
		})
	}

	return nil
}

// GetUsage returns the tracked entry for a service endpoint.
func (m *RateLimitMonitor) GetUsage(service, endpoint string) (RateLimitEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[rateLimitKey(service, endpoint)]
	if !ok {
		return RateLimitEntry{}, false
	}
	return *entry, true
}

// GetAllAboveThreshold lists every tracked entry whose usage is at or
// above the alert threshold.
func (m *RateLimitMonitor) GetAllAboveThreshold() []RateLimitEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RateLimitEntry
	for _, entry := range m.entries {
		if entry.UsagePercent/100 >= m.config.AlertThreshold {
			out = append(out, *entry)
		}
	}
	return out
}

// GetAll returns a snapshot of every tracked entry.
func (m *RateLimitMonitor) GetAll() []RateLimitEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RateLimitEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, *entry)
	}
	return out
}

// PruneExpired removes entries whose reset time has passed and returns
// how many were removed.
func (m *RateLimitMonitor) PruneExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, entry := range m.entries {
		if !entry.ResetAt.IsZero() && entry.ResetAt.Before(now) {
			delete(m.entries, key)
			pruned++
		}
	}

	if pruned > 0 {
		m.logger.WithField("pruned", pruned).Debug("Pruned expired rate limit entries")
	}
	return pruned
}

func rateLimitKey(service, endpoint string) string {
	if endpoint == "" {
		return service
	}
	return service + "/" + endpoint
}
