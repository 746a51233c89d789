// Package alerting provides the alert record and the dispatcher shared by
// all threshold monitors. Monitors construct alerts when a threshold is
// crossed; the dispatcher fans them out to registered handlers without
// letting a faulty handler break ingestion.
package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Alert is an immutable record of a threshold breach.
type Alert struct {
	Monitor     string    `json:"monitor"`
	Key         string    `json:"key"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint uint64    `json:"fingerprint"`
}

// Handler receives one alert. Handlers run synchronously on the
// ingestion path and must be fast.
type Handler func(Alert)

// HandlerError records a handler that panicked during dispatch.
type HandlerError struct {
	HandlerIndex int
	Alert        Alert
	Err          error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("alert handler %d failed: %v", e.HandlerIndex, e.Err)
}

// DispatcherConfig configures alert dispatch behavior.
type DispatcherConfig struct {
	// Suppress repeated alerts with the same fingerprint inside this window.
	// Zero disables suppression.
	SuppressionWindow time.Duration `yaml:"suppression_window"`
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SuppressionWindow: 1 * time.Minute,
	}
}

var (
	alertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_alerts_fired_total",
		Help: "Total number of alerts dispatched to handlers",
	}, []string{"monitor", "metric"})

	alertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_alerts_suppressed_total",
		Help: "Total number of alerts suppressed as duplicates",
	}, []string{"monitor", "metric"})

	handlerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_telemetry_alert_handler_failures_total",
		Help: "Total number of alert handler panics recovered during dispatch",
	})
)

// Dispatcher fans alerts out to an ordered list of handlers. Each handler
// is isolated: a panic is recovered, recorded and returned to the caller,
// and dispatch continues with the remaining handlers.
type Dispatcher struct {
	config   DispatcherConfig
	logger   *logrus.Logger
	handlers []Handler
	lastSeen map[uint64]time.Time
	mu       sync.Mutex
}

// NewDispatcher creates a new alert dispatcher.
func NewDispatcher(config DispatcherConfig, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		config:   config,
		logger:   logger,
		lastSeen: make(map[uint64]time.Time),
	}
}

// OnAlert registers a handler. Handlers are invoked in registration order.
func (d *Dispatcher) OnAlert(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// HandlerCount returns the number of registered handlers.
func (d *Dispatcher) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Fingerprint identifies an alert series for duplicate suppression.
// Value and timestamp are deliberately excluded so repeated breaches of
// the same threshold collapse onto one series.
func Fingerprint(monitor, key, metric string) uint64 {
	h := xxhash.New()
	h.WriteString(monitor)
	h.WriteString("\x00")
	h.WriteString(key)
	h.WriteString("\x00")
	h.WriteString(metric)
	return h.Sum64()
}

// Dispatch delivers the alert to every registered handler and returns the
// failures collected along the way. A nil return means every handler ran
// cleanly. A suppressed duplicate returns nil without invoking handlers.
func (d *Dispatcher) Dispatch(alert Alert) []HandlerError {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.Fingerprint == 0 {
		alert.Fingerprint = Fingerprint(alert.Monitor, alert.Key, alert.Metric)
	}

	d.mu.Lock()
	if d.suppressed(alert) {
		d.mu.Unlock()
		alertsSuppressedTotal.WithLabelValues(alert.Monitor, alert.Metric).Inc()
		return nil
	}
	d.lastSeen[alert.Fingerprint] = alert.Timestamp
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	alertsFiredTotal.WithLabelValues(alert.Monitor, alert.Metric).Inc()

	var failures []HandlerError
	for i, h := range handlers {
		if err := d.invoke(h, alert); err != nil {
			failures = append(failures, HandlerError{
				HandlerIndex: i,
				Alert:        alert,
				Err:          err,
			})
			handlerFailuresTotal.Inc()

			d.logger.WithFields(logrus.Fields{
				"monitor": alert.Monitor,
				"key":     alert.Key,
				"metric":  alert.Metric,
				"handler": i,
				"error":   err,
			}).Error("Alert handler failed")
		}
	}

	return failures
}

// suppressed reports whether the alert falls inside the suppression window
// of a previously dispatched alert with the same fingerprint.
// Caller must hold d.mu.
func (d *Dispatcher) suppressed(alert Alert) bool {
	if d.config.SuppressionWindow <= 0 {
		return false
	}
	last, ok := d.lastSeen[alert.Fingerprint]
	if !ok {
		return false
	}
	return alert.Timestamp.Sub(last) < d.config.SuppressionWindow
}

// invoke runs one handler, converting a panic into an error.
func (d *Dispatcher) invoke(h Handler, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h(alert)
	return nil
}
