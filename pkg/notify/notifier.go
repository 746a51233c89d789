package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"campaign-telemetry/pkg/alerting"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// NotifierConfig configures the webhook notifier.
type NotifierConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	Timeout         time.Duration `yaml:"timeout"`
	BucketCapacity  int           `yaml:"bucket_capacity"`
	TokensPerMinute float64       `yaml:"tokens_per_minute"`
}

// DefaultNotifierConfig returns default notifier configuration.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Timeout:         10 * time.Second,
		BucketCapacity:  10,
		TokensPerMinute: 10,
	}
}

var (
	notificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_notifications_sent_total",
		Help: "Total webhook notifications by outcome",
	}, []string{"status"})

	notificationDenialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_telemetry_notification_denials_total",
		Help: "Notifications dropped by the token bucket",
	})
)

// Notifier posts alert JSON to a webhook, rate limited by a token bucket.
// A denied send is logged and counted, never treated as an error; losing
// a notification is preferable to flooding the channel.
type Notifier struct {
	config NotifierConfig
	logger *logrus.Logger
	bucket *TokenBucket
	client *http.Client
}

// NewNotifier creates a new webhook notifier.
func NewNotifier(config NotifierConfig, logger *logrus.Logger) *Notifier {
	defaults := DefaultNotifierConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.BucketCapacity <= 0 {
		config.BucketCapacity = defaults.BucketCapacity
	}
	if config.TokensPerMinute <= 0 {
		config.TokensPerMinute = defaults.TokensPerMinute
	}

	return &Notifier{
		config: config,
		logger: logger,
		bucket: NewTokenBucket(config.BucketCapacity, config.TokensPerMinute),
		client: &http.Client{Timeout: config.Timeout},
	}
}

// HandleAlert is the alerting.Handler entry point.
func (n *Notifier) HandleAlert(alert alerting.Alert) {
	if n.config.WebhookURL == "" {
		return
	}

	if !n.bucket.Allow() {
		notificationDenialsTotal.Inc()
		n.logger.WithFields(logrus.Fields{
			"monitor": alert.Monitor,
			"key":     alert.Key,
		}).Debug("Notification dropped by rate limiter")
		return
	}

	if err := n.send(alert); err != nil {
		notificationsSentTotal.WithLabelValues("error").Inc()
		n.logger.WithError(err).WithFields(logrus.Fields{
			"monitor": alert.Monitor,
			"key":     alert.Key,
		}).Warn("Failed to deliver notification")
		return
	}

	notificationsSentTotal.WithLabelValues("success").Inc()
}

// send posts one alert to the webhook.
func (n *Notifier) send(alert alerting.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	resp, err := n.client.Post(n.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
