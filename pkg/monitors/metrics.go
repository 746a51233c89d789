package monitors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitUsageGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_telemetry_rate_limit_usage_percent",
		Help: "Current rate limit usage per service endpoint (0 to 100)",
	}, []string{"service", "endpoint"})

	costRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_cost_recorded_total",
		Help: "Total spend recorded per service",
	}, []string{"service"})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_telemetry_queue_depth",
		Help: "Current depth per tracked queue",
	}, []string{"queue"})

	queueFailureRateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_telemetry_queue_failure_rate",
		Help: "Failure rate per tracked queue (0.0 to 1.0)",
	}, []string{"queue"})

	sessionsActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_telemetry_sessions_active",
		Help: "Number of currently active sessions",
	})

	sessionsPeakGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_telemetry_sessions_peak",
		Help: "Peak concurrent sessions observed since start",
	})

	sessionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_telemetry_sessions_rejected_total",
		Help: "Sessions rejected by concurrency caps, by reason",
	}, []string{"reason"})
)
