// Package metrics exposes the Prometheus endpoint and the HTTP-level
// metrics shared by the API handlers. Kernel packages register their own
// domain metrics next to the code that updates them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// ResponseTimeSeconds tracks API latency per endpoint and method.
	ResponseTimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_telemetry_response_time_seconds",
		Help:    "HTTP response time per endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// ComponentHealth reflects the last health check per component
	// (1 healthy, 0.5 degraded, 0 unhealthy).
	ComponentHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaign_telemetry_component_health",
		Help: "Health status of components (1=healthy, 0.5=degraded, 0=unhealthy)",
	}, []string{"component"})
)

// Server serves the Prometheus scrape endpoint on its own port.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer creates the metrics HTTP server.
func NewServer(port int, path string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() {
	s.logger.WithField("addr", s.server.Addr).Info("Metrics server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Metrics server failed")
	}
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
