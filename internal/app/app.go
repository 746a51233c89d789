// Package app wires the telemetry kernel together: monitors, alert
// dispatch, audience sync, health checks and the HTTP API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"campaign-telemetry/internal/config"
	"campaign-telemetry/internal/metrics"
	"campaign-telemetry/pkg/alerting"
	"campaign-telemetry/pkg/audience"
	"campaign-telemetry/pkg/health"
	"campaign-telemetry/pkg/monitors"
	"campaign-telemetry/pkg/notify"
	"campaign-telemetry/pkg/tracing"

	"github.com/sirupsen/logrus"
)

// App owns every kernel component and their lifecycle.
type App struct {
	logger *logrus.Logger

	Dispatcher *alerting.Dispatcher
	Tracker    *tracing.Tracker
	RateLimits *monitors.RateLimitMonitor
	Costs      *monitors.CostMonitor
	Queues     *monitors.QueueMonitor
	Sessions   *monitors.SessionMonitor
	Audiences  *audience.Manager
	Notifier   *notify.Notifier
	Health     *health.Registry

	config        *config.Config
	configMu      sync.RWMutex
	exporter      *tracing.Exporter
	watcher       *config.Watcher
	server        *http.Server
	metricsServer *metrics.Server
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New builds the kernel from configuration.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	dispatcher := alerting.NewDispatcher(cfg.Alerting, logger)

	costs, err := monitors.NewCostMonitor(cfg.Budgets, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build cost monitor: %w", err)
	}

	tracker := tracing.NewTracker(cfg.Tracing, logger)
	exporter, err := tracing.NewExporter(cfg.Exporter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build span exporter: %w", err)
	}
	if exporter != nil {
		tracker.SetExporter(exporter)
	}

	a := &App{
		exporter:   exporter,
		logger:     logger,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		RateLimits: monitors.NewRateLimitMonitor(cfg.RateLimit, dispatcher, logger),
		Costs:      costs,
		Queues:     monitors.NewQueueMonitor(cfg.Queue, dispatcher, logger),
		Sessions:   monitors.NewSessionMonitor(cfg.Session, dispatcher, logger),
		Audiences:  audience.NewManager(cfg.Audience, logger),
		Notifier:   notify.NewNotifier(cfg.Notify, logger),
		Health:     health.NewRegistry(logger),
		config:     cfg,
	}

	// Every threshold breach is logged; the notifier forwards it to the
	// webhook behind its token bucket.
	dispatcher.OnAlert(a.logAlert)
	dispatcher.OnAlert(a.Notifier.HandleAlert)

	// Sync status transitions feed the same logging discipline.
	a.Audiences.OnStatusChange(a.logSyncTransition)

	a.registerHealthChecks()

	a.metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: a.routes(),
	}

	return a, nil
}

// Start launches the HTTP servers and background sweeps.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	cfg := a.currentConfig()

	if cfg.Metrics.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.metricsServer.Start()
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runSweeper(ctx, cfg.SessionSweepInterval)
	}()

	if a.watcher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.watcher.Run(ctx)
		}()
	}

	a.logger.WithFields(logrus.Fields{
		"addr":    a.server.Addr,
		"version": cfg.App.Version,
	}).Info("API server listening")

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop shuts down servers and waits for background work.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 10*time.Second)
	defer cancelShutdown()

	err := a.server.Shutdown(shutdownCtx)
	if mErr := a.metricsServer.Shutdown(shutdownCtx); err == nil {
		err = mErr
	}
	if a.exporter != nil {
		if eErr := a.exporter.Shutdown(shutdownCtx); err == nil {
			err = eErr
		}
	}

	a.wg.Wait()
	a.logger.Info("Telemetry kernel stopped")
	return err
}

// ApplyConfig takes a reloaded configuration. Logging settings apply
// immediately; monitor thresholds apply to monitors built after the next
// restart, which the operator is told about.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.configMu.Lock()
	a.config = cfg
	a.configMu.Unlock()

	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		a.logger.SetLevel(level)
	}

	a.logger.WithField("log_level", cfg.App.LogLevel).
		Info("Configuration applied; monitor thresholds take effect on restart")
}

func (a *App) currentConfig() *config.Config {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.config
}

// runSweeper periodically expires idle sessions and prunes rate-limit
// entries whose reset time passed.
func (a *App) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			a.Sessions.ExpireInactiveSessions(now)
			a.RateLimits.PruneExpired(now)
		}
	}
}

// logAlert is the always-on alert handler.
func (a *App) logAlert(alert alerting.Alert) {
	a.logger.WithFields(logrus.Fields{
		"monitor":   alert.Monitor,
		"key":       alert.Key,
		"metric":    alert.Metric,
		"value":     alert.Value,
		"threshold": alert.Threshold,
	}).Warn(alert.Message)
}

func (a *App) logSyncTransition(record audience.SyncRecord) {
	a.logger.WithFields(logrus.Fields{
		"audience_id": record.AudienceID,
		"platform":    record.Platform,
		"status":      record.Status,
	}).Debug("Audience sync status changed")
}

// registerHealthChecks wires the kernel's own state into the health
// registry.
func (a *App) registerHealthChecks() {
	a.Health.Register("queues", func(ctx context.Context) health.Result {
		for name, qs := range a.Queues.GetAllStats() {
			if qs.HasStaleJobs {
				return health.Result{
					Status:  health.StatusDegraded,
					Message: fmt.Sprintf("queue %s has stale jobs", name),
				}
			}
		}
		return health.Result{Status: health.StatusHealthy}
	})

	a.Health.Register("sessions", func(ctx context.Context) health.Result {
		cfg := a.currentConfig()
		sessionStats := a.Sessions.GetStats()
		if sessionStats.Active >= cfg.Session.MaxConcurrentSessions {
			return health.Result{
				Status:  health.StatusDegraded,
				Message: "session capacity exhausted",
			}
		}
		return health.Result{Status: health.StatusHealthy}
	})

	a.Health.Register("audience_sync", func(ctx context.Context) health.Result {
		var failed int
		records := a.Audiences.GetAllStatus()
		for _, record := range records {
			if record.Status == audience.SyncFailed {
				failed++
			}
		}
		if failed > 0 && failed == len(records) {
			return health.Result{
				Status:  health.StatusUnhealthy,
				Message: "all audience syncs failing",
			}
		}
		if failed > 0 {
			return health.Result{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("%d audience syncs failing", failed),
			}
		}
		return health.Result{Status: health.StatusHealthy}
	})
}
