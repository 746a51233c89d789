package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"campaign-telemetry/internal/config"
	"campaign-telemetry/internal/metrics"
	"campaign-telemetry/pkg/audience"
	"campaign-telemetry/pkg/health"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// AttachWatcher enables the reload endpoint and lets Start run the
// file watch loop alongside the servers.
func (a *App) AttachWatcher(w *config.Watcher) {
	a.watcher = w
}

func (a *App) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(a.metricsMiddleware)

	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/stats", a.handleStats).Methods("GET")
	router.HandleFunc("/stats/{monitor}", a.handleMonitorStats).Methods("GET")
	router.HandleFunc("/traces/stats", a.handleTraceStats).Methods("GET")
	router.HandleFunc("/ratelimits", a.handleRateLimits).Methods("GET")
	router.HandleFunc("/costs/report", a.handleCostReport).Methods("GET")
	router.HandleFunc("/queues/{name}", a.handleQueueStats).Methods("GET")
	router.HandleFunc("/sessions", a.handleSessions).Methods("GET")

	router.HandleFunc("/audiences", a.handleListAudiences).Methods("GET")
	router.HandleFunc("/audiences", a.handleCreateAudience).Methods("POST")
	router.HandleFunc("/audiences/{id}", a.handleUpdateAudience).Methods("PUT")
	router.HandleFunc("/audiences/{id}", a.handleDeleteAudience).Methods("DELETE")
	router.HandleFunc("/audiences/{id}/sync/{platform}", a.handleSyncAudience).Methods("POST")

	router.HandleFunc("/config/reload", a.handleConfigReload).Methods("POST")

	return router
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := mux.CurrentRoute(r)
		endpoint := r.URL.Path
		if route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		metrics.ResponseTimeSeconds.WithLabelValues(endpoint, r.Method).
			Observe(time.Since(start).Seconds())
	})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.WithError(err).Error("Failed to encode response")
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := a.Health.RunAll(r.Context())
	for name, result := range report.Checks {
		metrics.ComponentHealth.WithLabelValues(name).Set(healthScore(result.Status))
	}
	a.writeJSON(w, health.HTTPStatus(report.Status), report)
}

func healthScore(status health.Status) float64 {
	switch status {
	case health.StatusHealthy:
		return 1
	case health.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"traces": map[string]interface{}{
			"open":      a.Tracker.GetOpenSpanCount(),
			"completed": a.Tracker.GetCompletedSpanCount(),
		},
		"rate_limits": a.RateLimits.GetAll(),
		"queues":      a.Queues.GetAllStats(),
		"sessions":    a.Sessions.GetStats(),
		"budgets":     a.Costs.GetBudgets(),
		"audiences":   a.Audiences.GetAllStatus(),
	})
}

func (a *App) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["monitor"] {
	case "ratelimits":
		a.writeJSON(w, http.StatusOK, a.RateLimits.GetAll())
	case "queues":
		a.writeJSON(w, http.StatusOK, a.Queues.GetAllStats())
	case "sessions":
		a.writeJSON(w, http.StatusOK, a.Sessions.GetStats())
	case "costs":
		a.writeJSON(w, http.StatusOK, a.Costs.GetBudgets())
	case "audiences":
		a.writeJSON(w, http.StatusOK, a.Audiences.GetAllStatus())
	default:
		http.NotFound(w, r)
	}
}

func (a *App) handleTraceStats(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       name,
		"durations":  a.Tracker.GetStats(name),
		"error_rate": a.Tracker.GetErrorRate(name),
		"open":       a.Tracker.GetOpenSpanCount(),
		"completed":  a.Tracker.GetCompletedSpanCount(),
	})
}

func (a *App) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("exceeded") == "true" {
		a.writeJSON(w, http.StatusOK, a.RateLimits.GetAllAboveThreshold())
		return
	}
	a.writeJSON(w, http.StatusOK, a.RateLimits.GetAll())
}

// handleCostReport serves spend aggregation for an RFC 3339 date range.
// Defaults to the last 24 hours.
func (a *App) handleCostReport(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		to = parsed
	}

	a.writeJSON(w, http.StatusOK, a.Costs.GetUsageReport(from, to))
}

func (a *App) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	queueStats, ok := a.Queues.GetStats(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	a.writeJSON(w, http.StatusOK, queueStats)
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Sessions.GetStats())
}

func (a *App) handleListAudiences(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Audiences.ListAudiences())
}

type audienceRequest struct {
	Name  string          `json:"name"`
	Rules []audience.Rule `json:"rules"`
}

func (a *App) handleCreateAudience(w http.ResponseWriter, r *http.Request) {
	var req audienceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := a.Audiences.CreateAudience(req.Name, req.Rules)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *App) handleUpdateAudience(w http.ResponseWriter, r *http.Request) {
	var req audienceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := a.Audiences.UpdateAudience(mux.Vars(r)["id"], req.Name, req.Rules)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, audience.ErrAudienceNotFound) {
			status = http.StatusNotFound
		}
		a.writeError(w, status, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *App) handleDeleteAudience(w http.ResponseWriter, r *http.Request) {
	if err := a.Audiences.DeleteAudience(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSyncAudience(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, err := a.Audiences.SyncToPlatform(r.Context(), vars["id"], vars["platform"])
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, audience.ErrAudienceNotFound) {
			status = http.StatusNotFound
		}
		a.writeError(w, status, err)
		return
	}

	status := http.StatusOK
	if record.Status == audience.SyncFailed {
		status = http.StatusBadGateway
	}
	a.writeJSON(w, status, record)
}

func (a *App) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if a.watcher == nil {
		a.writeJSON(w, http.StatusConflict, map[string]string{
			"error": "no configuration file to reload",
		})
		return
	}

	if err := a.watcher.Reload(); err != nil {
		a.logger.WithError(err).Error("Manual config reload failed")
		a.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	a.logger.WithFields(logrus.Fields{"remote": r.RemoteAddr}).Info("Configuration reloaded via API")
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
