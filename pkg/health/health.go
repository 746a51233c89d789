// Package health provides the named health-check registry used by the
// HTTP health endpoint.
package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of one check or of the aggregate report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is one check outcome.
type Result struct {
	Status       Status        `json:"status"`
	Message      string        `json:"message,omitempty"`
	ResponseTime time.Duration `json:"response_time_ms,omitempty"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) Result

// Report is the aggregate health view served over HTTP.
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    time.Duration     `json:"uptime"`
	Checks    map[string]Result `json:"checks"`
	Resources ResourceStatus    `json:"resources"`
}

// ResourceStatus is a process/system resource snapshot.
type ResourceStatus struct {
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	MemoryPercent  float64 `json:"memory_percent"`
	CPUPercent     float64 `json:"cpu_percent"`
	GoroutineCount int     `json:"goroutine_count"`
}

// Registry holds named health checks and aggregates them into one report.
type Registry struct {
	logger    *logrus.Logger
	checks    map[string]CheckFunc
	startedAt time.Time
	mu        sync.RWMutex
}

// NewRegistry creates a new health-check registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:    logger,
		checks:    make(map[string]CheckFunc),
		startedAt: time.Now(),
	}
}

// Register adds a named check. Re-registering a name replaces the check.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// RunAll executes every registered check and aggregates the results:
// any unhealthy makes the report unhealthy, else any degraded makes it
// degraded, else it is healthy. A panicking check counts as unhealthy.
func (r *Registry) RunAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make(map[string]CheckFunc, len(r.checks))
	for name, fn := range r.checks {
		checks[name] = fn
	}
	startedAt := r.startedAt
	r.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(startedAt),
		Checks:    make(map[string]Result, len(checks)),
		Resources: resourceSnapshot(),
	}

	for name, fn := range checks {
		result := r.run(ctx, name, fn)
		report.Checks[name] = result

		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// run executes one check, timing it and converting a panic into an
// unhealthy result.
func (r *Registry) run(ctx context.Context, name string, fn CheckFunc) (result Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"check": name,
				"panic": rec,
			}).Error("Health check panicked")
			result = Result{Status: StatusUnhealthy, Message: "check panicked"}
		}
		result.ResponseTime = time.Since(start)
	}()

	return fn(ctx)
}

// HTTPStatus maps an aggregate status to the response code served by the
// health endpoint.
func HTTPStatus(status Status) int {
	if status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// resourceSnapshot collects a best-effort resource view; collection
// failures leave fields at zero rather than failing the report.
func resourceSnapshot() ResourceStatus {
	snapshot := ResourceStatus{
		GoroutineCount: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryPercent = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snapshot.MemoryUsedMB = info.RSS / 1024 / 1024
		}
	}

	return snapshot
}
