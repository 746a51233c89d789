package health

import (
	"context"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRegistry(logger)
}

func TestRunAllHealthy(t *testing.T) {
	r := newTestRegistry()
	r.Register("store", func(ctx context.Context) Result {
		return Result{Status: StatusHealthy}
	})
	r.Register("queue", func(ctx context.Context) Result {
		return Result{Status: StatusHealthy}
	})

	report := r.RunAll(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Greater(t, report.Resources.GoroutineCount, 0)
}

func TestAnyDegradedMakesReportDegraded(t *testing.T) {
	r := newTestRegistry()
	r.Register("store", func(ctx context.Context) Result {
		return Result{Status: StatusHealthy}
	})
	r.Register("platform", func(ctx context.Context) Result {
		return Result{Status: StatusDegraded, Message: "slow responses"}
	})

	report := r.RunAll(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestAnyUnhealthyWinsOverDegraded(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", func(ctx context.Context) Result { return Result{Status: StatusDegraded} })
	r.Register("b", func(ctx context.Context) Result { return Result{Status: StatusUnhealthy} })
	r.Register("c", func(ctx context.Context) Result { return Result{Status: StatusHealthy} })

	report := r.RunAll(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestPanickingCheckIsUnhealthy(t *testing.T) {
	r := newTestRegistry()
	r.Register("flaky", func(ctx context.Context) Result { panic("boom") })

	report := r.RunAll(context.Background())

	require.Contains(t, report.Checks, "flaky")
	assert.Equal(t, StatusUnhealthy, report.Checks["flaky"].Status)
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := newTestRegistry()
	report := r.RunAll(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(StatusHealthy))
	assert.Equal(t, http.StatusOK, HTTPStatus(StatusDegraded))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(StatusUnhealthy))
}
