package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freewebtopdf/history-sanitizer/internal/cache"
	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/history"
	"github.com/freewebtopdf/history-sanitizer/internal/sanitizer"
	"github.com/freewebtopdf/history-sanitizer/internal/storage"
)

type staticHistory struct {
	status string
}

func (s staticHistory) DeleteURL(ctx context.Context, url string) error { return nil }

func (s staticHistory) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Status: s.status, Timestamp: time.Now()}
}

func newChecker(t *testing.T, deleter domain.HistoryDeleter) *SystemHealthChecker {
	t.Helper()
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "state.yaml"), time.Second)
	verdicts := cache.NewLRUCache(10)
	svc := sanitizer.New(store, deleter, verdicts, sanitizer.Options{})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })

	return NewSystemHealthChecker(store, deleter, svc, verdicts)
}

func TestCheckHealth_AllHealthy(t *testing.T) {
	checker := newChecker(t, history.NewDryRunHistory())

	health := checker.CheckHealth(context.Background())

	assert.Equal(t, domain.HealthStatusHealthy, health.Status)
	for _, name := range []string{ComponentStore, ComponentHistory, ComponentSanitizer, ComponentCache} {
		assert.Contains(t, health.Components, name)
	}
	assert.Contains(t, health.Metrics, "sanitizer")
	assert.True(t, checker.IsHealthy(context.Background()))
}

func TestCheckHealth_WorstComponentWins(t *testing.T) {
	checker := newChecker(t, staticHistory{status: domain.HealthStatusDegraded})
	assert.Equal(t, domain.HealthStatusDegraded, checker.CheckHealth(context.Background()).Status)

	checker = newChecker(t, staticHistory{status: domain.HealthStatusUnhealthy})
	assert.Equal(t, domain.HealthStatusUnhealthy, checker.CheckHealth(context.Background()).Status)
}

func TestCheckHealth_ResultIsCached(t *testing.T) {
	checker := newChecker(t, history.NewDryRunHistory())

	first := checker.CheckHealth(context.Background())
	second := checker.CheckHealth(context.Background())
	assert.Equal(t, first.Timestamp, second.Timestamp)

	checker.SetCacheTTL(0)
	third := checker.CheckHealth(context.Background())
	assert.NotEqual(t, first.Timestamp, third.Timestamp)
}

func TestCheckComponent(t *testing.T) {
	checker := newChecker(t, history.NewDryRunHistory())

	assert.Equal(t, domain.HealthStatusHealthy, checker.CheckComponent(context.Background(), ComponentStore).Status)
	unknown := checker.CheckComponent(context.Background(), "matcher")
	assert.Equal(t, domain.HealthStatusUnhealthy, unknown.Status)
	assert.Equal(t, "Unknown component", unknown.Message)
}

func TestAggregateStatus(t *testing.T) {
	assert.Equal(t, domain.HealthStatusDegraded, aggregateStatus(domain.HealthStatusHealthy, domain.HealthStatusDegraded))
	assert.Equal(t, domain.HealthStatusUnhealthy, aggregateStatus(domain.HealthStatusDegraded, domain.HealthStatusUnhealthy))
	assert.Equal(t, domain.HealthStatusUnhealthy, aggregateStatus(domain.HealthStatusUnhealthy, domain.HealthStatusHealthy))
}
