package health

import (
	"context"
	"sync"
	"time"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// Component names reported by the checker
const (
	ComponentStore     = "store"
	ComponentHistory   = "history"
	ComponentSanitizer = "sanitizer"
	ComponentCache     = "cache"
)

// SystemHealthChecker aggregates the health of every service component
type SystemHealthChecker struct {
	store     domain.StateStore
	history   domain.HistoryDeleter
	sanitizer domain.Sanitizer
	cache     domain.VerdictCache

	timeout   time.Duration
	startTime time.Time

	// Cached health status to avoid expensive checks on every request
	lastCheck   time.Time
	lastHealth  domain.SystemHealth
	cacheTTL    time.Duration
	healthMutex sync.Mutex
}

// NewSystemHealthChecker creates a new system health checker. cache may be nil.
func NewSystemHealthChecker(
	store domain.StateStore,
	history domain.HistoryDeleter,
	sanitizer domain.Sanitizer,
	cache domain.VerdictCache,
) *SystemHealthChecker {
	return &SystemHealthChecker{
		store:     store,
		history:   history,
		sanitizer: sanitizer,
		cache:     cache,
		timeout:   5 * time.Second,
		cacheTTL:  10 * time.Second,
		startTime: time.Now(),
	}
}

// SetCacheTTL changes how long a computed result is reused
func (h *SystemHealthChecker) SetCacheTTL(ttl time.Duration) {
	h.healthMutex.Lock()
	h.cacheTTL = ttl
	h.healthMutex.Unlock()
}

// CheckHealth performs a system health check
func (h *SystemHealthChecker) CheckHealth(ctx context.Context) domain.SystemHealth {
	h.healthMutex.Lock()
	defer h.healthMutex.Unlock()

	if !h.lastCheck.IsZero() && time.Since(h.lastCheck) < h.cacheTTL {
		return h.lastHealth
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	now := time.Now()
	components := make(map[string]domain.HealthStatus)
	overallStatus := domain.HealthStatusHealthy

	for _, name := range h.componentNames() {
		status := h.checkComponent(checkCtx, name)
		components[name] = status
		overallStatus = aggregateStatus(overallStatus, status.Status)
	}

	systemHealth := domain.SystemHealth{
		Status:     overallStatus,
		Timestamp:  now,
		Components: components,
		Metrics:    h.collectMetrics(checkCtx),
		Uptime:     time.Since(h.startTime),
	}

	h.lastCheck = now
	h.lastHealth = systemHealth

	return systemHealth
}

// CheckComponent performs a health check on a specific component
func (h *SystemHealthChecker) CheckComponent(ctx context.Context, component string) domain.HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.checkComponent(checkCtx, component)
}

func (h *SystemHealthChecker) componentNames() []string {
	names := []string{ComponentStore, ComponentHistory, ComponentSanitizer}
	if h.cache != nil {
		names = append(names, ComponentCache)
	}
	return names
}

func (h *SystemHealthChecker) checkComponent(ctx context.Context, component string) domain.HealthStatus {
	switch {
	case component == ComponentStore:
		return h.store.HealthCheck(ctx)
	case component == ComponentHistory:
		return h.history.HealthCheck(ctx)
	case component == ComponentSanitizer:
		return h.sanitizer.HealthCheck(ctx)
	case component == ComponentCache && h.cache != nil:
		return h.cache.HealthCheck(ctx)
	default:
		return domain.HealthStatus{
			Status:    domain.HealthStatusUnhealthy,
			Message:   "Unknown component",
			Timestamp: time.Now(),
			Details: map[string]any{
				"component": component,
				"error":     "Component not found",
			},
		}
	}
}

// aggregateStatus determines the overall status based on component statuses
func aggregateStatus(current, componentStatus string) string {
	// Priority: unhealthy > degraded > healthy
	statusPriority := map[string]int{
		domain.HealthStatusHealthy:   0,
		domain.HealthStatusDegraded:  1,
		domain.HealthStatusUnhealthy: 2,
	}

	if statusPriority[componentStatus] > statusPriority[current] {
		return componentStatus
	}
	return current
}

func (h *SystemHealthChecker) collectMetrics(ctx context.Context) map[string]any {
	metrics := map[string]any{
		"store":     h.store.GetStats(ctx),
		"sanitizer": h.sanitizer.GetStats(ctx),
		"system": map[string]any{
			"uptime_seconds": time.Since(h.startTime).Seconds(),
		},
	}
	if h.cache != nil {
		metrics["cache"] = h.cache.Stats()
	}
	return metrics
}

// IsHealthy returns true if the system is healthy
func (h *SystemHealthChecker) IsHealthy(ctx context.Context) bool {
	return h.CheckHealth(ctx).Status == domain.HealthStatusHealthy
}
