package domain

import "context"

// StateStore is the persisted record of rules, counters and logs.
// Each Set is atomic on its own; concurrent Sets are not serialized against
// each other, so callers that read-modify-write must serialize themselves.
type StateStore interface {
	// Get returns all keys, substituting documented defaults for absent ones
	Get(ctx context.Context) (State, error)
	// Set writes the non-nil keys of the patch
	Set(ctx context.Context, patch StatePatch) error
	// Watch reports writes made by any process sharing the backend
	Watch(ctx context.Context) (<-chan StateChange, error)

	// Health and monitoring
	HealthCheck(ctx context.Context) HealthStatus
	GetStats(ctx context.Context) map[string]any
	Close() error
}

// HistoryDeleter removes every visit of a URL from the browsing history
type HistoryDeleter interface {
	DeleteURL(ctx context.Context, url string) error
	HealthCheck(ctx context.Context) HealthStatus
}

// VerdictCache remembers match verdicts for the current rule set
type VerdictCache interface {
	Get(url string) (Outcome, bool)
	Set(url string, verdict Outcome)
	Clear()
	Stats() CacheStats

	// Health and monitoring
	HealthCheck(ctx context.Context) HealthStatus
}

// Sanitizer is the event intake plus command API consumed by the HTTP layer
type Sanitizer interface {
	OnVisited(ctx context.Context, url string) Outcome
	OnNavigationCommitted(url string, frameID int) bool

	GetState(ctx context.Context) (StateView, error)
	ExportState(ctx context.Context) (State, error)
	AddRule(ctx context.Context, pattern, matchType string) error
	AddPageRule(ctx context.Context, pageURL string, kind RuleType) error
	RemoveRule(ctx context.Context, index int) error
	ToggleRule(ctx context.Context, index int) error
	ResetCounter(ctx context.Context) error
	ClearLogs(ctx context.Context) error

	// Health and monitoring
	HealthCheck(ctx context.Context) HealthStatus
	GetStats(ctx context.Context) map[string]any
}

// HealthChecker defines the interface for system health monitoring
type HealthChecker interface {
	CheckHealth(ctx context.Context) SystemHealth
	CheckComponent(ctx context.Context, component string) HealthStatus
}

// Validator defines the interface for input validation
type Validator interface {
	ValidatePageURL(url string) error
}
