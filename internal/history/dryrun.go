package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// DryRunHistory records deletions without touching any history store
type DryRunHistory struct {
	mu      sync.Mutex
	deleted []string
}

// NewDryRunHistory creates a dry-run deleter
func NewDryRunHistory() *DryRunHistory {
	return &DryRunHistory{}
}

// DeleteURL logs the URL and always succeeds
func (h *DryRunHistory) DeleteURL(ctx context.Context, url string) error {
	h.mu.Lock()
	h.deleted = append(h.deleted, url)
	h.mu.Unlock()

	log.Info().Str("url", url).Msg("Dry run: history deletion skipped")
	return nil
}

// Deleted returns the URLs seen so far
func (h *DryRunHistory) Deleted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.deleted))
	copy(out, h.deleted)
	return out
}

// HealthCheck always reports healthy
func (h *DryRunHistory) HealthCheck(ctx context.Context) domain.HealthStatus {
	h.mu.Lock()
	n := len(h.deleted)
	h.mu.Unlock()

	return domain.HealthStatus{
		Status:    domain.HealthStatusHealthy,
		Message:   "Dry run mode",
		Details:   map[string]any{"backend": "dryrun", "deletions": n},
		Timestamp: time.Now(),
	}
}
