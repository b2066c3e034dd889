// Package sanitizer owns the active rule set and every mutation of the
// persisted state. Events and commands all funnel through one Service.
package sanitizer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/matcher"
)

// DefaultCommitDelay is how long a committed navigation waits before it is
// evaluated, giving the visit event a chance to handle it first.
const DefaultCommitDelay = 300 * time.Millisecond

// Options configures a Service
type Options struct {
	CommitDelay time.Duration
	Now         func() time.Time
}

// Service implements domain.Sanitizer
type Service struct {
	store     domain.StateStore
	history   domain.HistoryDeleter
	cache     domain.VerdictCache
	validator domain.Validator

	commitDelay time.Duration
	now         func() time.Time

	// rsMu guards ruleSet; snapshots are swapped whole, never patched
	rsMu    sync.RWMutex
	ruleSet *matcher.RuleSet

	// writeMu serializes every read-modify-write of persisted state
	writeMu sync.Mutex
	rules   []domain.Rule // rules the current snapshot was built from
	version uint64

	lifecycleMu sync.Mutex
	closed      bool
	pending     sync.WaitGroup
	stopWatch   context.CancelFunc
	watchDone   chan struct{}

	eventsSeen       atomic.Int64
	deletions        atomic.Int64
	deleteFailures   atomic.Int64
	persistFailures  atomic.Int64
	scheduledChecks  atomic.Int64
	cacheHitsOnMatch atomic.Int64
}

// New creates a Service. cache may be nil.
func New(store domain.StateStore, history domain.HistoryDeleter, cache domain.VerdictCache, opts Options) *Service {
	if opts.CommitDelay < 0 {
		opts.CommitDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:       store,
		history:     history,
		cache:       cache,
		validator:   domain.NewValidator(),
		commitDelay: opts.CommitDelay,
		now:         opts.Now,
	}
}

// Start builds the initial rule set and follows external changes to the
// persisted rules until Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.writeMu.Lock()
	state, err := s.store.Get(ctx)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("load initial state: %w", err)
	}
	s.persistRuleIDsLocked(ctx, state.Rules)
	s.rebuildLocked(state.Rules)
	s.writeMu.Unlock()

	watchCtx, cancel := context.WithCancel(context.Background())
	changes, err := s.store.Watch(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch state: %w", err)
	}

	s.lifecycleMu.Lock()
	s.stopWatch = cancel
	s.watchDone = make(chan struct{})
	done := s.watchDone
	s.lifecycleMu.Unlock()

	go func() {
		defer close(done)
		for change := range changes {
			if change.Has(domain.KeyRules) {
				s.reloadRules(watchCtx)
			}
		}
	}()

	log.Info().
		Uint64("version", s.current().Version()).
		Int("active_rules", s.current().Len()).
		Msg("Sanitizer started")
	return nil
}

// Close stops the watch loop and waits for scheduled commit checks to finish
func (s *Service) Close() error {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stopWatch, s.watchDone
	s.lifecycleMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.pending.Wait()
	return nil
}

// current returns the active snapshot
func (s *Service) current() *matcher.RuleSet {
	s.rsMu.RLock()
	defer s.rsMu.RUnlock()
	return s.ruleSet
}

// rebuildLocked compiles rules into a new snapshot and swaps it in.
// Caller must hold writeMu.
func (s *Service) rebuildLocked(rules []domain.Rule) {
	s.version++
	rs := matcher.Rebuild(rules, s.version)

	s.rsMu.Lock()
	s.ruleSet = rs
	if s.cache != nil {
		s.cache.Clear()
	}
	s.rsMu.Unlock()

	s.rules = slices.Clone(rules)

	log.Debug().
		Uint64("version", rs.Version()).
		Int("active_rules", rs.Len()).
		Int("persisted_rules", len(rules)).
		Msg("Rule set rebuilt")
}

func (s *Service) reloadRules(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	state, err := s.store.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reload rules after external change")
		return
	}
	s.persistRuleIDsLocked(ctx, state.Rules)
	if slices.Equal(state.Rules, s.rules) {
		return
	}
	s.rebuildLocked(state.Rules)
	log.Info().Int("rules", len(state.Rules)).Msg("Reloaded rules after external change")
}

// persistRuleIDsLocked gives ID-less rules (hand-edited or legacy state) a
// stable ID and writes them back so later reads agree. Caller must hold writeMu.
func (s *Service) persistRuleIDsLocked(ctx context.Context, rules []domain.Rule) {
	if !domain.AssignMissingIDs(rules) {
		return
	}
	if err := s.store.Set(ctx, domain.StatePatch{Rules: &rules}); err != nil {
		// IDs stay in memory only; the next rule write persists them
		log.Warn().Err(err).Msg("Failed to persist assigned rule IDs")
		return
	}
	log.Info().Int("rules", len(rules)).Msg("Assigned IDs to persisted rules")
}

// HealthCheck reports whether a rule set is active and compiled cleanly
func (s *Service) HealthCheck(ctx context.Context) domain.HealthStatus {
	rs := s.current()
	status := domain.HealthStatusHealthy
	message := "Rule set is active"
	details := map[string]any{
		"version":      rs.Version(),
		"active_rules": rs.Len(),
	}

	switch {
	case rs == nil:
		status = domain.HealthStatusUnhealthy
		message = "Rule set has not been built"
	case len(rs.Failures()) > 0:
		status = domain.HealthStatusDegraded
		message = "Some rules failed to compile"
		details["failures"] = rs.Failures()
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// GetStats returns pipeline and rule set statistics
func (s *Service) GetStats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"rule_set":            s.current().Stats(),
		"events_seen":         s.eventsSeen.Load(),
		"deletions":           s.deletions.Load(),
		"deletion_failures":   s.deleteFailures.Load(),
		"persist_failures":    s.persistFailures.Load(),
		"scheduled_checks":    s.scheduledChecks.Load(),
		"cached_match_hits":   s.cacheHitsOnMatch.Load(),
		"commit_delay_millis": s.commitDelay.Milliseconds(),
	}
	if s.cache != nil {
		stats["cache"] = s.cache.Stats()
	}
	return stats
}

func storageError(op string, err error) *domain.AppError {
	return domain.NewAppErrorWithCause(domain.ErrStorageFailed, "Failed to "+op, 500, err, nil)
}
