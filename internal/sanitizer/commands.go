package sanitizer

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// GetState returns the persisted state plus the number of deletions logged
// in the last 30 days. A legacy lastReset timestamp is migrated in place.
func (s *Service) GetState(ctx context.Context) (domain.StateView, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	state, err := s.loadLocked(ctx)
	if err != nil {
		return domain.StateView{}, err
	}

	return domain.StateView{
		State:       state,
		Last30Count: domain.CountSince(state.Logs, s.now(), domain.LogRetentionWindow),
	}, nil
}

// ExportState returns the full persisted state
func (s *Service) ExportState(ctx context.Context) (domain.State, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.loadLocked(ctx)
}

// loadLocked reads state and writes back normalized counters when needed.
// Caller must hold writeMu.
func (s *Service) loadLocked(ctx context.Context) (domain.State, error) {
	state, err := s.store.Get(ctx)
	if err != nil {
		return domain.State{}, storageError("read state", err)
	}

	counters, changed := domain.NormalizeCounters(state.Counters, s.now())
	if changed {
		state.Counters = counters
		if err := s.store.Set(ctx, domain.StatePatch{Counters: &counters}); err != nil {
			// Still serve the corrected value; the next read retries the write
			log.Warn().Err(err).Msg("Failed to persist migrated counters")
		} else {
			log.Info().Str("last_reset", counters.LastReset).Msg("Migrated legacy counters")
		}
	}
	return state, nil
}

// AddRule appends an enabled rule. An empty pattern is ignored and any
// match type other than "domain" is stored as keyword.
func (s *Service) AddRule(ctx context.Context, pattern, matchType string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	return s.appendRule(ctx, domain.NewRule(pattern, domain.ParseRuleType(matchType)))
}

// AddPageRule appends a rule derived from a page URL: its hostname without
// a leading "www." for domain rules, the full URL for keyword rules.
func (s *Service) AddPageRule(ctx context.Context, pageURL string, kind domain.RuleType) error {
	if strings.TrimSpace(pageURL) == "" {
		return nil
	}
	if err := s.validator.ValidatePageURL(pageURL); err != nil {
		return err
	}

	pattern := pageURL
	if kind == domain.RuleTypeDomain {
		u, err := url.Parse(pageURL)
		if err != nil {
			return domain.NewAppErrorWithCause(domain.ErrValidationFailed, "Invalid page URL", 422, err, nil)
		}
		pattern = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	} else {
		kind = domain.RuleTypeKeyword
	}

	return s.appendRule(ctx, domain.NewRule(pattern, kind))
}

func (s *Service) appendRule(ctx context.Context, rule domain.Rule) error {
	return s.mutateRules(ctx, "add rule", func(rules []domain.Rule) ([]domain.Rule, bool) {
		return append(rules, rule), true
	})
}

// RemoveRule deletes the rule at index; later rules shift down by one.
// An out of range index is ignored.
func (s *Service) RemoveRule(ctx context.Context, index int) error {
	return s.mutateRules(ctx, "remove rule", func(rules []domain.Rule) ([]domain.Rule, bool) {
		if index < 0 || index >= len(rules) {
			return rules, false
		}
		return slices.Delete(rules, index, index+1), true
	})
}

// ToggleRule flips the enabled flag of the rule at index.
// An out of range index is ignored.
func (s *Service) ToggleRule(ctx context.Context, index int) error {
	return s.mutateRules(ctx, "toggle rule", func(rules []domain.Rule) ([]domain.Rule, bool) {
		if index < 0 || index >= len(rules) {
			return rules, false
		}
		rules[index].Enabled = !rules[index].Enabled
		return rules, true
	})
}

// mutateRules applies fn to the persisted rules, writes them back and
// rebuilds the active rule set.
func (s *Service) mutateRules(ctx context.Context, op string, fn func([]domain.Rule) ([]domain.Rule, bool)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	state, err := s.store.Get(ctx)
	if err != nil {
		return storageError(op, err)
	}

	current := slices.Clone(state.Rules)
	assigned := domain.AssignMissingIDs(current)
	rules, changed := fn(current)
	if !changed {
		if !assigned {
			return nil
		}
		rules = current
	}

	if err := s.store.Set(ctx, domain.StatePatch{Rules: &rules}); err != nil {
		return storageError(op, err)
	}
	s.rebuildLocked(rules)

	log.Info().Str("op", op).Int("rules", len(rules)).Msg("Rules updated")
	return nil
}

// ResetCounter zeroes the deletion count and stamps today's date
func (s *Service) ResetCounter(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	counters := domain.Counters{DeletedCount: 0, LastReset: domain.Today(s.now())}
	if err := s.store.Set(ctx, domain.StatePatch{Counters: &counters}); err != nil {
		return storageError("reset counter", err)
	}
	return nil
}

// ClearLogs empties the deletion log
func (s *Service) ClearLogs(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	logs := []domain.LogEntry{}
	if err := s.store.Set(ctx, domain.StatePatch{Logs: &logs}); err != nil {
		return storageError("clear logs", err)
	}
	return nil
}
