package sanitizer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// OnVisited runs the deletion pipeline for a history visit event
func (s *Service) OnVisited(ctx context.Context, url string) domain.Outcome {
	return s.process(ctx, url, domain.SourceVisited)
}

// OnNavigationCommitted schedules a delayed pipeline run for a top-frame
// navigation. It reports whether a check was scheduled. The check cannot
// be cancelled once scheduled.
func (s *Service) OnNavigationCommitted(url string, frameID int) bool {
	if frameID != 0 || url == "" {
		return false
	}

	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return false
	}
	s.pending.Add(1)
	s.lifecycleMu.Unlock()

	s.scheduledChecks.Add(1)
	time.AfterFunc(s.commitDelay, func() {
		defer s.pending.Done()
		s.process(context.Background(), url, domain.SourceCommitted)
	})
	return true
}

// process is the deletion pipeline: match, delete, then count and log
// in a single write.
func (s *Service) process(ctx context.Context, url, source string) domain.Outcome {
	if url == "" {
		return domain.Outcome{}
	}
	rs := s.current()
	if rs.Len() == 0 {
		return domain.Outcome{}
	}
	s.eventsSeen.Add(1)

	verdict, ok := s.lookup(url, rs.Version())
	if !ok {
		cr, matched := rs.Match(url)
		verdict = domain.Outcome{Matched: matched}
		if matched {
			verdict.RuleID = cr.Rule.ID
		}
		s.remember(url, verdict, rs.Version())
	} else if verdict.Matched {
		s.cacheHitsOnMatch.Add(1)
	}

	if !verdict.Matched {
		return verdict
	}

	if err := s.history.DeleteURL(ctx, url); err != nil {
		s.deleteFailures.Add(1)
		log.Error().Err(err).Str("url", url).Str("source", source).Msg("History deletion failed")
		return verdict
	}
	verdict.Deleted = true
	s.deletions.Add(1)

	if err := s.recordDeletion(ctx, url, source); err != nil {
		s.persistFailures.Add(1)
		log.Error().Err(err).Str("url", url).Str("source", source).Msg("Failed to record deletion")
		return verdict
	}

	log.Info().Str("url", url).Str("source", source).Str("rule_id", verdict.RuleID).Msg("Deleted history entry")
	return verdict
}

// recordDeletion increments the counter and appends a log entry, persisting
// both in one write.
func (s *Service) recordDeletion(ctx context.Context, url, source string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	state, err := s.store.Get(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	counters, _ := domain.NormalizeCounters(state.Counters, now)
	counters.DeletedCount++
	logs := append(state.Logs, domain.LogEntry{URL: url, Source: source, TS: now.UnixMilli()})

	return s.store.Set(ctx, domain.StatePatch{Counters: &counters, Logs: &logs})
}

// lookup consults the verdict cache for the given snapshot version
func (s *Service) lookup(url string, version uint64) (domain.Outcome, bool) {
	if s.cache == nil {
		return domain.Outcome{}, false
	}
	s.rsMu.RLock()
	defer s.rsMu.RUnlock()
	if s.ruleSet.Version() != version {
		return domain.Outcome{}, false
	}
	return s.cache.Get(url)
}

// remember stores a verdict unless the snapshot it came from was replaced
func (s *Service) remember(url string, verdict domain.Outcome, version uint64) {
	if s.cache == nil {
		return
	}
	s.rsMu.RLock()
	defer s.rsMu.RUnlock()
	if s.ruleSet.Version() == version {
		s.cache.Set(url, verdict)
	}
}
