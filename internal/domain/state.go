package domain

import (
	"regexp"
	"slices"
	"time"
)

// StateKey names one top-level key of the persisted layout
type StateKey string

const (
	KeyRules    StateKey = "rules"
	KeyCounters StateKey = "counters"
	KeyLogs     StateKey = "logs"
)

// AllStateKeys lists the persisted keys in canonical order
var AllStateKeys = []StateKey{KeyRules, KeyCounters, KeyLogs}

// DateLayout is the on-disk format of Counters.LastReset
const DateLayout = "2006-01-02"

// LogRetentionWindow is the window used for StateView.Last30Count
const LogRetentionWindow = 30 * 24 * time.Hour

// State is the unit of persistence
type State struct {
	Rules    []Rule     `json:"rules" yaml:"rules"`
	Counters Counters   `json:"counters" yaml:"counters"`
	Logs     []LogEntry `json:"logs" yaml:"logs"`
}

// StatePatch is a partial write; nil fields are left untouched
type StatePatch struct {
	Rules    *[]Rule
	Counters *Counters
	Logs     *[]LogEntry
}

// Keys returns the keys the patch writes
func (p StatePatch) Keys() []StateKey {
	keys := make([]StateKey, 0, 3)
	if p.Rules != nil {
		keys = append(keys, KeyRules)
	}
	if p.Counters != nil {
		keys = append(keys, KeyCounters)
	}
	if p.Logs != nil {
		keys = append(keys, KeyLogs)
	}
	return keys
}

// Empty reports whether the patch writes nothing
func (p StatePatch) Empty() bool {
	return p.Rules == nil && p.Counters == nil && p.Logs == nil
}

// Apply returns a copy of s with the patch applied
func (p StatePatch) Apply(s State) State {
	if p.Rules != nil {
		s.Rules = slices.Clone(*p.Rules)
	}
	if p.Counters != nil {
		s.Counters = *p.Counters
	}
	if p.Logs != nil {
		s.Logs = slices.Clone(*p.Logs)
	}
	return s
}

// StateChange is emitted by StateStore.Watch for every observed write
type StateChange struct {
	Keys []StateKey
}

// Has reports whether key is among the changed keys
func (c StateChange) Has(key StateKey) bool {
	return slices.Contains(c.Keys, key)
}

// StateView is the getState response
type StateView struct {
	State
	Last30Count int `json:"last30Count"`
}

// Today formats now as a date-only string in UTC
func Today(now time.Time) string {
	return now.UTC().Format(DateLayout)
}

// DefaultState returns the documented defaults for absent keys
func DefaultState(now time.Time) State {
	return State{
		Rules:    []Rule{},
		Counters: Counters{DeletedCount: 0, LastReset: Today(now)},
		Logs:     []LogEntry{},
	}
}

var timestampPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`)

// NormalizeCounters migrates a legacy full-timestamp LastReset to a date-only
// string and fills an empty one with today. It reports whether anything changed.
func NormalizeCounters(c Counters, now time.Time) (Counters, bool) {
	changed := false
	switch {
	case c.LastReset == "":
		c.LastReset = Today(now)
		changed = true
	case timestampPrefix.MatchString(c.LastReset):
		if ts, err := time.Parse(time.RFC3339Nano, c.LastReset); err == nil {
			c.LastReset = ts.UTC().Format(DateLayout)
		} else {
			c.LastReset = c.LastReset[:len(DateLayout)]
		}
		changed = true
	}
	if c.DeletedCount < 0 {
		c.DeletedCount = 0
		changed = true
	}
	return c, changed
}

// CountSince counts log entries with ts in [now-window, now]
func CountSince(logs []LogEntry, now time.Time, window time.Duration) int {
	upper := now.UnixMilli()
	lower := now.Add(-window).UnixMilli()
	count := 0
	for _, e := range logs {
		if e.TS >= lower && e.TS <= upper {
			count++
		}
	}
	return count
}
