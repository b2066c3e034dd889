package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RuleType selects how a rule pattern is matched against a URL
type RuleType string

const (
	// RuleTypeDomain matches scheme + host, with optional subdomains and * globs
	RuleTypeDomain RuleType = "domain"
	// RuleTypeKeyword matches a case-insensitive substring anywhere in the URL
	RuleTypeKeyword RuleType = "keyword"
)

// ParseRuleType coerces any value other than "domain" to keyword
func ParseRuleType(s string) RuleType {
	if strings.TrimSpace(s) == string(RuleTypeDomain) {
		return RuleTypeDomain
	}
	return RuleTypeKeyword
}

// Rule is a user-defined purge rule. Its position in the persisted list is
// the identity used by the command API; ID only exists to make log output
// and concurrent edits easier to follow.
type Rule struct {
	ID      string   `json:"id,omitempty" yaml:"id,omitempty"`
	Pattern string   `json:"pattern" yaml:"pattern"`
	Type    RuleType `json:"type" yaml:"type"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

// NewRule creates an enabled rule with a fresh ID
func NewRule(pattern string, ruleType RuleType) Rule {
	return Rule{
		ID:      uuid.New().String(),
		Pattern: pattern,
		Type:    ruleType,
		Enabled: true,
	}
}

// ruleFields mirrors Rule without its methods so decoding does not recurse
type ruleFields struct {
	ID      string   `json:"id,omitempty" yaml:"id,omitempty"`
	Pattern string   `json:"pattern" yaml:"pattern"`
	Type    RuleType `json:"type" yaml:"type"`
	Enabled *bool    `json:"enabled" yaml:"enabled"`
}

func (f ruleFields) toRule() Rule {
	r := Rule{ID: f.ID, Pattern: f.Pattern, Type: f.Type, Enabled: true}
	if f.Enabled != nil {
		r.Enabled = *f.Enabled
	}
	return r
}

// AssignMissingIDs gives every rule without an ID a fresh one, in place.
// It reports whether any rule changed so the caller can persist the IDs.
func AssignMissingIDs(rules []Rule) bool {
	assigned := false
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = uuid.New().String()
			assigned = true
		}
	}
	return assigned
}

// UnmarshalJSON treats a missing "enabled" field as enabled
func (r *Rule) UnmarshalJSON(data []byte) error {
	var f ruleFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = f.toRule()
	return nil
}

// UnmarshalYAML treats a missing "enabled" field as enabled
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var f ruleFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*r = f.toRule()
	return nil
}

// Counters holds the aggregate deletion count and the date it was last reset
type Counters struct {
	DeletedCount int    `json:"deletedCount" yaml:"deletedCount"`
	LastReset    string `json:"lastReset" yaml:"lastReset"` // YYYY-MM-DD
}

// LogEntry is one audit record of a performed deletion
type LogEntry struct {
	URL    string `json:"url" yaml:"url"`
	Source string `json:"source" yaml:"source"`
	TS     int64  `json:"ts" yaml:"ts"` // epoch millis
}

// Event sources recorded in LogEntry.Source
const (
	SourceVisited   = "history.onVisited"
	SourceCommitted = "webNavigation.onCommitted"
)

// Outcome reports what the deletion pipeline did with one observed URL
type Outcome struct {
	Matched bool   `json:"matched"`
	Deleted bool   `json:"deleted"`
	RuleID  string `json:"ruleId,omitempty"`
}

// CacheStats represents verdict cache metrics
type CacheStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Size     int     `json:"size"`
	MaxSize  int     `json:"max_size"`
	HitRatio float64 `json:"hit_ratio"`
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "unhealthy", "degraded"
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusDegraded  = "degraded"
)

// SystemHealth represents overall system health
type SystemHealth struct {
	Status     string                  `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Components map[string]HealthStatus `json:"components"`
	Metrics    map[string]any          `json:"metrics,omitempty"`
	Uptime     time.Duration           `json:"uptime"`
}
