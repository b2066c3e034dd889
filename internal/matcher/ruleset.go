package matcher

import (
	"regexp"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// CompiledRule pairs a persisted rule with its matcher
type CompiledRule struct {
	Rule    domain.Rule
	Index   int // position in the persisted rule list at build time
	Matcher *regexp.Regexp
}

// CompileError records a rule that was excluded because it could not compile
type CompileError struct {
	Index   int    `json:"index"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// RuleSet is an immutable, versioned snapshot of the active matchers.
// It is never patched; every rule-list change builds a new one.
type RuleSet struct {
	version  uint64
	rules    []CompiledRule
	disabled int
	inert    int
	failures []CompileError
	builtAt  time.Time
}

// Rebuild compiles every enabled rule in persisted order. Disabled rules and
// rules whose pattern is empty are skipped; rules that fail to compile are
// logged and skipped without affecting the rest.
func Rebuild(rules []domain.Rule, version uint64) *RuleSet {
	rs := &RuleSet{
		version: version,
		rules:   make([]CompiledRule, 0, len(rules)),
		builtAt: time.Now(),
	}

	for i, rule := range rules {
		if !rule.Enabled {
			rs.disabled++
			continue
		}

		compiled, err := Compile(rule.Pattern, rule.Type)
		if err != nil {
			log.Warn().
				Err(err).
				Int("rule_index", i).
				Str("pattern", rule.Pattern).
				Str("type", string(rule.Type)).
				Msg("Excluding rule that failed to compile")
			rs.failures = append(rs.failures, CompileError{Index: i, Pattern: rule.Pattern, Reason: err.Error()})
			continue
		}
		if compiled == nil {
			rs.inert++
			continue
		}

		rs.rules = append(rs.rules, CompiledRule{Rule: rule, Index: i, Matcher: compiled})
	}

	return rs
}

// Version returns the rebuild generation this snapshot belongs to
func (rs *RuleSet) Version() uint64 {
	if rs == nil {
		return 0
	}
	return rs.version
}

// Len returns the number of active matchers
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rules returns the active compiled rules in persisted order
func (rs *RuleSet) Rules() []CompiledRule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Failures returns the rules excluded because they failed to compile
func (rs *RuleSet) Failures() []CompileError {
	if rs == nil {
		return nil
	}
	return slices.Clone(rs.failures)
}

// Stats returns snapshot statistics
func (rs *RuleSet) Stats() map[string]any {
	if rs == nil {
		return map[string]any{"version": 0, "active_rules": 0}
	}

	typeCount := make(map[string]int)
	for _, cr := range rs.rules {
		typeCount[string(cr.Rule.Type)]++
	}

	return map[string]any{
		"version":        rs.version,
		"active_rules":   len(rs.rules),
		"disabled_rules": rs.disabled,
		"inert_rules":    rs.inert,
		"failed_rules":   len(rs.failures),
		"rule_types":     typeCount,
		"built_at":       rs.builtAt,
	}
}
