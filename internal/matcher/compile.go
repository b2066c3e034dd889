package matcher

import (
	"regexp"
	"strings"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// escapedStar is what regexp.QuoteMeta turns a literal * into
const escapedStar = `\*`

// Compile turns a rule pattern into a case-insensitive matcher.
//
// User text is always escaped. The only syntax reintroduced afterwards is *
// in domain patterns, which becomes "any substring". Domain matchers are
// anchored to an http(s) scheme, accept any number of leading subdomain
// labels and must end at a path separator or the end of the URL.
//
// An empty (after trimming) pattern yields a nil matcher and no error.
func Compile(pattern string, ruleType domain.RuleType) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}

	escaped := regexp.QuoteMeta(pattern)

	var expr string
	switch ruleType {
	case domain.RuleTypeDomain:
		escaped = strings.ReplaceAll(escaped, escapedStar, ".*")
		expr = `(?i)^https?://(?:[^/]*\.)?` + escaped + `(?:/|$)`
	default:
		expr = `(?i)` + escaped
	}

	return regexp.Compile(expr)
}
