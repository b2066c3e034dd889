package matcher

// Matches reports whether any compiled rule fires for url
func Matches(url string, rules []CompiledRule) bool {
	_, ok := FirstMatch(url, rules)
	return ok
}

// FirstMatch returns the first rule, in persisted order, whose matcher fires
func FirstMatch(url string, rules []CompiledRule) (CompiledRule, bool) {
	for _, cr := range rules {
		if cr.Matcher != nil && cr.Matcher.MatchString(url) {
			return cr, true
		}
	}
	return CompiledRule{}, false
}

// Match runs the engine against this snapshot
func (rs *RuleSet) Match(url string) (CompiledRule, bool) {
	return FirstMatch(url, rs.Rules())
}
