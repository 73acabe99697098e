package policy

import "strings"

// globMatch reports whether value matches pattern, where '*' matches any
// run of characters (including none) and every other character is literal.
// Matching is case-insensitive; '/' has no special meaning.
func globMatch(pattern, value string) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)

	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	// Anchored prefix.
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		value = value[len(parts[0]):]
	}

	// Anchored suffix.
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(value, last) {
			return false
		}
		value = value[:len(value)-len(last)]
	}

	// Middle fragments must appear in order.
	for _, frag := range parts[1 : len(parts)-1] {
		if frag == "" {
			continue
		}
		idx := strings.Index(value, frag)
		if idx < 0 {
			return false
		}
		value = value[idx+len(frag):]
	}
	return true
}

// MatchAction reports whether a normalized incoming action matches a rule's
// action glob. The rule glob is normalized before matching, so authors may
// store any accepted input form.
//
// Matching is bidirectional when the action itself carries a wildcard: a bare
// verb expands to "verb:*" at normalize time and must still match concrete
// rules like "read:file".
func MatchAction(ruleAction, action string) bool {
	rule := Normalize(ruleAction)
	act := Normalize(action)
	if rule == "" {
		return false
	}
	if globMatch(rule, act) {
		return true
	}
	if strings.Contains(act, "*") && globMatch(act, rule) {
		return true
	}
	return false
}

// MatchResource reports whether a resource matches a rule's resource glob.
// An empty rule resource means "*".
func MatchResource(ruleResource, resource string) bool {
	if ruleResource == "" || ruleResource == "*" {
		return true
	}
	return globMatch(ruleResource, resource)
}

// Matches reports whether the rule's action and resource globs both match.
func (r Rule) Matches(action, resource string) bool {
	return MatchAction(r.Action, action) && MatchResource(r.Resource, resource)
}
