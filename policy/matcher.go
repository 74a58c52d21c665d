package policy

import "strings"

// match reports whether r matches target, a request path plus query.
func (r *rule) match(target string) bool {
	switch r.kind {
	case kindExact:
		return target == r.pattern
	case kindPrefix:
		return strings.HasPrefix(target, r.pattern)
	case kindContains:
		return strings.Contains(target, r.pattern)
	case kindRegex:
		return r.re.MatchString(target)
	case kindAny:
		return true
	}
	return false
}
