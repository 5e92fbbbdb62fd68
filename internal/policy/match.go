package policy

import (
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PathMatch reports whether p applies to u. An empty path matches every
// request. Otherwise the path is a glob (`*` one segment, `**` any number of
// segments, `?` one character) matched against the URL path only; query and
// fragment are ignored. An invalid pattern never matches.
func PathMatch(p FirewallPolicy, u *url.URL) bool {
	pattern := strings.TrimSpace(p.Path)
	if pattern == "" {
		return true
	}
	return globMatch(pattern, requestPath(u))
}

// ConditionMatch evaluates the policy condition locally. Only the literals
// "true" and "false" are understood; any other expression is left to the
// assessment service.
func ConditionMatch(p FirewallPolicy) ConditionResult {
	cond := strings.ToLower(strings.TrimSpace(p.Condition))
	switch cond {
	case "", "true":
		return ConditionTrue
	case "false":
		return ConditionFalse
	default:
		return ConditionUnknown
	}
}

// MatchPathList reports whether path matches any glob in a semicolon
// delimited list such as "/login;/checkout/**".
func MatchPathList(patterns string, u *url.URL) bool {
	path := requestPath(u)
	for _, pattern := range strings.Split(patterns, ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if globMatch(pattern, path) {
			return true
		}
	}
	return false
}

func globMatch(pattern, path string) bool {
	matched, err := doublestar.Match(pattern, path)
	return err == nil && matched
}

func requestPath(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
