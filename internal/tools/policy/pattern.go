package policy

import (
	"regexp"
	"strings"
)

// matcher is a compiled tool-name pattern.
type matcher struct {
	pattern string
	all     bool
	exact   string
	re      *regexp.Regexp
}

// compilePattern compiles "*", an exact name, or an anchored glob where
// "*" expands to ".*". Patterns that cannot be compiled never match.
func compilePattern(raw string) matcher {
	p := NormalizeTool(raw)
	m := matcher{pattern: p}
	switch {
	case p == "":
	case p == "*":
		m.all = true
	case !strings.Contains(p, "*"):
		m.exact = p
	default:
		quoted := regexp.QuoteMeta(p)
		re, err := regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
		if err == nil {
			m.re = re
		}
	}
	return m
}

func (m matcher) match(tool string) bool {
	switch {
	case m.all:
		return true
	case m.exact != "":
		return m.exact == tool
	case m.re != nil:
		return m.re.MatchString(tool)
	default:
		return false
	}
}

func compilePatterns(items []string) []matcher {
	out := make([]matcher, 0, len(items))
	for _, item := range items {
		out = append(out, compilePattern(item))
	}
	return out
}

// firstMatch returns the first pattern matching tool.
func firstMatch(ms []matcher, tool string) (string, bool) {
	for _, m := range ms {
		if m.match(tool) {
			return m.pattern, true
		}
	}
	return "", false
}
