package watcher

import "path/filepath"

// Matcher decides whether a file name passes a directory's filters. The
// zero value matches every name.
type Matcher struct {
	patterns []string
}

// NewMatcher returns a Matcher for the given glob patterns. Patterns are
// matched against the base name only. "*" and "*.*" match every name.
func NewMatcher(patterns []string) Matcher {
	var m Matcher
	for _, p := range patterns {
		if p == "*" || p == "*.*" {
			return Matcher{}
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Match reports whether name (a base name or a full path) passes the filter.
func (m Matcher) Match(name string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	base := filepath.Base(name)
	for _, p := range m.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
