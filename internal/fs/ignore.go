package fs

import (
	"path"
	"strings"
)

// Matcher decides whether an entry is left out of a backup. rel is the
// slash-separated path relative to the source root.
type Matcher interface {
	Match(rel string, isDir bool) bool
}

// MatchNothing is the matcher for procedures without ignore rules.
type MatchNothing struct{}

func (MatchNothing) Match(string, bool) bool { return false }

// ignorePattern is a parsed keyword with its matching strategy.
type ignorePattern struct {
	pattern   string
	glob      bool // contains glob metacharacters
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher applies user keywords. A keyword with glob metacharacters is
// a glob: without '/' it matches the basename, with '/' the whole relative
// path. Any other keyword matches when it is a substring of the relative path.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw keywords.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(keywords []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range keywords {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   strings.TrimSuffix(raw, "/"),
			glob:      strings.ContainsAny(raw, "*?["),
			matchPath: strings.Contains(strings.TrimSuffix(raw, "/"), "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether rel should be ignored.
func (m *IgnoreMatcher) Match(rel string, _ bool) bool {
	if len(m.patterns) == 0 {
		return false
	}

	base := path.Base(rel)
	for _, p := range m.patterns {
		if !p.glob {
			if strings.Contains(rel, p.pattern) {
				return true
			}
			continue
		}

		target := base
		if p.matchPath {
			target = rel
		}
		matched, err := path.Match(p.pattern, target)
		if err != nil {
			// Malformed pattern.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
