package modality

import (
	"path"
	"strings"
)

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// ExcludeMatcher checks site paths against the exclude patterns of a
// modality. Patterns without '/' match the basename only; patterns with
// '/' match the full relative path. Matching is case-insensitive.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates a matcher from raw pattern strings.
// Blank entries and entries starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   strings.ToLower(raw),
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether rel, a '/'-separated relative path, is excluded.
func (m *ExcludeMatcher) Match(rel string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}

	normalized := strings.ToLower(strings.ReplaceAll(rel, "\\", "/"))
	basename := path.Base(normalized)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, normalized)
		} else {
			matched, err = path.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip rather than fail the scan.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
