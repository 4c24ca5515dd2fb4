package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// CompileGlob turns a '/'-separated glob into a case-insensitive matcher.
// "*" matches within one path segment, "?" one character, and "**/" zero or
// more whole directories.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}
	return re, nil
}

// Glob walks p and passes pages of the objects whose key, relative to p,
// matches pattern. Pages hold at most pageSize entries and may be empty.
func (p Path) Glob(ctx context.Context, pattern string, pageSize int, fn func([]FileInfo) error) error {
	re, err := CompileGlob(pattern)
	if err != nil {
		return err
	}
	return p.Walk(ctx, pageSize, func(page []FileInfo) error {
		matched := make([]FileInfo, 0, len(page))
		for _, fi := range page {
			if re.MatchString(fi.Key) {
				matched = append(matched, fi)
			}
		}
		return fn(matched)
	})
}
