package fsroot

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// TempPattern is always excluded; in-flight writes use this suffix.
const TempPattern = "*.tmp"

type pattern struct {
	source   string
	fullPath bool
	match    glob.Glob
}

// Matcher decides which relative paths are left out of scans and syncs.
// Patterns without a '/' match the base name at any depth; others match the
// whole forward-slash relative path.
type Matcher struct {
	patterns []pattern
}

// NewMatcher compiles patterns. TempPattern is always included.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	seen := make(map[string]struct{})
	for _, raw := range append([]string{TempPattern}, patterns...) {
		source := strings.TrimSpace(raw)
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}

		full := strings.Contains(source, "/")
		g, err := glob.Compile(strings.TrimPrefix(source, "/"), '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", source, err)
		}
		m.patterns = append(m.patterns, pattern{source: source, fullPath: full, match: g})
	}
	return m, nil
}

// Match reports whether rel is excluded.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return strings.HasSuffix(rel, ".tmp")
	}
	base := path.Base(rel)
	for _, p := range m.patterns {
		if p.fullPath {
			if p.match.Match(rel) {
				return true
			}
			continue
		}
		if p.match.Match(base) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern sources.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return []string{TempPattern}
	}
	out := make([]string, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p.source)
	}
	return out
}
