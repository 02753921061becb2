package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// IgnoreFile names the per-workspace pattern file.
const IgnoreFile = ".keelignore"

// DefaultIgnorePatterns hide dependency trees, build output and VCS state
// from file listings and counts.
var DefaultIgnorePatterns = []string{
	"node_modules",
	".git",
	"dist",
	"build",
	"__pycache__",
	".venv",
	".DS_Store",
	IgnoreFile,
}

type ignorePattern struct {
	pattern   string
	matchPath bool // match the whole relative path rather than a single segment
}

// IgnoreMatcher checks project-relative paths against ignore patterns.
// Patterns without '/' match any single path segment, so "node_modules"
// hides everything beneath such a directory. Patterns with '/' match the
// full relative path.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// With returns a matcher holding m's patterns plus extra.
func (m *IgnoreMatcher) With(extra []string) *IgnoreMatcher {
	n := NewIgnoreMatcher(extra)
	n.patterns = append(append([]ignorePattern(nil), m.patterns...), n.patterns...)
	return n
}

// Match reports whether a slash-separated relative path is ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	if m == nil || len(m.patterns) == 0 || rel == "" {
		return false
	}

	segments := strings.Split(rel, "/")
	for _, p := range m.patterns {
		if p.matchPath {
			if ok, err := path.Match(p.pattern, rel); err == nil && ok {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if ok, err := path.Match(p.pattern, seg); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ParseIgnoreFile reads raw pattern lines from file.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	return parseIgnoreLines(bufio.NewScanner(f))
}

func parseIgnoreLines(scanner *bufio.Scanner) ([]string, error) {
	var patterns []string
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
