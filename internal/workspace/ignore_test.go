package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		if len(m.patterns) != 1 {
			t.Fatalf("expected 1 pattern, got %d", len(m.patterns))
		}
		if m.patterns[0].pattern != "*.log" {
			t.Errorf("expected *.log, got %s", m.patterns[0].pattern)
		}
	})

	t.Run("trailing slash names a directory", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"coverage/"})
		if m.patterns[0].matchPath {
			t.Error("coverage/ should match as a segment")
		}
		if !m.Match("coverage/lcov.info") {
			t.Error("coverage/ should hide files beneath it")
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		rel      string
		want     bool
	}{
		{name: "segment hides nested tree", patterns: []string{"node_modules"}, rel: "node_modules/react/index.js", want: true},
		{name: "segment hides deep tree", patterns: []string{"node_modules"}, rel: "packages/ui/node_modules/x.js", want: true},
		{name: "segment does not match substring", patterns: []string{"node_modules"}, rel: "src/node_modules_shim.js", want: false},
		{name: "basename glob", patterns: []string{"*.log"}, rel: "logs/app.log", want: true},
		{name: "basename glob other extension", patterns: []string{"*.log"}, rel: "app.txt", want: false},
		{name: "path pattern exact", patterns: []string{"build/output"}, rel: "build/output", want: true},
		{name: "path pattern wrong dir", patterns: []string{"build/output"}, rel: "src/output", want: false},
		{name: "path pattern glob", patterns: []string{"public/*.map"}, rel: "public/app.js.map", want: true},
		{name: "no patterns", patterns: nil, rel: "anything.txt", want: false},
		{name: "empty path", patterns: []string{"*"}, rel: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewIgnoreMatcher(tt.patterns).Match(tt.rel); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.rel, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_DefaultsAndWith(t *testing.T) {
	m := NewIgnoreMatcher(DefaultIgnorePatterns)
	for _, rel := range []string{".git/HEAD", "dist/index.js", "app/__pycache__/m.pyc", IgnoreFile} {
		if !m.Match(rel) {
			t.Errorf("default Match(%q) = false, want true", rel)
		}
	}
	if m.Match("src/App.jsx") {
		t.Error("default Match(src/App.jsx) = true, want false")
	}

	extended := m.With([]string{"*.bak"})
	if !extended.Match("a.bak") || !extended.Match(".git/config") {
		t.Error("With() lost patterns")
	}
	if m.Match("a.bak") {
		t.Error("With() modified the receiver")
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("reads patterns from file", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, IgnoreFile)
		if err := os.WriteFile(p, []byte("*.log\n# comment\n\n*.tmp\n"), 0644); err != nil {
			t.Fatal(err)
		}

		patterns, err := ParseIgnoreFile(p)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(patterns) != 4 {
			t.Fatalf("expected 4 raw lines, got %d", len(patterns))
		}
		if n := len(NewIgnoreMatcher(patterns).patterns); n != 2 {
			t.Errorf("expected 2 parsed patterns, got %d", n)
		}
	})

	t.Run("returns nil for missing file", func(t *testing.T) {
		patterns, err := ParseIgnoreFile("/nonexistent/" + IgnoreFile)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if patterns != nil {
			t.Errorf("expected nil patterns, got %v", patterns)
		}
	})
}
