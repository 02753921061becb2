package remediation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"keel-go/internal/classify"
	"keel-go/internal/fixes"
	"keel-go/internal/keel"
)

const (
	// maxConfigBytes bounds config files included in the repair context.
	maxConfigBytes = 4 << 10

	// maxFileLines is the size above which files are windowed.
	maxFileLines = 200

	// windowLines is the half-width of the window around an error line.
	windowLines = 40

	maxContextFiles = 8
)

var configFiles = []string{
	"package.json",
	"vite.config.js",
	"vite.config.ts",
	"tsconfig.json",
	"tailwind.config.js",
	"postcss.config.js",
	"requirements.txt",
	"pyproject.toml",
}

// RepairContext is the bounded view of a project handed to the model.
type RepairContext struct {
	ErrorText string
	Files     []string
	Text      string
}

// BuildContext gathers referenced files and small config files. Files
// longer than maxFileLines are windowed around the first error line.
func BuildContext(ctx context.Context, t fixes.Target, errText string) (*RepairContext, error) {
	all, err := t.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing project files: %w", err)
	}
	known := make(map[string]bool, len(all))
	for _, f := range all {
		known[f] = true
	}

	var b strings.Builder
	rc := &RepairContext{ErrorText: errText}

	fmt.Fprintf(&b, "## Error\n\n```\n%s\n```\n", strings.TrimSpace(errText))

	lines := make(map[string]int)
	var order []string
	for _, ref := range classify.FileRefs(errText) {
		if !known[ref.Path] {
			continue
		}
		if _, seen := lines[ref.Path]; !seen {
			order = append(order, ref.Path)
			lines[ref.Path] = ref.Line
		} else if lines[ref.Path] == 0 {
			lines[ref.Path] = ref.Line
		}
	}
	if len(order) > maxContextFiles {
		order = order[:maxContextFiles]
	}

	for _, p := range order {
		data, err := t.Read(ctx, p)
		if errors.Is(err, keel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		rc.Files = append(rc.Files, p)
		writeFile(&b, p, window(string(data), lines[p]))
	}

	for _, name := range configFiles {
		if !known[name] || contains(rc.Files, name) {
			continue
		}
		data, err := t.Read(ctx, name)
		if err != nil || len(data) > maxConfigBytes {
			continue
		}
		rc.Files = append(rc.Files, name)
		writeFile(&b, name, string(data))
	}

	rc.Text = b.String()
	return rc, nil
}

func writeFile(b *strings.Builder, p, content string) {
	lang := strings.TrimPrefix(path.Ext(p), ".")
	fmt.Fprintf(b, "\n## %s\n\n```%s\n%s\n```\n", p, lang, strings.TrimRight(content, "\n"))
}

// window returns content unchanged when short, otherwise the lines within
// windowLines of line (1-based) prefixed with their numbers. With no
// known line it keeps the head of the file.
func window(content string, line int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= maxFileLines {
		return content
	}

	start, end := 0, 2*windowLines
	if line > 0 {
		start = line - 1 - windowLines
		end = line + windowLines
	}
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	if start > 0 {
		fmt.Fprintf(&b, "... (%d lines omitted)\n", start)
	}
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "... (%d lines omitted)", len(lines)-end)
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
