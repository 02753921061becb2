package remediation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"keel-go/internal/fixes"
	"keel-go/internal/keel"
)

const (
	ToolCreateFile    = "create_file"
	ToolStrReplace    = "str_replace"
	ToolViewFile      = "view_file"
	ToolListDirectory = "list_directory"
)

// RepairTools is the tool surface offered to the model.
var RepairTools = []ToolSpec{
	{
		Name:        ToolCreateFile,
		Description: "Create or overwrite a project file with the given content.",
		Properties: map[string]any{
			"path":    map[string]any{"type": "string", "description": "Project-relative file path"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		Required: []string{"path", "content"},
	},
	{
		Name:        ToolStrReplace,
		Description: "Replace one exact occurrence of old_string with new_string in a file. old_string must match exactly once.",
		Properties: map[string]any{
			"path":       map[string]any{"type": "string", "description": "Project-relative file path"},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_string": map[string]any{"type": "string", "description": "Replacement text"},
		},
		Required: []string{"path", "old_string", "new_string"},
	},
	{
		Name:        ToolViewFile,
		Description: "Return the content of a project file.",
		Properties: map[string]any{
			"path": map[string]any{"type": "string", "description": "Project-relative file path"},
		},
		Required: []string{"path"},
	},
	{
		Name:        ToolListDirectory,
		Description: "List project files under a directory. Use \"\" or \".\" for the project root.",
		Properties: map[string]any{
			"path": map[string]any{"type": "string", "description": "Project-relative directory"},
		},
		Required: []string{},
	},
}

// Toolbox executes repair tools against a Target and records writes.
type Toolbox struct {
	target  fixes.Target
	written []string
}

func NewToolbox(t fixes.Target) *Toolbox {
	return &Toolbox{target: t}
}

// Written returns the paths written so far, in first-write order.
func (tb *Toolbox) Written() []string {
	return append([]string(nil), tb.written...)
}

// Execute runs one call. Problems the model can correct come back as an
// error result; the returned error is reserved for storage failures.
func (tb *Toolbox) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	res := ToolResult{CallID: call.ID, Name: call.Name}

	content, err := tb.execute(ctx, call)
	var te *toolError
	switch {
	case errors.As(err, &te):
		res.Content = te.msg
		res.IsError = true
		return res, nil
	case err != nil:
		res.Content = err.Error()
		res.IsError = true
		return res, err
	}
	res.Content = content
	return res, nil
}

// toolError is a failure reported back to the model.
type toolError struct{ msg string }

func (e *toolError) Error() string { return e.msg }

func toolErrorf(format string, args ...any) error {
	return &toolError{msg: fmt.Sprintf(format, args...)}
}

func (tb *Toolbox) execute(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case ToolCreateFile:
		p, err := pathArg(call, true)
		if err != nil {
			return "", err
		}
		content, ok := call.Input["content"].(string)
		if !ok {
			return "", toolErrorf("content must be a string")
		}
		if err := tb.write(ctx, p, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %s (%d bytes)", p, len(content)), nil

	case ToolStrReplace:
		p, err := pathArg(call, true)
		if err != nil {
			return "", err
		}
		oldStr, _ := call.Input["old_string"].(string)
		newStr, _ := call.Input["new_string"].(string)
		if oldStr == "" {
			return "", toolErrorf("old_string must not be empty")
		}
		data, err := tb.read(ctx, p)
		if err != nil {
			return "", err
		}
		switch n := strings.Count(string(data), oldStr); n {
		case 0:
			return "", toolErrorf("old_string not found in %s", p)
		case 1:
		default:
			return "", toolErrorf("old_string matches %d times in %s; include more surrounding context", n, p)
		}
		if err := tb.write(ctx, p, strings.Replace(string(data), oldStr, newStr, 1)); err != nil {
			return "", err
		}
		return fmt.Sprintf("replaced 1 occurrence in %s", p), nil

	case ToolViewFile:
		p, err := pathArg(call, true)
		if err != nil {
			return "", err
		}
		data, err := tb.read(ctx, p)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case ToolListDirectory:
		dir, err := pathArg(call, false)
		if err != nil {
			return "", err
		}
		return tb.list(ctx, dir)

	default:
		return "", toolErrorf("unknown tool %q", call.Name)
	}
}

func pathArg(call ToolCall, required bool) (string, error) {
	raw, _ := call.Input["path"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "." || raw == "./" {
		if required {
			return "", toolErrorf("path is required")
		}
		return "", nil
	}
	clean, err := keel.ValidatePath(strings.TrimPrefix(raw, "./"))
	if err != nil {
		return "", toolErrorf("invalid path %q: %v", raw, err)
	}
	return clean, nil
}

func (tb *Toolbox) read(ctx context.Context, p string) ([]byte, error) {
	data, err := tb.target.Read(ctx, p)
	if errors.Is(err, keel.ErrNotFound) {
		return nil, toolErrorf("file %s does not exist", p)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (tb *Toolbox) write(ctx context.Context, p, content string) error {
	if err := tb.target.Write(ctx, p, []byte(content)); err != nil {
		if errors.Is(err, keel.ErrInvalidPath) {
			return toolErrorf("invalid path %q", p)
		}
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if !contains(tb.written, p) {
		tb.written = append(tb.written, p)
	}
	return nil
}

func (tb *Toolbox) list(ctx context.Context, dir string) (string, error) {
	files, err := tb.target.Files(ctx)
	if err != nil {
		return "", fmt.Errorf("listing files: %w", err)
	}

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	entries := make(map[string]bool)
	for _, f := range files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := strings.TrimPrefix(f, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			entries[rest[:i+1]] = true
		} else {
			entries[rest] = true
		}
	}
	if len(entries) == 0 {
		return "", toolErrorf("directory %q is empty or does not exist", dir)
	}

	names := make([]string, 0, len(entries))
	for e := range entries {
		names = append(names, e)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
