package keel

import (
	"fmt"
	"path"
	"strings"
)

// ValidatePath checks a project-relative path and returns its normalized form.
// Absolute paths, drive-letter paths, ".." segments and NUL bytes are rejected.
// Backslashes are treated as separators.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}

	normalized := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}
	if len(normalized) >= 2 && normalized[1] == ':' {
		return "", fmt.Errorf("%w: drive path %q", ErrInvalidPath, p)
	}

	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent segment in %q", ErrInvalidPath, p)
		}
	}

	cleaned := path.Clean(normalized)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: %q names the project root", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// ValidateDir is like ValidatePath but accepts "" and "." as the project root.
func ValidateDir(dir string) (string, error) {
	if dir == "" || dir == "." || dir == "/" {
		return "", nil
	}
	return ValidatePath(strings.TrimSuffix(dir, "/"))
}
