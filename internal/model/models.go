package model

import (
	"database/sql"
	"path"
	"strings"
	"time"
)

// GenerationStatus is the lifecycle state of a project file.
type GenerationStatus string

const (
	StatusPlanned    GenerationStatus = "planned"
	StatusGenerating GenerationStatus = "generating"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
	StatusSkipped    GenerationStatus = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s GenerationStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusGenerating, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// FileRecord is one row of the metadata index: a file or folder in a project.
// A non-folder record with Status == StatusCompleted always carries a StorageKey
// pointing at a verified object.
type FileRecord struct {
	ID          string
	ProjectID   string
	Path        string // project-relative, forward slashes
	Name        string // basename of Path
	IsFolder    bool
	ContentHash string // hex SHA-256, empty until completed
	SizeBytes   int64
	StorageKey  sql.NullString // null for folders and unwritten files
	Language    string
	Status      GenerationStatus
	ParentPath  string // "" for top-level entries
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Operation tracks a CLI operation that mutated the metadata index.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
}

// ParentPath returns the project-relative parent of p, or "" at the root.
func ParentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// AncestorPaths returns every ancestor folder of p, outermost first.
// For "src/components/Button.jsx" it returns ["src", "src/components"].
func AncestorPaths(p string) []string {
	parts := strings.Split(p, "/")
	if len(parts) <= 1 {
		return nil
	}
	ancestors := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		ancestors = append(ancestors, strings.Join(parts[:i], "/"))
	}
	return ancestors
}

var languageByExt = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".php":  "php",
	".css":  "css",
	".scss": "scss",
	".html": "html",
	".json": "json",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sql":  "sql",
	".sh":   "shell",
	".svg":  "svg",
}

// LanguageForPath derives a language label from the file extension.
// Unknown extensions map to "text".
func LanguageForPath(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	return "text"
}
