package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"keel-go/internal/keel"
)

// LocalWorkspace keeps sandboxes as directories on the local disk:
//
//	<root>/<user_id>/<project_id>/...
//
// Sandboxes created before user scoping live at <root>/<project_id> and are
// consulted by ReadFile only. Nothing is ever written there.
type LocalWorkspace struct {
	root   string
	ignore *IgnoreMatcher
}

// NewLocalWorkspace creates a workspace tier rooted at root. Extra ignore
// patterns are added to DefaultIgnorePatterns.
func NewLocalWorkspace(root string, ignore []string) (*LocalWorkspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &LocalWorkspace{
		root:   abs,
		ignore: NewIgnoreMatcher(DefaultIgnorePatterns).With(ignore),
	}, nil
}

// Dir returns the sandbox directory of owner.
func (w *LocalWorkspace) Dir(owner keel.Owner) string {
	return filepath.Join(w.root, owner.UserID, owner.ProjectID)
}

func (w *LocalWorkspace) legacyDir(owner keel.Owner) string {
	return filepath.Join(w.root, owner.ProjectID)
}

// resolve validates p and maps it into dir, refusing symlinked targets.
func resolve(dir, p string) (string, string, error) {
	clean, err := keel.ValidatePath(p)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(dir, filepath.FromSlash(clean))
	if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", "", fmt.Errorf("%w: %s is a symlink", keel.ErrInvalidPath, clean)
	}
	return clean, full, nil
}

func (w *LocalWorkspace) WriteFile(ctx context.Context, owner keel.Owner, p string, content []byte) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	_, full, err := resolve(w.Dir(owner), p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keel-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", p, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting mode on %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", p, err)
	}
	return nil
}

// ReadFile reads from the owner's sandbox, then from the legacy
// project-only layout.
func (w *LocalWorkspace) ReadFile(ctx context.Context, owner keel.Owner, p string) ([]byte, error) {
	if err := keel.ValidateID(owner.ProjectID); err != nil {
		return nil, err
	}

	var dirs []string
	if owner.UserID != "" {
		if err := owner.Validate(); err != nil {
			return nil, err
		}
		dirs = append(dirs, w.Dir(owner))
	}
	dirs = append(dirs, w.legacyDir(owner))

	for _, dir := range dirs {
		clean, full, err := resolve(dir, p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", clean, err)
		}
	}
	return nil, fmt.Errorf("%w: %s in workspace %s", keel.ErrNotFound, p, owner.String())
}

// ListFiles returns every regular, non-ignored file, sorted.
func (w *LocalWorkspace) ListFiles(ctx context.Context, owner keel.Owner) ([]string, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	dir := w.Dir(owner)
	ignore := w.ignore
	if extra, err := ParseIgnoreFile(filepath.Join(dir, IgnoreFile)); err != nil {
		return nil, err
	} else if len(extra) > 0 {
		ignore = ignore.With(extra)
	}

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore.Match(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".keel-") {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (w *LocalWorkspace) FileCount(ctx context.Context, owner keel.Owner) (int, error) {
	files, err := w.ListFiles(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (w *LocalWorkspace) DeleteFile(ctx context.Context, owner keel.Owner, p string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	_, full, err := resolve(w.Dir(owner), p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

func (w *LocalWorkspace) Remove(ctx context.Context, owner keel.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(w.Dir(owner)); err != nil {
		return fmt.Errorf("removing workspace %s: %w", owner.String(), err)
	}
	return nil
}

var _ keel.Workspace = (*LocalWorkspace)(nil)
