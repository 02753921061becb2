package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keel-go/internal/keel"
)

// FileSystemStore keeps objects as files under a root directory. A key maps
// directly to a relative path:
//
//	<root>/
//	  projects/<project_id>/blobs/<sha256>
//	  metadata/<instance_id>/<timestamp>.db
type FileSystemStore struct {
	name string
	root string
}

// NewFileSystemStore creates a store rooted at root, creating it if needed.
func NewFileSystemStore(name, root string) (*FileSystemStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileSystemStore{name: name, root: abs}, nil
}

// objectPath maps a key onto the root, refusing keys that would escape it.
func (s *FileSystemStore) objectPath(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: object key %q", keel.ErrInvalidPath, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put stores content under key. Content-addressed keys make a second Put of
// an existing key a no-op beyond draining r.
func (s *FileSystemStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	dest, err := s.objectPath(key)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(dest); err == nil && strings.HasPrefix(key, "projects/") {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return "", fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		// A rewrite counts as fresh for the orphan sweep's minimum age.
		now := time.Now()
		if err := os.Chtimes(dest, now, now); err != nil {
			return "", fmt.Errorf("touching object: %w", err)
		}
		return key, nil
	}

	if err := writeAtomic(dest, r, size); err != nil {
		return "", err
	}
	return key, nil
}

func (s *FileSystemStore) Get(ctx context.Context, key string, w io.Writer) error {
	src, err := s.objectPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: object %s", keel.ErrNotFound, key)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func (s *FileSystemStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking object: %w", err)
}

// PresignRead returns a file:// URL. The ttl is not enforced: anything that
// can read the URL can read the root directly.
func (s *FileSystemStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	p, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: object %s", keel.ErrNotFound, key)
		}
		return "", fmt.Errorf("checking object: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String(), nil
}

func (s *FileSystemStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	// Walk from the deepest directory the prefix names.
	start := s.root
	if dir := path.Dir(prefix); dir != "." && !strings.HasSuffix(prefix, "/") {
		start = filepath.Join(s.root, filepath.FromSlash(dir))
	} else if strings.HasSuffix(prefix, "/") {
		start = filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	}

	var out []keel.ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, keel.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileSystemStore) Delete(ctx context.Context, key string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the root is a writable directory.
func (s *FileSystemStore) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root is not a directory: %s", s.root)
	}

	check, err := os.CreateTemp(s.root, ".tmp-check-*")
	if err != nil {
		return fmt.Errorf("store root not writable: %w", err)
	}
	check.Close()
	return os.Remove(check.Name())
}

// writeAtomic writes r to dest through a temp file and rename, so readers
// never observe a partial object.
func writeAtomic(dest string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

var _ keel.ObjectStore = (*FileSystemStore)(nil)
