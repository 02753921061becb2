package keel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// ObjectStore is the durable, content-addressed blob tier.
// Keys are produced by ContentKey and are namespaced by project.
type ObjectStore interface {
	// Put stores size bytes read from r under key and returns the locator the
	// backend recorded. Storing the same key twice is safe.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)

	// Get writes the object stored under key to w.
	// Returns an error wrapping ErrNotFound if the key is absent.
	Get(ctx context.Context, key string, w io.Writer) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignRead returns a URL that grants read access to key for ttl.
	PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ValidateSetup verifies that the store is reachable and configured.
	ValidateSetup(ctx context.Context) error
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

var keyPattern = regexp.MustCompile(`^projects/([^/]+)/blobs/([0-9a-f]{64})$`)

// ContentHash returns the hex SHA-256 digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ContentKey returns the storage key for content with the given hash.
func ContentKey(projectID, hash string) string {
	return fmt.Sprintf("projects/%s/blobs/%s", projectID, hash)
}

// ProjectPrefix returns the key prefix shared by every blob of a project.
func ProjectPrefix(projectID string) string {
	return "projects/" + projectID + "/blobs/"
}

// VerifyKey checks that a locator returned by a store is a well-formed key
// for projectID and hash.
func VerifyKey(locator, projectID, hash string) error {
	m := keyPattern.FindStringSubmatch(locator)
	if m == nil {
		return fmt.Errorf("malformed storage key %q", locator)
	}
	if m[1] != projectID {
		return fmt.Errorf("storage key %q belongs to project %q, want %q", locator, m[1], projectID)
	}
	if m[2] != strings.ToLower(hash) {
		return fmt.Errorf("storage key %q does not match content hash %s", locator, hash)
	}
	return nil
}
