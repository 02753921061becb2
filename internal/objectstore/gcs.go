package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"keel-go/internal/config"
	"keel-go/internal/keel"
)

// GCSStore keeps objects in a Google Cloud Storage bucket under an optional
// key prefix.
type GCSStore struct {
	name   string
	bucket string
	prefix string
	client *storage.Client
}

// NewGCSStore creates a client from a service-account key file, or from
// application default credentials when no file is configured.
func NewGCSStore(ctx context.Context, cfg config.ObjectStoreConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{name: cfg.Name, bucket: cfg.Bucket, prefix: prefix, client: client}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	written, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return "", fmt.Errorf("uploading gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	if written != size {
		w.Close()
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSStore) Get(ctx context.Context, key string, w io.Writer) error {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: object %s", keel.ErrNotFound, key)
		}
		return fmt.Errorf("opening gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("reading gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
}

func (s *GCSStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(s.prefix+key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("signing gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	return u, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})

	var out []keel.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s%s: %w", s.bucket, s.prefix, prefix, err)
		}
		out = append(out, keel.ObjectInfo{
			Key:     strings.TrimPrefix(attrs.Name, s.prefix),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return out, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	return nil
}

func (s *GCSStore) ValidateSetup(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ keel.ObjectStore = (*GCSStore)(nil)
