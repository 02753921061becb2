package objectstore

import (
	"context"
	"fmt"

	"keel-go/internal/config"
	"keel-go/internal/keel"
)

// NewObjectStoreFromConfig creates an ObjectStore based on the store config
// type. When the config asks for encryption the backend is wrapped in an
// EncryptedStore using enc, which must then be non-nil.
func NewObjectStoreFromConfig(ctx context.Context, cfg config.ObjectStoreConfig, enc keel.Encryptor) (keel.ObjectStore, error) {
	var (
		store keel.ObjectStore
		err   error
	)
	switch cfg.Type {
	case "memory":
		store = NewMemoryStore(cfg.Name, nil)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		store, err = NewFileSystemStore(cfg.Name, cfg.Root)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 store requires bucket to be set")
		}
		store, err = NewS3Store(ctx, cfg)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("gcs store requires bucket to be set")
		}
		store, err = NewGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown object store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Encrypted {
		if enc == nil {
			return nil, fmt.Errorf("encrypted store requires an encryptor")
		}
		return NewEncryptedStore(store, enc), nil
	}
	return store, nil
}
