package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"keel-go/internal/keel"
)

// EncryptedStore seals every object before handing it to the wrapped store.
// Keys are unchanged, so content addressing still works on plaintext hashes.
// Reads require Unlock. Presigned URLs would expose ciphertext, so
// PresignRead always fails with keel.ErrPresignUnsupported.
type EncryptedStore struct {
	inner     keel.ObjectStore
	encryptor keel.Encryptor

	mu sync.RWMutex
	dc keel.DecryptionContext
}

func NewEncryptedStore(inner keel.ObjectStore, encryptor keel.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, encryptor: encryptor}
}

// Unlock opens the private key so Get can decrypt.
func (s *EncryptedStore) Unlock(passphrase string) error {
	dc, err := s.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	return nil
}

// Locked reports whether Get would fail for want of a key.
func (s *EncryptedStore) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dc == nil
}

func (s *EncryptedStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	var sealed bytes.Buffer
	if err := s.encryptor.Encrypt(r, &sealed); err != nil {
		return "", fmt.Errorf("encrypting %s: %w", key, err)
	}
	return s.inner.Put(ctx, key, &sealed, int64(sealed.Len()))
}

func (s *EncryptedStore) Get(ctx context.Context, key string, w io.Writer) error {
	s.mu.RLock()
	dc := s.dc
	s.mu.RUnlock()
	if dc == nil {
		return fmt.Errorf("%w: reading %s", keel.ErrLocked, key)
	}

	var sealed bytes.Buffer
	if err := s.inner.Get(ctx, key, &sealed); err != nil {
		return err
	}
	if err := dc.Decrypt(&sealed, w); err != nil {
		return fmt.Errorf("decrypting %s: %w", key, err)
	}
	return nil
}

func (s *EncryptedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

func (s *EncryptedStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", keel.ErrPresignUnsupported
}

func (s *EncryptedStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	return s.inner.List(ctx, prefix)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *EncryptedStore) ValidateSetup(ctx context.Context) error {
	if !s.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys not configured (run keel config init)")
	}
	return s.inner.ValidateSetup(ctx)
}

var _ keel.ObjectStore = (*EncryptedStore)(nil)
