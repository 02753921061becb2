package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"keel-go/internal/keel"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStore is an in-memory keel.ObjectStore, useful for tests.
// It is safe for concurrent use.
type MemoryStore struct {
	name    string
	clock   keel.Clock
	objects map[string]memObject
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store. A nil clock uses the real time.
func NewMemoryStore(name string, clock keel.Clock) *MemoryStore {
	if clock == nil {
		clock = keel.RealClock{}
	}
	return &MemoryStore{
		name:    name,
		clock:   clock,
		objects: make(map[string]memObject),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, modTime: m.clock.Now()}
	return key, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: object %s", keel.ErrNotFound, key)
	}

	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// PresignRead returns a memory:// URL. It is only meaningful to test doubles.
func (m *MemoryStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ok, _ := m.Exists(ctx, key); !ok {
		return "", fmt.Errorf("%w: object %s", keel.ErrNotFound, key)
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     m.name,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(m.clock.Now().Add(ttl).Unix())}}.Encode(),
	}
	return u.String(), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []keel.ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, keel.ObjectInfo{Key: k, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryStore) ValidateSetup(ctx context.Context) error {
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ keel.ObjectStore = (*MemoryStore)(nil)
