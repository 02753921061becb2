package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"keel-go/internal/keel"
	"keel-go/internal/objectstore"
)

// ErrOutage is returned by FlakyStore while it is failing.
var ErrOutage = errors.New("simulated object store outage")

// NewTestStore returns an in-memory object store.
func NewTestStore(clock keel.Clock) *objectstore.MemoryStore {
	return objectstore.NewMemoryStore("test-store", clock)
}

// FlakyStore wraps an ObjectStore, failing the next FailPuts uploads (or
// every upload when Down is set) and counting calls. PutErr, when set, is
// returned from every upload instead of ErrOutage.
type FlakyStore struct {
	keel.ObjectStore

	mu       sync.Mutex
	FailPuts int
	Down     bool
	PutErr   error
	// Locator overrides the key returned from successful puts.
	Locator string

	calls map[string]int
}

func NewFlakyStore(inner keel.ObjectStore) *FlakyStore {
	return &FlakyStore{ObjectStore: inner, calls: make(map[string]int)}
}

func (f *FlakyStore) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *FlakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (f *FlakyStore) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *FlakyStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	f.count("Put")
	f.mu.Lock()
	fail := f.Down || f.FailPuts > 0
	if f.FailPuts > 0 {
		f.FailPuts--
	}
	putErr := f.PutErr
	locator := f.Locator
	f.mu.Unlock()

	if putErr != nil {
		return "", putErr
	}
	if fail {
		return "", ErrOutage
	}
	got, err := f.ObjectStore.Put(ctx, key, r, size)
	if err != nil || locator == "" {
		return got, err
	}
	return locator, nil
}

func (f *FlakyStore) Get(ctx context.Context, key string, w io.Writer) error {
	f.count("Get")
	return f.ObjectStore.Get(ctx, key, w)
}

func (f *FlakyStore) Exists(ctx context.Context, key string) (bool, error) {
	f.count("Exists")
	return f.ObjectStore.Exists(ctx, key)
}

func (f *FlakyStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.count("PresignRead")
	return f.ObjectStore.PresignRead(ctx, key, ttl)
}

func (f *FlakyStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	f.count("List")
	return f.ObjectStore.List(ctx, prefix)
}

func (f *FlakyStore) Delete(ctx context.Context, key string) error {
	f.count("Delete")
	return f.ObjectStore.Delete(ctx, key)
}

var _ keel.ObjectStore = (*FlakyStore)(nil)
