package remediation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAttemptStore keeps attempt windows in process memory.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string][]time.Time)}
}

func (m *MemoryAttemptStore) Update(ctx context.Context, projectID string, fn func([]time.Time) []time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := fn(append([]time.Time(nil), m.attempts[projectID]...))
	if len(next) == 0 {
		delete(m.attempts, projectID)
		return nil
	}
	m.attempts[projectID] = next
	return nil
}

func (m *MemoryAttemptStore) Attempts(ctx context.Context, projectID string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.attempts[projectID]...), nil
}

// MemoryPendingStore keeps pending fixes in process memory. An entry is
// dropped on a later Put once it has been expired for longer than retain.
type MemoryPendingStore struct {
	mu     sync.Mutex
	fixes  map[string]*PendingFix
	retain time.Duration
}

func NewMemoryPendingStore(retain time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{fixes: make(map[string]*PendingFix), retain: retain}
}

func (m *MemoryPendingStore) Put(ctx context.Context, fix *PendingFix) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, f := range m.fixes {
		if fix.CreatedAt.Sub(f.ExpiresAt) > m.retain {
			delete(m.fixes, id)
		}
	}
	c := *fix
	m.fixes[fix.ID] = &c
	return nil
}

func (m *MemoryPendingStore) Get(ctx context.Context, id string) (*PendingFix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fixes[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (m *MemoryPendingStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fixes, id)
	return nil
}

func (m *MemoryPendingStore) List(ctx context.Context, projectID string) ([]*PendingFix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PendingFix
	for _, f := range m.fixes {
		if projectID == "" || f.Owner.ProjectID == projectID {
			c := *f
			out = append(out, &c)
		}
	}
	sortPending(out)
	return out, nil
}

func sortPending(fixes []*PendingFix) {
	sort.Slice(fixes, func(i, j int) bool {
		if fixes[i].CreatedAt.Equal(fixes[j].CreatedAt) {
			return fixes[i].ID < fixes[j].ID
		}
		return fixes[i].CreatedAt.Before(fixes[j].CreatedAt)
	})
}

var (
	_ AttemptStore = (*MemoryAttemptStore)(nil)
	_ PendingStore = (*MemoryPendingStore)(nil)
)
