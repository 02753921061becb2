package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"keel-go/internal/keel"
)

// MemTarget is in-memory project file access for repair code. Every file
// counts as completed.
type MemTarget struct {
	mu        sync.Mutex
	owner     keel.Owner
	files     map[string]string
	Writes    []string
	FailWrite error
}

func NewMemTarget(owner keel.Owner, files map[string]string) *MemTarget {
	m := &MemTarget{owner: owner, files: make(map[string]string)}
	for p, c := range files {
		m.files[p] = c
	}
	return m
}

func (m *MemTarget) Owner() keel.Owner { return m.owner }

func (m *MemTarget) Read(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keel.ErrNotFound, p)
	}
	return []byte(c), nil
}

func (m *MemTarget) Write(ctx context.Context, p string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite != nil {
		return m.FailWrite
	}
	m.files[p] = string(content)
	m.Writes = append(m.Writes, p)
	return nil
}

func (m *MemTarget) Files(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Content returns a file's content and whether it exists.
func (m *MemTarget) Content(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[p]
	return c, ok
}
