package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"keel-go/internal/keel"
)

// MemWorkspace is an in-memory keel.Workspace that counts calls. Set
// FailWrites to make every WriteFile fail.
type MemWorkspace struct {
	mu         sync.Mutex
	trees      map[keel.Owner]map[string][]byte
	calls      int
	FailWrites error
}

func NewMemWorkspace() *MemWorkspace {
	return &MemWorkspace{trees: make(map[keel.Owner]map[string][]byte)}
}

// AddFile places content in a workspace without counting a call.
func (w *MemWorkspace) AddFile(owner keel.Owner, p string, content []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tree(owner)[p] = append([]byte(nil), content...)
}

// Calls returns the number of Workspace method calls.
func (w *MemWorkspace) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *MemWorkspace) tree(owner keel.Owner) map[string][]byte {
	t, ok := w.trees[owner]
	if !ok {
		t = make(map[string][]byte)
		w.trees[owner] = t
	}
	return t
}

func (w *MemWorkspace) WriteFile(ctx context.Context, owner keel.Owner, p string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.FailWrites != nil {
		return w.FailWrites
	}
	w.tree(owner)[p] = append([]byte(nil), content...)
	return nil
}

func (w *MemWorkspace) ReadFile(ctx context.Context, owner keel.Owner, p string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	data, ok := w.trees[owner][p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keel.ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (w *MemWorkspace) ListFiles(ctx context.Context, owner keel.Owner) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	out := make([]string, 0, len(w.trees[owner]))
	for p := range w.trees[owner] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (w *MemWorkspace) FileCount(ctx context.Context, owner keel.Owner) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return len(w.trees[owner]), nil
}

func (w *MemWorkspace) DeleteFile(ctx context.Context, owner keel.Owner, p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	tree := w.trees[owner]
	delete(tree, p)
	for k := range tree {
		if strings.HasPrefix(k, p+"/") {
			delete(tree, k)
		}
	}
	return nil
}

func (w *MemWorkspace) Remove(ctx context.Context, owner keel.Owner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	delete(w.trees, owner)
	return nil
}

var _ keel.Workspace = (*MemWorkspace)(nil)
