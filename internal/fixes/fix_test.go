package fixes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"keel-go/internal/keel"
)

// memTarget is an in-memory Target. Every file in it counts as completed.
type memTarget struct {
	files     map[string]string
	writes    []string
	failWrite error
}

func newMemTarget(files map[string]string) *memTarget {
	if files == nil {
		files = make(map[string]string)
	}
	return &memTarget{files: files}
}

func (m *memTarget) Owner() keel.Owner { return keel.Owner{UserID: "u1", ProjectID: "p1"} }

func (m *memTarget) Read(ctx context.Context, p string) ([]byte, error) {
	c, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keel.ErrNotFound, p)
	}
	return []byte(c), nil
}

func (m *memTarget) Write(ctx context.Context, p string, content []byte) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	m.files[p] = string(content)
	m.writes = append(m.writes, p)
	return nil
}

func (m *memTarget) Files(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func mustScaffold(t *testing.T) *Scaffold {
	t.Helper()
	s, err := NewScaffold()
	if err != nil {
		t.Fatalf("NewScaffold() error = %v", err)
	}
	return s
}

func TestDefaultChain_Order(t *testing.T) {
	c, err := DefaultChain(Options{PortMin: 5173, PortMax: 5199}, nil)
	if err != nil {
		t.Fatalf("DefaultChain() error = %v", err)
	}
	want := []string{"missing-import", "css-token", "export-alias", "scaffold", "port-bump"}
	got := c.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestChain_Run(t *testing.T) {
	ctx := context.Background()
	c, err := DefaultChain(Options{PortMin: 5173, PortMax: 5199}, nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("first applicable fix wins", func(t *testing.T) {
		target := newMemTarget(map[string]string{"package.json": "{}"})
		out, err := c.Run(ctx, target, "Could not resolve entry module \"index.html\".")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !out.Applied || out.Fix != "scaffold" {
			t.Errorf("Run() = %+v, want scaffold applied", out)
		}
		if len(target.writes) != 1 || target.writes[0] != "index.html" {
			t.Errorf("writes = %v, want [index.html]", target.writes)
		}
	})

	t.Run("nothing applies", func(t *testing.T) {
		target := newMemTarget(nil)
		out, err := c.Run(ctx, target, "segfault somewhere")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out.Applied {
			t.Errorf("Run() = %+v, want not applied", out)
		}
		if len(target.writes) != 0 {
			t.Errorf("writes = %v, want none", target.writes)
		}
	})

	t.Run("write failure surfaces", func(t *testing.T) {
		target := newMemTarget(nil)
		target.failWrite = keel.ErrStorageWrite
		out, err := c.Run(ctx, target, "Failed to load url /src/main.jsx (resolved id: /src/main.jsx)")
		if !errors.Is(err, keel.ErrStorageWrite) {
			t.Errorf("Run() error = %v, want ErrStorageWrite", err)
		}
		if out.Fix != "scaffold" || out.Applied {
			t.Errorf("Run() = %+v, want failed scaffold", out)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := c.Run(cctx, newMemTarget(nil), "index.html"); !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	})
}
