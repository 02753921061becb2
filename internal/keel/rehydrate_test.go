package keel_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"keel-go/internal/encryption"
	"keel-go/internal/keel"
	"keel-go/internal/objectstore"
	tu "keel-go/internal/testutil"
)

var sampleFiles = map[string]string{
	"package.json":  `{"name":"demo"}`,
	"src/main.jsx":  "import App from './App'\n",
	"src/App.jsx":   "export default function App() { return null }\n",
	"src/index.css": "body { margin: 0 }\n",
}

// seed writes sampleFiles through the fixture's engine.
func seed(t *testing.T, f *fixture) {
	t.Helper()
	for p, content := range sampleFiles {
		if _, err := f.engine.Write(context.Background(), owner, p, []byte(content)); err != nil {
			t.Fatalf("Write(%s) error = %v", p, err)
		}
	}
}

func TestEngine_Rehydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f)

	fresh := tu.NewMemWorkspace()
	e := f.newEngine(f.store, fresh)

	res, err := e.Rehydrate(ctx, owner)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if res.Skipped || res.Restored != len(sampleFiles) || res.Failed != 0 {
		t.Errorf("Rehydrate() = %+v, want %d restored", res, len(sampleFiles))
	}
	for p, want := range sampleFiles {
		got, err := fresh.ReadFile(ctx, owner, p)
		if err != nil || string(got) != want {
			t.Errorf("workspace %s = %q, %v; want %q", p, got, err, want)
		}
	}

	gets := f.store.Calls("Get")
	res, err = e.Rehydrate(ctx, owner)
	if err != nil {
		t.Fatalf("second Rehydrate() error = %v", err)
	}
	if !res.Skipped {
		t.Errorf("second Rehydrate() = %+v, want skipped", res)
	}
	if f.store.Calls("Get") != gets {
		t.Error("second Rehydrate() downloaded blobs")
	}
	if v := testutil.ToFloat64(f.metrics.RehydrateSkipped); v != 1 {
		t.Errorf("rehydrate skipped = %v, want 1", v)
	}
}

func TestEngine_Rehydrate_NothingToRestore(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Rehydrate(context.Background(), owner)
	if !errors.Is(err, keel.ErrNothingToRestore) {
		t.Errorf("Rehydrate() error = %v, want ErrNothingToRestore", err)
	}
}

func TestEngine_Rehydrate_InvalidOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Rehydrate(context.Background(), keel.Owner{ProjectID: "p1"})
	if !errors.Is(err, keel.ErrInvalidOwner) {
		t.Errorf("Rehydrate() error = %v, want ErrInvalidOwner", err)
	}
}

func TestEngine_Rehydrate_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f)

	lost := keel.ContentKey("p1", keel.ContentHash([]byte(sampleFiles["src/index.css"])))
	if err := f.mem.Delete(ctx, lost); err != nil {
		t.Fatal(err)
	}

	fresh := tu.NewMemWorkspace()
	res, err := f.newEngine(f.store, fresh).Rehydrate(ctx, owner)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if res.Restored != len(sampleFiles)-1 || res.Failed != 1 {
		t.Errorf("Rehydrate() restored=%d failed=%d, want %d and 1", res.Restored, res.Failed, len(sampleFiles)-1)
	}
	if len(res.FailedPaths) != 1 || res.FailedPaths[0] != "src/index.css" {
		t.Errorf("FailedPaths = %v, want [src/index.css]", res.FailedPaths)
	}
}

// batchWorkspace restores presigned memory:// URLs in one call, the way a
// remote sandbox fetches URLs itself.
type batchWorkspace struct {
	*tu.MemWorkspace
	store   keel.ObjectStore
	batches atomic.Int32
}

func (b *batchWorkspace) RestoreBatch(ctx context.Context, owner keel.Owner, items []keel.RestoreItem) (int, error) {
	b.batches.Add(1)
	restored := 0
	for _, item := range items {
		u, err := url.Parse(item.URL)
		if err != nil || u.Scheme != "memory" {
			return restored, fmt.Errorf("unexpected restore URL %q", item.URL)
		}
		var buf bytes.Buffer
		if err := b.store.Get(ctx, strings.TrimPrefix(u.Path, "/"), &buf); err != nil {
			continue
		}
		b.AddFile(owner, item.Path, buf.Bytes())
		restored++
	}
	return restored, nil
}

func TestEngine_Rehydrate_Batch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f)

	ws := &batchWorkspace{MemWorkspace: tu.NewMemWorkspace(), store: f.mem}
	res, err := f.newEngine(f.store, ws).Rehydrate(ctx, owner)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if res.Restored != len(sampleFiles) {
		t.Errorf("Restored = %d, want %d", res.Restored, len(sampleFiles))
	}
	if n := ws.batches.Load(); n != 1 {
		t.Errorf("RestoreBatch calls = %d, want 1", n)
	}
	if n := f.store.Calls("PresignRead"); n != len(sampleFiles) {
		t.Errorf("PresignRead calls = %d, want %d", n, len(sampleFiles))
	}
	if got, _ := ws.ReadFile(ctx, owner, "src/App.jsx"); string(got) != sampleFiles["src/App.jsx"] {
		t.Errorf("src/App.jsx = %q", got)
	}
}

func TestEngine_Rehydrate_PresignUnsupportedFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	enc := objectstore.NewEncryptedStore(f.mem, encryption.MarkerEncryptor{})
	if err := enc.Unlock("secret"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	writer := f.newEngine(enc, tu.NewMemWorkspace())
	for p, content := range sampleFiles {
		if _, err := writer.Write(ctx, owner, p, []byte(content)); err != nil {
			t.Fatalf("Write(%s) error = %v", p, err)
		}
	}

	ws := &batchWorkspace{MemWorkspace: tu.NewMemWorkspace(), store: f.mem}
	res, err := f.newEngine(enc, ws).Rehydrate(ctx, owner)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if res.Restored != len(sampleFiles) || res.Failed != 0 {
		t.Errorf("Rehydrate() = %+v, want all restored", res)
	}
	if n := ws.batches.Load(); n != 0 {
		t.Errorf("RestoreBatch calls = %d, want 0", n)
	}
	got, err := ws.ReadFile(ctx, owner, "package.json")
	if err != nil || string(got) != sampleFiles["package.json"] {
		t.Errorf("package.json = %q, %v; want plaintext", got, err)
	}
}

func TestEngine_StartRehydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f)

	task := f.newEngine(f.store, tu.NewMemWorkspace()).StartRehydrate(ctx, owner)

	var ticks atomic.Int32
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := task.Wait(waitCtx, time.Millisecond, func(keel.RehydrateProgress) { ticks.Add(1) })
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Restored != len(sampleFiles) {
		t.Errorf("Restored = %d, want %d", res.Restored, len(sampleFiles))
	}

	select {
	case <-task.Done():
	default:
		t.Error("Done() not closed after Wait returned")
	}
	if p := task.Progress(); p.Total != len(sampleFiles) || p.Restored != len(sampleFiles) {
		t.Errorf("Progress() = %+v", p)
	}
	if again, err := task.Result(); err != nil || again != res {
		t.Errorf("Result() = %v, %v", again, err)
	}
}

func TestEngine_StartRehydrate_OutlivesCaller(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	task := f.newEngine(f.store, tu.NewMemWorkspace()).StartRehydrate(ctx, owner)
	cancel()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	res, err := task.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if res.Restored != len(sampleFiles) {
		t.Errorf("Restored = %d, want %d", res.Restored, len(sampleFiles))
	}
}
