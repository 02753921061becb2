package keel_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"keel-go/internal/keel"
	"keel-go/internal/model"
	tu "keel-go/internal/testutil"
)

func TestEngine_ReconcileOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.opts.OrphanMinAge = time.Hour
	f.engine = f.newEngine(f.store, f.ws)

	if _, err := f.engine.Write(ctx, owner, "keep.py", []byte("keep")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Write(ctx, owner, "drop.py", []byte("drop")); err != nil {
		t.Fatal(err)
	}
	// Another project's blobs are out of scope.
	other := keel.Owner{UserID: "u1", ProjectID: "p2"}
	if _, err := f.engine.Write(ctx, other, "drop.py", []byte("other")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.DeleteFile(ctx, owner, "drop.py"); err != nil {
		t.Fatal(err)
	}
	dropKey := keel.ContentKey("p1", keel.ContentHash([]byte("drop")))

	res, err := f.engine.ReconcileOrphans(ctx, "p1", false)
	if err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}
	if res.Scanned != 2 || res.SkippedYoung != 1 || res.Orphaned != 0 {
		t.Errorf("young sweep = %+v, want 2 scanned and 1 skipped", res)
	}

	f.clock.Advance(2 * time.Hour)

	res, err = f.engine.ReconcileOrphans(ctx, "p1", true)
	if err != nil {
		t.Fatalf("dry run error = %v", err)
	}
	if res.Orphaned != 1 || res.Deleted != 0 {
		t.Errorf("dry run = %+v, want 1 orphaned and 0 deleted", res)
	}
	if len(res.OrphanKeys) != 1 || res.OrphanKeys[0] != dropKey {
		t.Errorf("OrphanKeys = %v, want [%s]", res.OrphanKeys, dropKey)
	}
	if ok, _ := f.mem.Exists(ctx, dropKey); !ok {
		t.Error("dry run deleted the orphan")
	}

	res, err = f.engine.ReconcileOrphans(ctx, "p1", false)
	if err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if ok, _ := f.mem.Exists(ctx, dropKey); ok {
		t.Error("orphan still in store")
	}
	if v := testutil.ToFloat64(f.metrics.OrphansDeleted); v != 1 {
		t.Errorf("orphans deleted = %v, want 1", v)
	}

	got, err := f.engine.Read(ctx, owner, "keep.py")
	if err != nil || string(got) != "keep" {
		t.Errorf("Read(keep.py) = %q, %v", got, err)
	}
	for _, k := range res.OrphanKeys {
		if !strings.HasPrefix(k, keel.ProjectPrefix("p1")) {
			t.Errorf("swept key %s outside project", k)
		}
	}
	if f.mem.Len() != 2 {
		t.Errorf("store holds %d objects, want 2", f.mem.Len())
	}
}

// staleRefsMeta reports no references at all, like a listing taken before
// the records were committed.
type staleRefsMeta struct {
	keel.MetadataStore
}

func (staleRefsMeta) ReferencedStorageKeys(ctx context.Context, projectID string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func TestEngine_ReconcileOrphans_RechecksBeforeDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.opts.OrphanMinAge = time.Hour
	e := keel.NewEngine(staleRefsMeta{f.meta}, f.store, f.ws, keel.NewNopLogger(), f.clock, f.opts, f.metrics)

	if _, err := e.Write(ctx, owner, "keep.py", []byte("keep")); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)

	res, err := e.ReconcileOrphans(ctx, "p1", false)
	if err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}
	if res.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0", res.Deleted)
	}
	got, err := f.newEngine(f.store, tu.NewMemWorkspace()).Read(ctx, owner, "keep.py")
	if err != nil || string(got) != "keep" {
		t.Errorf("Read(keep.py) = %q, %v", got, err)
	}
}

// agelessStore reports every object as arbitrarily old.
type agelessStore struct {
	keel.ObjectStore
}

func (s agelessStore) List(ctx context.Context, prefix string) ([]keel.ObjectInfo, error) {
	objs, err := s.ObjectStore.List(ctx, prefix)
	for i := range objs {
		objs[i].ModTime = time.Time{}
	}
	return objs, err
}

// sweepOnCommit starts a sweep the first time a record is committed and
// gives it a head start before committing.
type sweepOnCommit struct {
	keel.MetadataStore
	engine *keel.Engine
	once   sync.Once
	done   chan *keel.SweepResult
}

func (s *sweepOnCommit) CommitFile(ctx context.Context, rec *model.FileRecord) error {
	s.once.Do(func() {
		go func() {
			res, err := s.engine.ReconcileOrphans(context.Background(), rec.ProjectID, false)
			if err != nil {
				res = nil
			}
			s.done <- res
		}()
		time.Sleep(20 * time.Millisecond)
	})
	return s.MetadataStore.CommitFile(ctx, rec)
}

func TestEngine_ReconcileOrphans_ConcurrentDedupeWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := agelessStore{f.store}

	if _, err := f.newEngine(store, f.ws).Write(ctx, owner, "old.py", []byte("same")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.DeleteFile(ctx, owner, "old.py"); err != nil {
		t.Fatal(err)
	}

	hook := &sweepOnCommit{MetadataStore: f.meta, done: make(chan *keel.SweepResult, 1)}
	e := keel.NewEngine(hook, store, f.ws, keel.NewNopLogger(), f.clock, f.opts, f.metrics)
	hook.engine = e

	if _, err := e.Write(ctx, owner, "new.py", []byte("same")); err != nil {
		t.Fatalf("Write(new.py) error = %v", err)
	}

	select {
	case res := <-hook.done:
		if res == nil {
			t.Fatal("sweep failed")
		}
		if res.Deleted != 0 {
			t.Errorf("sweep deleted %d blobs, want 0", res.Deleted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish")
	}

	got, err := f.newEngine(f.store, tu.NewMemWorkspace()).Read(ctx, owner, "new.py")
	if err != nil || string(got) != "same" {
		t.Errorf("Read(new.py) = %q, %v", got, err)
	}
}
