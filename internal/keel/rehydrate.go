package keel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"keel-go/internal/model"
)

// RehydrateResult reports what a rehydration did.
type RehydrateResult struct {
	Total       int
	Restored    int
	Failed      int
	Skipped     bool // workspace was already populated
	FailedPaths []string
}

// RehydrateProgress is a point-in-time view of a running rehydration.
type RehydrateProgress struct {
	Total    int
	Restored int
	Failed   int
}

// progress is shared between a rehydration and the task polling it.
type progress struct {
	total    atomic.Int64
	restored atomic.Int64
	failed   atomic.Int64
}

func (p *progress) snapshot() RehydrateProgress {
	return RehydrateProgress{
		Total:    int(p.total.Load()),
		Restored: int(p.restored.Load()),
		Failed:   int(p.failed.Load()),
	}
}

// Rehydrate reconstructs the owner's workspace from metadata and the durable
// store. A workspace that already holds enough files is left alone, so
// repeated calls perform at most one restore. Individual download failures
// are counted, not fatal.
func (e *Engine) Rehydrate(ctx context.Context, owner Owner) (*RehydrateResult, error) {
	return e.rehydrate(ctx, owner, &progress{})
}

func (e *Engine) rehydrate(ctx context.Context, owner Owner, prog *progress) (*RehydrateResult, error) {
	ctx, span := tracer.Start(ctx, "keel.Engine.Rehydrate", trace.WithAttributes(
		attribute.String("project_id", owner.ProjectID),
		attribute.String("user_id", owner.UserID),
	))
	defer span.End()

	if err := owner.Validate(); err != nil {
		return nil, err
	}

	log := WithFields(e.logger, "owner", owner.String())
	start := e.clock.Now()
	existing, err := e.ws.FileCount(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("counting workspace files: %w", err)
	}
	if existing >= e.opts.RehydrateMinFiles {
		log.Debug("workspace already populated, skipping rehydrate", "files", existing)
		e.metrics.ObserveRehydrate(0, 0, true, 0)
		span.SetAttributes(attribute.Bool("skipped", true))
		return &RehydrateResult{Skipped: true}, nil
	}

	records, err := e.meta.ListCompletedFiles(ctx, owner.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing completed files: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: project %s", ErrNothingToRestore, owner.ProjectID)
	}
	if existing >= len(records) {
		e.metrics.ObserveRehydrate(0, 0, true, 0)
		span.SetAttributes(attribute.Bool("skipped", true))
		return &RehydrateResult{Skipped: true}, nil
	}

	prog.total.Store(int64(len(records)))
	log.Info("rehydrate started", "files", len(records))

	var result *RehydrateResult
	if br, ok := e.ws.(BatchRestorer); ok {
		result, err = e.restoreBatch(ctx, owner, br, records, prog)
		if errors.Is(err, ErrPresignUnsupported) {
			log.Info("store cannot presign, restoring file by file")
			result, err = e.restoreEach(ctx, owner, records, prog)
		}
	} else {
		result, err = e.restoreEach(ctx, owner, records, prog)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	e.metrics.ObserveRehydrate(result.Restored, result.Failed, false, e.clock.Now().Sub(start))
	span.SetAttributes(attribute.Int("restored", result.Restored), attribute.Int("failed", result.Failed))
	log.Info("rehydrate complete", "restored", result.Restored, "failed", result.Failed)
	return result, nil
}

// restoreEach downloads every record with bounded concurrency and writes it
// into the workspace.
func (e *Engine) restoreEach(ctx context.Context, owner Owner, records []*model.FileRecord, prog *progress) (*RehydrateResult, error) {
	result := &RehydrateResult{Total: len(records)}
	log := WithFields(e.logger, "owner", owner.String())

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.opts.RehydrateConcurrency)

	for _, rec := range records {
		g.Go(func() error {
			if err := e.restoreOne(ctx, owner, rec); err != nil {
				log.Warn("restore failed", "path", rec.Path, "error", err)
				prog.failed.Add(1)
				mu.Lock()
				result.FailedPaths = append(result.FailedPaths, rec.Path)
				mu.Unlock()
				return nil
			}
			prog.restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result.Restored = int(prog.restored.Load())
	result.Failed = int(prog.failed.Load())
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("rehydrate interrupted: %w", err)
	}
	return result, nil
}

func (e *Engine) restoreOne(ctx context.Context, owner Owner, rec *model.FileRecord) error {
	data, err := e.fetch(ctx, rec)
	if err != nil {
		return err
	}
	if err := e.ws.WriteFile(ctx, owner, rec.Path, data); err != nil {
		return fmt.Errorf("writing %s to workspace: %w", rec.Path, err)
	}
	return nil
}

// restoreBatch presigns every blob and hands the whole set to the workspace
// in one round trip.
func (e *Engine) restoreBatch(ctx context.Context, owner Owner, br BatchRestorer, records []*model.FileRecord, prog *progress) (*RehydrateResult, error) {
	result := &RehydrateResult{Total: len(records)}
	items := make([]RestoreItem, 0, len(records))

	for _, rec := range records {
		url, err := e.store.PresignRead(ctx, rec.StorageKey.String, e.opts.PresignTTL)
		if errors.Is(err, ErrPresignUnsupported) {
			return nil, err
		}
		if err != nil {
			e.logger.Warn("presign failed", "path", rec.Path, "error", err)
			result.FailedPaths = append(result.FailedPaths, rec.Path)
			continue
		}
		items = append(items, RestoreItem{Path: rec.Path, URL: url})
	}

	restored, err := br.RestoreBatch(ctx, owner, items)
	if err != nil {
		return nil, fmt.Errorf("batch restore: %w", err)
	}

	result.Restored = restored
	result.Failed = result.Total - restored
	prog.restored.Store(int64(result.Restored))
	prog.failed.Store(int64(result.Failed))
	return result, nil
}

// RehydrateTask is a rehydration running in the background. It is detached
// from the starting context and stops only on completion or Cancel.
type RehydrateTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	prog   *progress
	result *RehydrateResult
	err    error
}

// StartRehydrate begins a background rehydration and returns immediately.
func (e *Engine) StartRehydrate(ctx context.Context, owner Owner) *RehydrateTask {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &RehydrateTask{
		cancel: cancel,
		done:   make(chan struct{}),
		prog:   &progress{},
	}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = e.rehydrate(taskCtx, owner, t.prog)
	}()
	return t
}

// Done is closed when the task finishes.
func (t *RehydrateTask) Done() <-chan struct{} { return t.done }

// Cancel stops the task. Files already restored stay restored.
func (t *RehydrateTask) Cancel() { t.cancel() }

// Progress returns the current counters.
func (t *RehydrateTask) Progress() RehydrateProgress { return t.prog.snapshot() }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *RehydrateTask) Result() (*RehydrateResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, fmt.Errorf("rehydrate still running")
	}
}

// Wait polls the task every interval, calling keepalive with the current
// progress so intermediaries see traffic during long restores. If ctx ends
// first, Wait returns ctx.Err() and the task keeps running.
func (t *RehydrateTask) Wait(ctx context.Context, interval time.Duration, keepalive func(RehydrateProgress)) (*RehydrateResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return t.result, t.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if keepalive != nil {
				keepalive(t.Progress())
			}
		}
	}
}
