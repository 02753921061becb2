package keel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SweepResult reports what a reconciliation sweep found.
type SweepResult struct {
	Scanned      int
	Orphaned     int
	Deleted      int
	SkippedYoung int
	OrphanKeys   []string
}

// ReconcileOrphans deletes blobs of a project that no file record references.
// These are left behind when a metadata commit fails after a successful upload.
// Blobs younger than the configured minimum age are skipped so an upload
// whose commit is still in flight is never reclaimed. With dryRun nothing is
// deleted.
func (e *Engine) ReconcileOrphans(ctx context.Context, projectID string, dryRun bool) (*SweepResult, error) {
	ctx, span := tracer.Start(ctx, "keel.Engine.ReconcileOrphans", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	objects, err := e.store.List(ctx, ProjectPrefix(projectID))
	if err != nil {
		return nil, fmt.Errorf("listing stored objects: %w", err)
	}

	referenced, err := e.meta.ReferencedStorageKeys(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing referenced keys: %w", err)
	}

	res := &SweepResult{Scanned: len(objects)}
	cutoff := e.clock.Now().Add(-e.opts.OrphanMinAge)

	for _, obj := range objects {
		if referenced[obj.Key] {
			continue
		}
		if obj.ModTime.After(cutoff) {
			res.SkippedYoung++
			continue
		}
		res.Orphaned++
		res.OrphanKeys = append(res.OrphanKeys, obj.Key)
		if dryRun {
			continue
		}
		deleted, err := e.deleteOrphan(ctx, projectID, obj.Key)
		if err != nil {
			e.logger.Warn("deleting orphan blob", "key", obj.Key, "error", err)
			continue
		}
		if deleted {
			res.Deleted++
		}
	}

	e.metrics.ObserveOrphansDeleted(res.Deleted)
	span.SetAttributes(attribute.Int("orphaned", res.Orphaned), attribute.Int("deleted", res.Deleted))
	e.logger.Info("orphan sweep complete", "project", projectID, "scanned", res.Scanned, "orphaned", res.Orphaned, "deleted", res.Deleted, "dry_run", dryRun)
	return res, nil
}

// deleteOrphan removes key unless a record took a reference to it since the
// sweep listed references. It holds the blob lock, so no write is between
// upload and commit while it checks.
func (e *Engine) deleteOrphan(ctx context.Context, projectID, key string) (bool, error) {
	e.blobs.Lock()
	defer e.blobs.Unlock()

	referenced, err := e.meta.StorageKeyReferenced(ctx, projectID, key)
	if err != nil {
		return false, fmt.Errorf("rechecking references: %w", err)
	}
	if referenced {
		e.logger.Debug("blob referenced since listing, keeping", "key", key)
		return false, nil
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
