package keel

import (
	"context"
	"fmt"
	"sort"

	"keel-go/internal/model"
)

// PlanFiles records the files a project plan enumerates, as planned.
// Paths already indexed are left unchanged. Returns the number created.
func (e *Engine) PlanFiles(ctx context.Context, projectID string, paths []string) (int, error) {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := ValidatePath(p)
		if err != nil {
			return 0, err
		}
		cleaned = append(cleaned, c)
	}

	n, err := e.meta.PlanFiles(ctx, projectID, cleaned)
	if err != nil {
		return 0, fmt.Errorf("planning files: %w", err)
	}
	e.logger.Info("files planned", "project", projectID, "requested", len(cleaned), "created", n)
	return n, nil
}

// SetGenerationStatus moves a file to planned, generating, failed or skipped.
func (e *Engine) SetGenerationStatus(ctx context.Context, projectID, p string, status model.GenerationStatus) error {
	clean, err := ValidatePath(p)
	if err != nil {
		return err
	}
	if status == model.StatusCompleted {
		return fmt.Errorf("status %q is set only by Write", status)
	}
	if !status.Valid() {
		return fmt.Errorf("unknown generation status %q", status)
	}
	if err := e.meta.SetGenerationStatus(ctx, projectID, clean, status); err != nil {
		return fmt.Errorf("setting status of %s: %w", clean, err)
	}
	return nil
}

// ListFiles returns the completed files of a project, ordered by path.
func (e *Engine) ListFiles(ctx context.Context, projectID string) ([]*model.FileRecord, error) {
	recs, err := e.meta.ListCompletedFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return recs, nil
}

// ListDirectory returns the folders and completed files directly under dir.
// An empty dir names the project root.
func (e *Engine) ListDirectory(ctx context.Context, projectID, dir string) ([]*model.FileRecord, error) {
	clean, err := ValidateDir(dir)
	if err != nil {
		return nil, err
	}

	all, err := e.meta.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	var entries []*model.FileRecord
	for _, rec := range all {
		if rec.ParentPath != clean {
			continue
		}
		if !rec.IsFolder && rec.Status != model.StatusCompleted {
			continue
		}
		entries = append(entries, rec)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsFolder != entries[j].IsFolder {
			return entries[i].IsFolder
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// DeleteFile removes a file from the index and the workspace.
// Its blob stays in the durable store until the orphan sweep reclaims it.
func (e *Engine) DeleteFile(ctx context.Context, owner Owner, p string) error {
	clean, err := ValidatePath(p)
	if err != nil {
		return err
	}
	if err := e.meta.DeleteFile(ctx, owner.ProjectID, clean); err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}
	if owner.UserID != "" {
		if err := e.ws.DeleteFile(ctx, owner, clean); err != nil {
			e.logger.Warn("workspace delete failed", "owner", owner.String(), "path", clean, "error", err)
		}
	}
	e.logger.Info("file deleted", "project", owner.ProjectID, "path", clean)
	return nil
}

// DeleteProject removes every record of a project and its workspace.
func (e *Engine) DeleteProject(ctx context.Context, owner Owner) error {
	if err := e.meta.DeleteProject(ctx, owner.ProjectID); err != nil {
		return fmt.Errorf("deleting project records: %w", err)
	}
	if owner.UserID != "" {
		if err := e.ws.Remove(ctx, owner); err != nil {
			e.logger.Warn("workspace removal failed", "owner", owner.String(), "error", err)
		}
	}
	e.logger.Info("project deleted", "project", owner.ProjectID)
	return nil
}

// CloseWorkspace discards the owner's sandbox. Durable tiers are untouched,
// so a later Rehydrate rebuilds it.
func (e *Engine) CloseWorkspace(ctx context.Context, owner Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := e.ws.Remove(ctx, owner); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	e.logger.Info("workspace closed", "owner", owner.String())
	return nil
}

// History returns the most recent mutating operations.
func (e *Engine) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	ops, err := e.meta.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
