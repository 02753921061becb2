package keel

import (
	"context"
	"fmt"

	"keel-go/internal/model"
)

// ProjectStatus summarizes generation progress for a project.
type ProjectStatus struct {
	ProjectID       string
	Planned         int
	Generating      int
	Completed       int
	Failed          int
	Skipped         int
	Total           int
	PercentComplete float64
	Resumable       bool
}

// Status derives a project's progress purely from its file records.
// Folders are not counted.
func (e *Engine) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	counts, err := e.meta.StatusCounts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("counting file statuses: %w", err)
	}

	s := &ProjectStatus{
		ProjectID:  projectID,
		Planned:    counts[model.StatusPlanned],
		Generating: counts[model.StatusGenerating],
		Completed:  counts[model.StatusCompleted],
		Failed:     counts[model.StatusFailed],
		Skipped:    counts[model.StatusSkipped],
	}
	s.Total = s.Planned + s.Generating + s.Completed + s.Failed + s.Skipped

	if denom := s.Total - s.Skipped; denom > 0 {
		s.PercentComplete = float64(s.Completed) * 100 / float64(denom)
	}
	s.Resumable = s.Planned+s.Generating+s.Failed > 0
	return s, nil
}
