package keel

import (
	"context"

	"keel-go/internal/model"
)

// MetadataStore is the relational index of project files.
// Lookups that find nothing return nil and no error.
type MetadataStore interface {
	// FindFile returns the record at (projectID, path).
	FindFile(ctx context.Context, projectID, path string) (*model.FileRecord, error)

	// ListFiles returns every record of a project, folders included, ordered by path.
	ListFiles(ctx context.Context, projectID string) ([]*model.FileRecord, error)

	// ListCompletedFiles returns completed non-folder records, ordered by path.
	ListCompletedFiles(ctx context.Context, projectID string) ([]*model.FileRecord, error)

	// PlanFiles inserts planned records for paths not yet indexed and
	// returns how many were created.
	PlanFiles(ctx context.Context, projectID string, paths []string) (int, error)

	// SetGenerationStatus moves a record to a non-completed status.
	// Completed is reachable only through CommitFile.
	SetGenerationStatus(ctx context.Context, projectID, path string, status model.GenerationStatus) error

	// CommitFile records verified content for a file in a single transaction:
	// update-or-insert the record as completed and materialize missing
	// ancestor folders.
	CommitFile(ctx context.Context, rec *model.FileRecord) error

	// DeleteFile removes the record at (projectID, path).
	DeleteFile(ctx context.Context, projectID, path string) error

	// DeleteProject removes every record of a project.
	DeleteProject(ctx context.Context, projectID string) error

	// StatusCounts returns non-folder record counts keyed by status.
	StatusCounts(ctx context.Context, projectID string) (map[model.GenerationStatus]int, error)

	// ReferencedStorageKeys returns the set of storage keys held by a project.
	ReferencedStorageKeys(ctx context.Context, projectID string) (map[string]bool, error)

	// StorageKeyReferenced reports whether any record of a project holds key.
	StorageKeyReferenced(ctx context.Context, projectID, key string) (bool, error)

	// Operation tracking

	CreateOperation(ctx context.Context, operation, parameters string) (*model.Operation, error)
	FinishOperation(ctx context.Context, id int64, status string) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)

	Close() error
}
