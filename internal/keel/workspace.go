package keel

import (
	"context"
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Owner identifies a sandbox workspace.
// Workspaces without a UserID are legacy and read-only.
type Owner struct {
	UserID    string
	ProjectID string
}

// Validate checks that the owner can be written to.
func (o Owner) Validate() error {
	if o.ProjectID == "" {
		return fmt.Errorf("%w: project id required", ErrInvalidOwner)
	}
	if o.UserID == "" {
		return fmt.Errorf("%w: user id required for project %s", ErrInvalidOwner, o.ProjectID)
	}
	if err := ValidateID(o.UserID); err != nil {
		return err
	}
	return ValidateID(o.ProjectID)
}

// ValidateID checks that id is safe to use as a path segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidOwner, id)
	}
	return nil
}

func (o Owner) String() string {
	return o.UserID + "/" + o.ProjectID
}

// Workspace is the ephemeral, disposable sandbox tier.
// Every path is project-relative and validated with ValidatePath.
type Workspace interface {
	// WriteFile creates or replaces a file, creating parent directories.
	WriteFile(ctx context.Context, owner Owner, path string, content []byte) error

	// ReadFile returns a file's content, or an error wrapping ErrNotFound.
	ReadFile(ctx context.Context, owner Owner, path string) ([]byte, error)

	// ListFiles returns the project-relative paths of every regular file.
	ListFiles(ctx context.Context, owner Owner) ([]string, error)

	// FileCount returns the number of regular files in the workspace.
	FileCount(ctx context.Context, owner Owner) (int, error)

	// DeleteFile removes a file, or a folder with everything under it.
	// Removing an absent path is not an error.
	DeleteFile(ctx context.Context, owner Owner, path string) error

	// Remove deletes the whole workspace.
	Remove(ctx context.Context, owner Owner) error
}

// RestoreItem is one file to fetch during a batched restore.
type RestoreItem struct {
	Path string
	URL  string
}

// BatchRestorer is implemented by workspaces that live off-process and can
// fetch many files in a single round trip.
type BatchRestorer interface {
	RestoreBatch(ctx context.Context, owner Owner, items []RestoreItem) (int, error)
}

// BatchResult is the outcome of a batch program.
type BatchResult struct {
	Output   string
	ExitCode int
}

// BatchExecutor runs a shell program against the execution host of a workspace.
type BatchExecutor interface {
	Execute(ctx context.Context, owner Owner, script string) (*BatchResult, error)
}
