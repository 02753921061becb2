package remediation

import (
	"context"
	"errors"
	"time"

	"keel-go/internal/classify"
	"keel-go/internal/keel"
)

var (
	// ErrPendingNotFound is returned for unknown pending fix ids.
	ErrPendingNotFound = errors.New("pending fix not found")

	// ErrPendingExpired is returned when approving a fix past its deadline.
	ErrPendingExpired = errors.New("pending fix expired")
)

// PendingFix is an AI repair awaiting explicit approval.
type PendingFix struct {
	ID         string              `json:"id"`
	Owner      keel.Owner          `json:"owner"`
	ErrorText  string              `json:"error_text"`
	Context    string              `json:"context"`
	Command    string              `json:"command,omitempty"`
	Category   classify.Category   `json:"category"`
	Complexity classify.Complexity `json:"complexity"`
	Model      string              `json:"model"`
	Files      []string            `json:"files"`
	Estimate   CostEstimate        `json:"estimate"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// Expired reports whether the fix can no longer be approved at now.
func (p *PendingFix) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PendingStore holds pending fixes. Get returns nil and no error for
// unknown ids.
type PendingStore interface {
	Put(ctx context.Context, fix *PendingFix) error
	Get(ctx context.Context, id string) (*PendingFix, error)
	Delete(ctx context.Context, id string) error

	// List returns a project's fixes oldest first; "" lists all projects.
	List(ctx context.Context, projectID string) ([]*PendingFix, error)
}
