package testutil

import (
	"context"
	"sync"

	"keel-go/internal/keel"
)

// RecordingExecutor is a keel.BatchExecutor that records scripts and
// returns a canned result.
type RecordingExecutor struct {
	mu      sync.Mutex
	Scripts []string
	Result  keel.BatchResult
	Err     error
}

func (r *RecordingExecutor) Execute(ctx context.Context, owner keel.Owner, script string) (*keel.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Scripts = append(r.Scripts, script)
	if r.Err != nil {
		return nil, r.Err
	}
	res := r.Result
	return &res, nil
}

var _ keel.BatchExecutor = (*RecordingExecutor)(nil)
