package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"keel-go/internal/keel"
)

// ShellExecutor runs batch programs with the local `sh -s`, in the directory
// dirFor returns for the owner. It serves local sandboxes the way
// DockerExecutor serves containers.
type ShellExecutor struct {
	dirFor func(keel.Owner) string
}

func NewShellExecutor(dirFor func(keel.Owner) string) *ShellExecutor {
	return &ShellExecutor{dirFor: dirFor}
}

func (s *ShellExecutor) Execute(ctx context.Context, owner keel.Owner, script string) (*keel.BatchResult, error) {
	dir := s.dirFor(owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-s")
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader([]byte(script))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return &keel.BatchResult{Output: out.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, fmt.Errorf("running sh: %w", err)
	}
	return &keel.BatchResult{Output: out.String()}, nil
}

var _ keel.BatchExecutor = (*ShellExecutor)(nil)
