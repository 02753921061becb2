package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"keel-go/internal/keel"
)

// DockerExecutor runs batch programs inside a project's container with
// `docker exec -i <prefix><project_id> sh -s`, feeding the program on stdin.
type DockerExecutor struct {
	dockerCmd string
	prefix    string
	timeout   time.Duration
	logger    keel.Logger
}

// NewDockerExecutor creates an executor for containers named prefix+projectID.
func NewDockerExecutor(prefix string, timeout time.Duration, logger keel.Logger) *DockerExecutor {
	if logger == nil {
		logger = keel.NewNopLogger()
	}
	return &DockerExecutor{dockerCmd: "docker", prefix: prefix, timeout: timeout, logger: logger}
}

// Container returns the container name serving owner.
func (d *DockerExecutor) Container(owner keel.Owner) string {
	return d.prefix + owner.ProjectID
}

// Execute runs script in the owner's container. A non-zero exit status is
// reported in the result, not as an error; errors mean docker itself failed.
func (d *DockerExecutor) Execute(ctx context.Context, owner keel.Owner, script string) (*keel.BatchResult, error) {
	if err := keel.ValidateID(owner.ProjectID); err != nil {
		return nil, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	container := d.Container(owner)
	cmd := exec.CommandContext(ctx, d.dockerCmd, "exec", "-i", container, "sh", "-s")
	cmd.Stdin = bytes.NewReader([]byte(script))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	d.logger.Debug("docker exec", "container", container, "bytes", len(script), "duration", time.Since(start))

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			// Exit 125-127 come from docker itself (no such container, etc).
			if code := exitErr.ExitCode(); code < 125 {
				return &keel.BatchResult{Output: stdout.String() + stderr.String(), ExitCode: code}, nil
			}
		}
		d.logger.Warn("docker exec failed", "container", container, "error", err, "stderr", stderr.String())
		return nil, fmt.Errorf("docker exec in %s: %w: %s", container, err, stderr.String())
	}
	return &keel.BatchResult{Output: stdout.String(), ExitCode: 0}, nil
}

var _ keel.BatchExecutor = (*DockerExecutor)(nil)
