package workspace

import (
	"fmt"
	"time"

	"keel-go/internal/config"
	"keel-go/internal/keel"
)

const dockerExecTimeout = 2 * time.Minute

// NewWorkspaceFromConfig creates the sandbox tier and the executor that runs
// programs against it, based on the workspace config type.
func NewWorkspaceFromConfig(cfg config.WorkspaceConfig, logger keel.Logger) (keel.Workspace, keel.BatchExecutor, error) {
	switch cfg.Type {
	case "local":
		if cfg.Root == "" {
			return nil, nil, fmt.Errorf("local workspace requires root to be set")
		}
		ws, err := NewLocalWorkspace(cfg.Root, cfg.Ignore)
		if err != nil {
			return nil, nil, err
		}
		return ws, NewShellExecutor(ws.Dir), nil
	case "docker":
		if cfg.ProjectDir == "" {
			return nil, nil, fmt.Errorf("docker workspace requires project_dir to be set")
		}
		exec := NewDockerExecutor(cfg.ContainerPrefix, dockerExecTimeout, logger)
		return NewRemoteWorkspace(exec, cfg.ProjectDir, cfg.Ignore), exec, nil
	default:
		return nil, nil, fmt.Errorf("unknown workspace type: %s", cfg.Type)
	}
}
