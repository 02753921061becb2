// Package fixes holds pattern-triggered repairs that run before any AI
// call. Every write goes through the storage engine.
package fixes

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"keel-go/internal/keel"
	"keel-go/internal/model"
)

// Target is file access for one project, backed by the storage engine.
type Target interface {
	Owner() keel.Owner

	// Read returns a file's content, or an error wrapping keel.ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write persists a file durably and mirrors it into the workspace.
	Write(ctx context.Context, path string, content []byte) error

	// Files returns the paths of every completed file in metadata, sorted.
	Files(ctx context.Context) ([]string, error)
}

// Outcome reports what a fix did.
type Outcome struct {
	Applied     bool
	Fix         string
	Files       []string
	Description string
}

// Fix is one deterministic repair.
type Fix interface {
	Name() string

	// Apply returns an Outcome with Applied false when the fix does not
	// match errText. Errors are reserved for failed reads and writes.
	Apply(ctx context.Context, t Target, errText string) (Outcome, error)
}

// EngineTarget adapts a keel.Engine to Target.
type EngineTarget struct {
	engine *keel.Engine
	owner  keel.Owner
}

func NewEngineTarget(engine *keel.Engine, owner keel.Owner) *EngineTarget {
	return &EngineTarget{engine: engine, owner: owner}
}

func (t *EngineTarget) Owner() keel.Owner { return t.owner }

func (t *EngineTarget) Read(ctx context.Context, p string) ([]byte, error) {
	return t.engine.Read(ctx, t.owner, p)
}

func (t *EngineTarget) Write(ctx context.Context, p string, content []byte) error {
	_, err := t.engine.Write(ctx, t.owner, p, content)
	return err
}

func (t *EngineTarget) Files(ctx context.Context) ([]string, error) {
	records, err := t.engine.ListFiles(ctx, t.owner.ProjectID)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, r := range records {
		if !r.IsFolder && r.Status == model.StatusCompleted {
			files = append(files, r.Path)
		}
	}
	return files, nil
}

var _ Target = (*EngineTarget)(nil)

// readOptional returns nil content and no error for missing files.
func readOptional(ctx context.Context, t Target, p string) ([]byte, error) {
	data, err := t.Read(ctx, p)
	if errors.Is(err, keel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func hasExt(p string, exts ...string) bool {
	ext := path.Ext(p)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
