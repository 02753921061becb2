package fixes

import (
	"context"
	"fmt"

	"keel-go/internal/keel"
)

// Options configures the default chain.
type Options struct {
	PortMin int
	PortMax int
}

// Chain runs fixes in order and stops at the first one that applies.
type Chain struct {
	fixes  []Fix
	logger keel.Logger
}

// NewChain creates a chain of the given fixes.
func NewChain(logger keel.Logger, fixes ...Fix) *Chain {
	if logger == nil {
		logger = keel.NewNopLogger()
	}
	return &Chain{fixes: fixes, logger: logger}
}

// DefaultChain returns the standard repair order.
func DefaultChain(opts Options, logger keel.Logger) (*Chain, error) {
	scaffold, err := NewScaffold()
	if err != nil {
		return nil, err
	}
	return NewChain(logger,
		MissingImport{},
		CSSToken{},
		ExportAlias{},
		scaffold,
		NewPortBump(opts.PortMin, opts.PortMax, scaffold),
	), nil
}

// Names lists the fixes in chain order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.fixes))
	for i, f := range c.fixes {
		names[i] = f.Name()
	}
	return names
}

// Run applies the first matching fix. An Outcome with Applied false means
// nothing matched.
func (c *Chain) Run(ctx context.Context, t Target, errText string) (Outcome, error) {
	for _, f := range c.fixes {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		out, err := f.Apply(ctx, t, errText)
		if err != nil {
			c.logger.Warn("deterministic fix failed", "fix", f.Name(), "project", t.Owner().ProjectID, "error", err)
			return Outcome{Fix: f.Name()}, fmt.Errorf("applying %s: %w", f.Name(), err)
		}
		if out.Applied {
			out.Fix = f.Name()
			c.logger.Info("deterministic fix applied", "fix", f.Name(), "project", t.Owner().ProjectID, "files", out.Files)
			return out, nil
		}
		c.logger.Debug("deterministic fix not applicable", "fix", f.Name())
	}
	return Outcome{}, nil
}
