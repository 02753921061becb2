package remediation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keel-go/internal/classify"
	"keel-go/internal/fixes"
	"keel-go/internal/keel"
)

var tracer = otel.Tracer("keel-go/internal/remediation")

// ErrProposal marks a failed model call.
var ErrProposal = errors.New("model proposal failed")

const systemPrompt = `You repair build and runtime errors in a web or Python project.
Use the tools to inspect and edit files. Make the smallest change that fixes the error.
Edit only project files; never touch dependencies or generated output.
When the fix is complete, reply with a one-line summary and no tool calls.`

// LoopConfig bounds one tool-loop run.
type LoopConfig struct {
	Model     string
	Tier      classify.Complexity
	MaxSteps  int
	MaxTokens int
}

// LoopResult reports a tool-loop run.
type LoopResult struct {
	Summary      string
	Files        []string
	Calls        int
	Steps        int
	InputTokens  int
	OutputTokens int
	Exhausted    bool // stopped at MaxSteps with tool calls still pending
}

// ToolLoop drives a Proposer through repair tool calls.
type ToolLoop struct {
	proposer Proposer
	logger   keel.Logger
}

func NewToolLoop(proposer Proposer, logger keel.Logger) *ToolLoop {
	return &ToolLoop{proposer: proposer, logger: logger}
}

// Run sends the repair context and applies tool calls until the model
// stops calling tools or MaxSteps proposals have been made.
func (l *ToolLoop) Run(ctx context.Context, t fixes.Target, rc *RepairContext, cfg LoopConfig) (*LoopResult, error) {
	ctx, span := tracer.Start(ctx, "remediation.ToolLoop.Run", trace.WithAttributes(
		attribute.String("project_id", t.Owner().ProjectID),
		attribute.String("model", cfg.Model),
		attribute.String("tier", string(cfg.Tier)),
		attribute.Int("max_steps", cfg.MaxSteps),
	))
	defer span.End()

	res, err := l.run(ctx, t, rc, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int("steps", res.Steps),
		attribute.Int("files", len(res.Files)),
	)
	return res, nil
}

func (l *ToolLoop) run(ctx context.Context, t fixes.Target, rc *RepairContext, cfg LoopConfig) (*LoopResult, error) {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	tb := NewToolbox(t)
	res := &LoopResult{}
	messages := []Message{{
		Role: RoleUser,
		Text: "Fix the following error.\n\n" + rc.Text,
	}}

	for step := 0; step < cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			res.Files = tb.Written()
			return res, err
		}

		prop, err := l.proposer.Propose(ctx, ProposeRequest{
			Model:     cfg.Model,
			Tier:      cfg.Tier,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     RepairTools,
			MaxTokens: cfg.MaxTokens,
		})
		res.Steps++
		if err != nil {
			res.Files = tb.Written()
			return res, fmt.Errorf("%w: step %d: %w", ErrProposal, step+1, err)
		}
		res.InputTokens += prop.InputTokens
		res.OutputTokens += prop.OutputTokens

		l.logger.Debug("tool loop step", "step", step+1, "tool_calls", len(prop.ToolCalls), "stop_reason", prop.StopReason)

		if len(prop.ToolCalls) == 0 {
			res.Summary = prop.Text
			res.Files = tb.Written()
			return res, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Text: prop.Text, ToolCalls: prop.ToolCalls})

		results := make([]ToolResult, 0, len(prop.ToolCalls))
		for _, call := range prop.ToolCalls {
			r, err := tb.Execute(ctx, call)
			res.Calls++
			if err != nil {
				res.Files = tb.Written()
				return res, err
			}
			if r.IsError {
				l.logger.Debug("tool call rejected", "tool", call.Name, "error", r.Content)
			}
			results = append(results, r)
		}
		messages = append(messages, Message{Role: RoleUser, ToolResults: results})
	}

	res.Exhausted = true
	res.Files = tb.Written()
	return res, nil
}
