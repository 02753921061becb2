package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keel-go/internal/classify"
	"keel-go/internal/fixes"
	"keel-go/internal/keel"
	"keel-go/internal/metrics"
)

// State is a step of one remediation attempt.
type State string

const (
	StateReceived               State = "received"
	StateRateChecked            State = "rate_checked"
	StateClassified             State = "classified"
	StateDeterministicAttempted State = "deterministic_attempted"
	StateResolved               State = "resolved"
	StateEscalate               State = "escalate"
	StateToolLoop               State = "iterative_tool_loop"
	StateDone                   State = "done"
)

// Request asks for one error set to be repaired.
type Request struct {
	Owner  keel.Owner
	Errors []string
	// Command is the build or run command that produced the errors.
	Command string
	// RequireConfirmation stores AI repairs as pending fixes even when
	// the orchestrator does not require it.
	RequireConfirmation bool
}

// ErrorText joins the error set.
func (r Request) ErrorText() string {
	return strings.TrimSpace(strings.Join(r.Errors, "\n"))
}

// Result is the outcome of an attempt.
type Result struct {
	Success             bool
	FilesModified       []string
	Message             string
	PatchesApplied      int
	PendingConfirmation bool
	PendingFixID        string
	Category            classify.Category
	Complexity          classify.Complexity
	RateLimited         bool
	RetryAfter          time.Duration
	AICalls             int
	Fix                 string // deterministic fix name when one applied
	Estimate            *CostEstimate
	Trace               []State
}

func (r *Result) addFiles(files ...string) {
	for _, f := range files {
		if !contains(r.FilesModified, f) {
			r.FilesModified = append(r.FilesModified, f)
			r.PatchesApplied++
		}
	}
}

// TargetFunc returns file access for a project.
type TargetFunc func(keel.Owner) fixes.Target

// Options tunes an Orchestrator.
type Options struct {
	Policy              Policy
	RequireConfirmation bool
	PendingTTL          time.Duration
	MaxSteps            int
	MaxTokens           int
	Models              map[classify.Complexity]string
}

// Orchestrator runs rate check, classification, deterministic fixes, the
// dependency pass and the AI tool loop for each attempt.
type Orchestrator struct {
	target    TargetFunc
	chain     *fixes.Chain
	deps      *DependencyPass
	limiter   *Limiter
	pending   PendingStore
	proposer  Proposer
	estimator *CostEstimator
	logger    keel.Logger
	clock     keel.Clock
	idgen     keel.IDGenerator
	metrics   *metrics.Metrics
	opts      Options
}

// NewOrchestrator creates an Orchestrator. deps and proposer may be nil;
// a nil proposer disables AI repair. m may be nil.
func NewOrchestrator(target TargetFunc, chain *fixes.Chain, deps *DependencyPass, attempts AttemptStore, pending PendingStore, proposer Proposer, estimator *CostEstimator, logger keel.Logger, clock keel.Clock, idgen keel.IDGenerator, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 15 * time.Minute
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Orchestrator{
		target:    target,
		chain:     chain,
		deps:      deps,
		limiter:   NewLimiter(opts.Policy, attempts),
		pending:   pending,
		proposer:  proposer,
		estimator: estimator,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		metrics:   m,
		opts:      opts,
	}
}

func (o *Orchestrator) enter(res *Result, owner keel.Owner, s State) {
	res.Trace = append(res.Trace, s)
	o.logger.Debug("remediation state", "project", owner.ProjectID, "state", string(s))
}

func (o *Orchestrator) finish(res *Result, owner keel.Owner, outcome string) {
	o.enter(res, owner, StateDone)
	o.metrics.ObserveRemediation(string(res.Category), outcome)
	o.logger.Info("remediation finished",
		"project", owner.ProjectID,
		"outcome", outcome,
		"category", string(res.Category),
		"success", res.Success,
		"files", res.FilesModified,
		"ai_calls", res.AICalls,
	)
}

// Remediate runs one attempt. Domain outcomes are reported in Result; the
// error is non-nil only for store failures, failed writes or ctx
// cancellation.
func (o *Orchestrator) Remediate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "remediation.Orchestrator.Remediate", trace.WithAttributes(
		attribute.String("project_id", req.Owner.ProjectID),
		attribute.Int("errors", len(req.Errors)),
	))
	defer span.End()

	res, err := o.remediate(ctx, req)
	if res != nil {
		span.SetAttributes(
			attribute.String("category", string(res.Category)),
			attribute.Bool("success", res.Success),
			attribute.Int("ai_calls", res.AICalls),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) remediate(ctx context.Context, req Request) (*Result, error) {
	owner := req.Owner
	res := &Result{}
	o.enter(res, owner, StateReceived)

	if err := owner.Validate(); err != nil {
		return res, err
	}
	errText := req.ErrorText()
	if errText == "" {
		res.Message = "no error output to remediate"
		o.finish(res, owner, "empty")
		return res, nil
	}

	d, err := o.limiter.Allow(ctx, owner.ProjectID, o.clock.Now())
	if err != nil {
		return res, err
	}
	o.enter(res, owner, StateRateChecked)
	if !d.Allowed {
		res.RateLimited = true
		res.RetryAfter = d.RetryAfter
		res.Message = fmt.Sprintf("too many remediation attempts; retry in %s", d.RetryAfter.Round(time.Second))
		o.finish(res, owner, "rate_limited")
		return res, nil
	}

	cls := classify.Classify(errText)
	res.Category = cls.Category
	res.Complexity = classify.ClassifyComplexity(req.Errors, nil)
	o.enter(res, owner, StateClassified)

	if !cls.Category.CodeFixable() {
		res.Message = fmt.Sprintf("not fixable by code: %s", cls.Reason)
		o.finish(res, owner, "not_fixable")
		return res, nil
	}

	t := o.target(owner)
	out, err := o.chain.Run(ctx, t, errText)
	o.enter(res, owner, StateDeterministicAttempted)
	if err != nil {
		res.Message = fmt.Sprintf("fix %s failed: %v", out.Fix, err)
		o.finish(res, owner, "error")
		return res, err
	}
	if out.Applied {
		res.Success = true
		res.Fix = out.Fix
		res.Message = out.Description
		res.addFiles(out.Files...)
		o.metrics.ObserveFix(out.Fix)
		o.enter(res, owner, StateResolved)
		o.finish(res, owner, "deterministic")
		return res, nil
	}
	o.enter(res, owner, StateEscalate)

	switch cls.Category {
	case classify.CategoryInfrastructure:
		res.Message = fmt.Sprintf("%s; restart the sandbox and retry", cls.Reason)
		o.finish(res, owner, "restart_hint")
		return res, nil

	case classify.CategoryDependency:
		if o.deps != nil {
			dout, err := o.deps.Run(ctx, t, errText)
			if err != nil {
				res.Message = fmt.Sprintf("dependency update failed: %v", err)
				o.finish(res, owner, "error")
				return res, err
			}
			if dout.Added {
				res.addFiles(dout.Manifest)
			}
			if dout.Resolved {
				res.Success = true
				res.Message = fmt.Sprintf("added %s to %s", dout.Package.Name, dout.Manifest)
				if dout.Installed {
					res.Message += " and installed it"
				}
				o.enter(res, owner, StateResolved)
				o.finish(res, owner, "dependency")
				return res, nil
			}
		}
	}

	if o.proposer == nil {
		res.Message = "no deterministic fix matched and AI repair is disabled"
		o.finish(res, owner, "no_fix")
		return res, nil
	}

	rc, err := BuildContext(ctx, t, errText)
	if err != nil {
		o.finish(res, owner, "error")
		return res, err
	}

	if req.RequireConfirmation || o.opts.RequireConfirmation {
		return o.propose(ctx, res, req, rc)
	}
	return o.runAI(ctx, t, res, rc)
}

// propose stores a pending fix with a cost estimate.
func (o *Orchestrator) propose(ctx context.Context, res *Result, req Request, rc *RepairContext) (*Result, error) {
	cfg := o.loopConfig(res.Complexity)
	est := o.estimator.Estimate(systemPrompt+rc.Text, res.Complexity, cfg.MaxSteps)
	now := o.clock.Now()

	fix := &PendingFix{
		ID:         o.idgen.New(),
		Owner:      req.Owner,
		ErrorText:  rc.ErrorText,
		Context:    rc.Text,
		Command:    req.Command,
		Category:   res.Category,
		Complexity: res.Complexity,
		Model:      cfg.Model,
		Files:      rc.Files,
		Estimate:   est,
		CreatedAt:  now,
		ExpiresAt:  now.Add(o.opts.PendingTTL),
	}
	if err := o.pending.Put(ctx, fix); err != nil {
		o.finish(res, req.Owner, "error")
		return res, fmt.Errorf("storing pending fix: %w", err)
	}

	res.PendingConfirmation = true
	res.PendingFixID = fix.ID
	res.Estimate = &est
	res.Message = fmt.Sprintf("AI repair needs approval: about %d tokens, $%.4f with %s", est.TotalTokens(), est.CostUSD, cfg.Model)
	o.finish(res, req.Owner, "pending")
	return res, nil
}

// Approve runs the AI repair of a pending fix and removes it.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*Result, error) {
	fix, err := o.pending.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, fmt.Errorf("%w: %s", ErrPendingNotFound, id)
	}
	if err := o.pending.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("removing pending fix: %w", err)
	}
	if fix.Expired(o.clock.Now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrPendingExpired, id, fix.ExpiresAt.Format(time.RFC3339))
	}

	res := &Result{Category: fix.Category, Complexity: fix.Complexity}
	o.enter(res, fix.Owner, StateReceived)
	if o.proposer == nil {
		res.Message = "AI repair is disabled"
		o.finish(res, fix.Owner, "no_fix")
		return res, nil
	}

	t := o.target(fix.Owner)
	rc, err := BuildContext(ctx, t, fix.ErrorText)
	if err != nil {
		return res, err
	}
	return o.runAI(ctx, t, res, rc)
}

// Cancel discards a pending fix.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	fix, err := o.pending.Get(ctx, id)
	if err != nil {
		return err
	}
	if fix == nil {
		return fmt.Errorf("%w: %s", ErrPendingNotFound, id)
	}
	if err := o.pending.Delete(ctx, id); err != nil {
		return fmt.Errorf("removing pending fix: %w", err)
	}
	o.logger.Info("pending fix cancelled", "project", fix.Owner.ProjectID, "id", id)
	return nil
}

// ListPending returns a project's pending fixes; "" lists all.
func (o *Orchestrator) ListPending(ctx context.Context, projectID string) ([]*PendingFix, error) {
	return o.pending.List(ctx, projectID)
}

func (o *Orchestrator) runAI(ctx context.Context, t fixes.Target, res *Result, rc *RepairContext) (*Result, error) {
	owner := t.Owner()
	cfg := o.loopConfig(res.Complexity)
	o.enter(res, owner, StateToolLoop)

	lr, err := NewToolLoop(o.proposer, o.logger).Run(ctx, t, rc, cfg)
	if lr != nil {
		res.AICalls += lr.Steps
		for i := 0; i < lr.Steps; i++ {
			o.metrics.ObserveAICall(string(cfg.Tier))
		}
		res.addFiles(lr.Files...)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrProposal) && ctx.Err() == nil:
		res.Message = fmt.Sprintf("AI repair failed: %v", err)
		o.finish(res, owner, "ai_failed")
		return res, nil
	default:
		res.Message = fmt.Sprintf("AI repair aborted: %v", err)
		o.finish(res, owner, "error")
		return res, err
	}

	if len(lr.Files) == 0 {
		res.Message = "no fix found"
		if lr.Summary != "" {
			res.Message += ": " + lr.Summary
		}
		o.finish(res, owner, "no_fix")
		return res, nil
	}

	res.Success = true
	res.Message = lr.Summary
	if res.Message == "" {
		res.Message = fmt.Sprintf("AI repair edited %d file(s)", len(lr.Files))
	}
	if lr.Exhausted {
		res.Message += fmt.Sprintf(" (stopped after %d steps)", lr.Steps)
	}
	o.enter(res, owner, StateResolved)
	o.finish(res, owner, "ai_fixed")
	return res, nil
}

// loopConfig sizes the loop for a tier: simple errors get half the step
// and token budget of complex ones.
func (o *Orchestrator) loopConfig(tier classify.Complexity) LoopConfig {
	steps, tokens := o.opts.MaxSteps, o.opts.MaxTokens
	switch tier {
	case classify.ComplexitySimple:
		steps, tokens = steps/2, tokens/2
	case classify.ComplexityModerate:
		steps = steps * 3 / 4
	}
	if steps < 2 {
		steps = 2
	}

	model := o.opts.Models[tier]
	if model == "" {
		model = o.opts.Models[classify.ComplexityModerate]
	}
	return LoopConfig{Model: model, Tier: tier, MaxSteps: steps, MaxTokens: tokens}
}
