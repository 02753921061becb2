package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"keel-go/internal/keel"
	"keel-go/internal/remediation"
)

// Throttled limits a Proposer to a request rate shared by every caller
// in the process and retries rate-limit and server errors.
type Throttled struct {
	next      remediation.Proposer
	limiter   *rate.Limiter
	maxTries  uint
	initial   time.Duration
	retryable func(error) bool
	logger    keel.Logger
}

// NewThrottled wraps next. perMinute <= 0 disables rate limiting;
// maxTries <= 1 disables retries.
func NewThrottled(next remediation.Proposer, perMinute int, maxTries uint, initial time.Duration, logger keel.Logger) *Throttled {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = max(1, perMinute/10)
	}
	if maxTries < 1 {
		maxTries = 1
	}
	if logger == nil {
		logger = keel.NewNopLogger()
	}
	return &Throttled{
		next:      next,
		limiter:   rate.NewLimiter(limit, burst),
		maxTries:  maxTries,
		initial:   initial,
		retryable: Retryable,
		logger:    logger,
	}
}

func (t *Throttled) Propose(ctx context.Context, req remediation.ProposeRequest) (*remediation.Proposal, error) {
	b := backoff.NewExponentialBackOff()
	if t.initial > 0 {
		b.InitialInterval = t.initial
	}

	attempt := 0
	op := func() (*remediation.Proposal, error) {
		attempt++
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		p, err := t.next.Propose(ctx, req)
		if err == nil {
			return p, nil
		}
		if !t.retryable(err) {
			return nil, backoff.Permanent(err)
		}
		t.logger.Warn("model call failed, retrying", "model", req.Model, "attempt", attempt, "error", err)
		return nil, err
	}

	p, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(t.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("proposing with %s after %d attempt(s): %w", req.Model, attempt, err)
	}
	return p, nil
}

var _ remediation.Proposer = (*Throttled)(nil)
