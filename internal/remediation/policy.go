// Package remediation repairs build and runtime errors in a project: rate
// check, classification, deterministic fixes, then a bounded AI tool loop.
package remediation

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often a project may be remediated.
type Policy struct {
	Window      time.Duration
	Cooldown    time.Duration
	MaxAttempts int
}

// Validate rejects policies whose window would admit every attempt.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("remediation window must be positive, got %v", p.Window)
	}
	if p.Cooldown < 0 || p.MaxAttempts < 0 {
		return fmt.Errorf("remediation cooldown and max attempts must not be negative")
	}
	return nil
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Attempts is the pruned window, including now when allowed.
	Attempts []time.Time
}

// Check decides whether an attempt at now is allowed given earlier
// attempts, oldest first. It prunes attempts outside the window.
func (p Policy) Check(attempts []time.Time, now time.Time) Decision {
	var kept []time.Time
	for _, at := range attempts {
		if now.Sub(at) < p.Window {
			kept = append(kept, at)
		}
	}

	if n := len(kept); n > 0 && p.Cooldown > 0 {
		if since := now.Sub(kept[n-1]); since < p.Cooldown {
			return Decision{RetryAfter: p.Cooldown - since, Attempts: kept}
		}
	}
	if p.MaxAttempts > 0 && len(kept) >= p.MaxAttempts {
		return Decision{RetryAfter: p.Window - now.Sub(kept[0]), Attempts: kept}
	}
	return Decision{Allowed: true, Attempts: append(kept, now)}
}

// AttemptStore holds per-project attempt timestamps.
type AttemptStore interface {
	// Update replaces a project's attempts with fn's result atomically.
	Update(ctx context.Context, projectID string, fn func([]time.Time) []time.Time) error

	// Attempts returns a project's attempts, oldest first.
	Attempts(ctx context.Context, projectID string) ([]time.Time, error)
}

// Limiter applies a Policy over an AttemptStore.
type Limiter struct {
	policy Policy
	store  AttemptStore
}

func NewLimiter(policy Policy, store AttemptStore) *Limiter {
	return &Limiter{policy: policy, store: store}
}

// Allow checks and, when allowed, records an attempt at now.
func (l *Limiter) Allow(ctx context.Context, projectID string, now time.Time) (Decision, error) {
	var d Decision
	err := l.store.Update(ctx, projectID, func(attempts []time.Time) []time.Time {
		d = l.policy.Check(attempts, now)
		return d.Attempts
	})
	if err != nil {
		return Decision{}, fmt.Errorf("updating attempt window: %w", err)
	}
	return d, nil
}
