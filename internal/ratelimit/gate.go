package ratelimit

import (
	"context"
	"errors"
	"time"

	"leora.app/internal/auth"
)

// Decision is the combined verdict of the limiter and the lockout guard.
type Decision struct {
	CanProceed        bool
	Reason            auth.Reason
	RemainingAttempts int
	ResetAt           time.Time
	LockoutUntil      time.Time
}

// Err converts a negative decision into an *auth.Denial; nil otherwise.
func (d Decision) Err() error {
	if d.CanProceed {
		return nil
	}
	denial := auth.Deny(d.Reason)
	denial.ResetAt = d.ResetAt
	denial.LockoutUntil = d.LockoutUntil
	if d.Reason == auth.ReasonRateLimited {
		denial.WithRemaining(d.RemainingAttempts)
	}
	return denial
}

// Gate runs the rate-limit check before the lockout check. A caller that is
// rate limited learns nothing about the lock state of the account.
type Gate struct {
	limiter *Limiter
	lockout *Lockout
}

// NewGate combines limiter and lockout.
func NewGate(limiter *Limiter, lockout *Lockout) (*Gate, error) {
	if limiter == nil || lockout == nil {
		return nil, errors.New("ratelimit: limiter and lockout are required")
	}
	return &Gate{limiter: limiter, lockout: lockout}, nil
}

// Limiter exposes the underlying limiter.
func (g *Gate) Limiter() *Limiter { return g.limiter }

// Lockout exposes the underlying lockout guard.
func (g *Gate) Lockout() *Lockout { return g.lockout }

// CheckIP runs the rate-limit half of SecurityStatus on its own. It needs
// no tenant, so it can run before the tenant is resolved.
func (g *Gate) CheckIP(ctx context.Context, ipID string) (Decision, error) {
	rl, err := g.limiter.Check(ctx, ipID)
	if err != nil {
		return Decision{}, err
	}
	if rl.Limited {
		return Decision{
			Reason:            auth.ReasonRateLimited,
			RemainingAttempts: 0,
			ResetAt:           rl.ResetAt,
		}, nil
	}
	return Decision{CanProceed: true, RemainingAttempts: rl.Remaining, ResetAt: rl.ResetAt}, nil
}

// SecurityStatus decides whether a credential check may run for the pair of
// identifiers.
func (g *Gate) SecurityStatus(ctx context.Context, ipID, emailID string) (Decision, error) {
	d, err := g.CheckIP(ctx, ipID)
	if err != nil || !d.CanProceed {
		return d, err
	}
	lock, err := g.lockout.Check(ctx, emailID)
	if err != nil {
		return Decision{}, err
	}
	if lock.Locked {
		return Decision{
			Reason:            auth.ReasonAccountLocked,
			RemainingAttempts: d.RemainingAttempts,
			LockoutUntil:      lock.LockedUntil,
		}, nil
	}
	return d, nil
}
