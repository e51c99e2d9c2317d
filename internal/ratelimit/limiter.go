package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxAttempts = 5
)

// Status is the rate-limit view of one identifier.
type Status struct {
	Limited   bool
	Remaining int
	// ResetAt is zero when the identifier has no open window.
	ResetAt time.Time
}

// Limiter is a fixed-window attempt counter keyed by identifier. Expired
// windows are treated as absent on every read.
type Limiter struct {
	store       AttemptStore
	window      time.Duration
	maxAttempts int
	now         func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithWindow sets the window length.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMaxAttempts sets the per-window cap.
func WithMaxAttempts(n int) LimiterOption {
	return func(l *Limiter) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLimiterClock overrides the time source (useful for tests).
func WithLimiterClock(fn func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLimiter builds a limiter over store.
func NewLimiter(store AttemptStore, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: attempt store is required")
	}
	l := &Limiter{
		store:       store,
		window:      DefaultWindow,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// MaxAttempts returns the configured cap.
func (l *Limiter) MaxAttempts() int { return l.maxAttempts }

// Check reports whether id has used up its window. It never mutates state.
func (l *Limiter) Check(ctx context.Context, id string) (Status, error) {
	entry, ok, err := l.store.GetAttempts(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit check %s: %w", id, err)
	}
	return l.status(entry, ok && l.now().Before(entry.ResetAt)), nil
}

// RecordAttempt counts one attempt, opening a new window when none is live.
func (l *Limiter) RecordAttempt(ctx context.Context, id string) (Status, error) {
	now := l.now()
	entry, ok, err := l.store.GetAttempts(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit record %s: %w", id, err)
	}
	if !ok || !now.Before(entry.ResetAt) {
		entry = AttemptEntry{WindowStart: now, ResetAt: now.Add(l.window)}
	}
	entry.Count++
	if err := l.store.PutAttempts(ctx, id, entry); err != nil {
		return Status{}, fmt.Errorf("ratelimit record %s: %w", id, err)
	}
	return l.status(entry, true), nil
}

// Reset forgets id's window.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	if err := l.store.DeleteAttempts(ctx, id); err != nil {
		return fmt.Errorf("ratelimit reset %s: %w", id, err)
	}
	return nil
}

func (l *Limiter) status(entry AttemptEntry, live bool) Status {
	if !live {
		return Status{Remaining: l.maxAttempts}
	}
	remaining := l.maxAttempts - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Limited:   entry.Count >= l.maxAttempts,
		Remaining: remaining,
		ResetAt:   entry.ResetAt,
	}
}
