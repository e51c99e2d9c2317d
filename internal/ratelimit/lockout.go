package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultLockoutThreshold = 10
	DefaultLockoutBase      = 30 * time.Minute
	DefaultLockoutFactor    = 2
	DefaultMaxLockout       = 365 * 24 * time.Hour
)

// LockoutStatus is the lockout view of one identifier.
type LockoutStatus struct {
	Locked         bool
	FailedAttempts int
	LockoutCount   int
	LockedUntil    time.Time
	// Triggered is set when the failure just recorded started a lock.
	Triggered bool
}

// Lockout locks an identifier after repeated failures. Each successive lock
// of the same identifier lasts base*factor^n, where n counts earlier locks.
type Lockout struct {
	store     LockoutStore
	threshold int
	base      time.Duration
	factor    int
	max       time.Duration
	now       func() time.Time
}

// LockoutOption configures a Lockout.
type LockoutOption func(*Lockout)

// WithThreshold sets the failures needed to trigger a lock.
func WithThreshold(n int) LockoutOption {
	return func(l *Lockout) {
		if n > 0 {
			l.threshold = n
		}
	}
}

// WithBaseDuration sets the length of the first lock.
func WithBaseDuration(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.base = d
		}
	}
}

// WithFactor sets the escalation multiplier.
func WithFactor(n int) LockoutOption {
	return func(l *Lockout) {
		if n > 0 {
			l.factor = n
		}
	}
}

// WithMaxLockout caps the length of any single lock.
func WithMaxLockout(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.max = d
		}
	}
}

// WithLockoutClock overrides the time source (useful for tests).
func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(l *Lockout) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLockout builds a lockout guard over store.
func NewLockout(store LockoutStore, opts ...LockoutOption) (*Lockout, error) {
	if store == nil {
		return nil, errors.New("ratelimit: lockout store is required")
	}
	l := &Lockout{
		store:     store,
		threshold: DefaultLockoutThreshold,
		base:      DefaultLockoutBase,
		factor:    DefaultLockoutFactor,
		max:       DefaultMaxLockout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check returns the current state of id. A lock that has run out is cleared
// together with the failure count.
func (l *Lockout) Check(ctx context.Context, id string) (LockoutStatus, error) {
	entry, _, err := l.load(ctx, id)
	if err != nil {
		return LockoutStatus{}, err
	}
	return l.status(entry, false), nil
}

// RecordFailure counts one failed authentication for id. Failures recorded
// while a lock is active are ignored so a lock cannot be extended by
// hammering it.
func (l *Lockout) RecordFailure(ctx context.Context, id string) (LockoutStatus, error) {
	now := l.now()
	entry, _, err := l.load(ctx, id)
	if err != nil {
		return LockoutStatus{}, err
	}
	if l.locked(entry, now) {
		return l.status(entry, false), nil
	}

	entry.FailedAttempts++
	entry.LastFailure = now
	triggered := false
	if entry.FailedAttempts >= l.threshold {
		entry.LockedUntil = now.Add(l.Duration(entry.LockoutCount))
		entry.LockoutCount++
		triggered = true
	}
	if err := l.store.PutLockout(ctx, id, entry); err != nil {
		return LockoutStatus{}, fmt.Errorf("lockout record %s: %w", id, err)
	}
	return l.status(entry, triggered), nil
}

// ClearFailures resets the failure count and any active lock after a
// successful authentication. The escalation counter is kept.
func (l *Lockout) ClearFailures(ctx context.Context, id string) error {
	entry, ok, err := l.store.GetLockout(ctx, id)
	if err != nil {
		return fmt.Errorf("lockout clear %s: %w", id, err)
	}
	if !ok {
		return nil
	}
	entry.FailedAttempts = 0
	entry.LockedUntil = time.Time{}
	if entry.idle() {
		err = l.store.DeleteLockout(ctx, id)
	} else {
		err = l.store.PutLockout(ctx, id, entry)
	}
	if err != nil {
		return fmt.Errorf("lockout clear %s: %w", id, err)
	}
	return nil
}

// Duration returns the length of the lock that follows n earlier locks,
// clamped to the configured maximum.
func (l *Lockout) Duration(n int) time.Duration {
	d := l.base
	for i := 0; i < n; i++ {
		if d >= l.max/time.Duration(l.factor) {
			return l.max
		}
		d *= time.Duration(l.factor)
	}
	if d > l.max {
		return l.max
	}
	return d
}

func (l *Lockout) load(ctx context.Context, id string) (LockoutEntry, bool, error) {
	entry, ok, err := l.store.GetLockout(ctx, id)
	if err != nil {
		return LockoutEntry{}, false, fmt.Errorf("lockout load %s: %w", id, err)
	}
	if !ok || entry.LockedUntil.IsZero() || l.now().Before(entry.LockedUntil) {
		return entry, ok, nil
	}
	entry.LockedUntil = time.Time{}
	entry.FailedAttempts = 0
	if err := l.store.PutLockout(ctx, id, entry); err != nil {
		return LockoutEntry{}, false, fmt.Errorf("lockout expire %s: %w", id, err)
	}
	return entry, ok, nil
}

func (l *Lockout) locked(entry LockoutEntry, now time.Time) bool {
	return !entry.LockedUntil.IsZero() && now.Before(entry.LockedUntil)
}

func (l *Lockout) status(entry LockoutEntry, triggered bool) LockoutStatus {
	st := LockoutStatus{
		FailedAttempts: entry.FailedAttempts,
		LockoutCount:   entry.LockoutCount,
		Triggered:      triggered,
	}
	if l.locked(entry, l.now()) {
		st.Locked = true
		st.LockedUntil = entry.LockedUntil
	}
	return st
}
