// Package ratelimit holds the fixed-window login limiter, the progressive
// lockout guard and the stores that back them.
package ratelimit

import (
	"context"
	"time"
)

// AttemptEntry is the fixed-window counter for one identifier.
type AttemptEntry struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// LockoutEntry is the escalating failure state for one identifier.
type LockoutEntry struct {
	FailedAttempts int       `json:"failed_attempts"`
	LockoutCount   int       `json:"lockout_count"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
}

// idle reports whether the entry carries no state worth keeping.
func (e LockoutEntry) idle() bool {
	return e.FailedAttempts == 0 && e.LockoutCount == 0 && e.LockedUntil.IsZero()
}

// AttemptStore persists rate-limit windows. Get reports ok=false for unknown
// identifiers.
type AttemptStore interface {
	GetAttempts(ctx context.Context, id string) (AttemptEntry, bool, error)
	PutAttempts(ctx context.Context, id string, entry AttemptEntry) error
	DeleteAttempts(ctx context.Context, id string) error
}

// LockoutStore persists lockout state.
type LockoutStore interface {
	GetLockout(ctx context.Context, id string) (LockoutEntry, bool, error)
	PutLockout(ctx context.Context, id string, entry LockoutEntry) error
	DeleteLockout(ctx context.Context, id string) error
}

// Sweepable stores can evict entries that no read path will ever need again.
type Sweepable interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// LoginIPKey is the rate-limit identifier for login attempts from ip.
func LoginIPKey(ip string) string {
	return "login:ip:" + ip
}

// LoginEmailKey is the lockout identifier for an email within a tenant.
func LoginEmailKey(tenantID, email string) string {
	return "login:email:" + tenantID + ":" + email
}
