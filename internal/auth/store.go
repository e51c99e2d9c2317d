package auth

import (
	"context"
	"time"
)

// IdentityStore loads identities together with their role names and any
// permissions granted directly by persistence.
type IdentityStore interface {
	FindIdentity(ctx context.Context, lookup IdentityLookup) (*Identity, error)
}

// SessionStore persists refresh sessions. FindSession returns ErrNotFound for
// unknown ids; any other error is treated as a store outage.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessions(ctx context.Context, identityID string) (int, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// TenantStore resolves tenants by slug.
type TenantStore interface {
	FindTenant(ctx context.Context, slug string) (*Tenant, error)
}
