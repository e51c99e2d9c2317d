package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leora.app/internal/audit"
	"leora.app/internal/auth"
	"leora.app/internal/ids"
	"leora.app/internal/obs"
	"leora.app/internal/ratelimit"
)

// LoginRequest carries the inputs of a credential login.
type LoginRequest struct {
	Email      string
	Password   string
	ClientIP   string
	TenantSlug string
}

// LoginResult is returned by a successful Login or Refresh.
type LoginResult struct {
	Identity auth.Identity
	Tenant   auth.Tenant
	Session  auth.Session
	Tokens   auth.TokenPair
}

// Authenticator runs login, refresh and logout on top of the token service,
// the stores and the rate-limit gate.
type Authenticator struct {
	tokens     *auth.TokenService
	tenants    *TenantResolver
	identities auth.IdentityStore
	sessions   auth.SessionStore
	roles      *auth.RoleTable
	gate       *ratelimit.Gate
	now        func() time.Time
}

// AuthenticatorConfig lists the collaborators of an Authenticator.
type AuthenticatorConfig struct {
	Tokens     *auth.TokenService
	Tenants    *TenantResolver
	Identities auth.IdentityStore
	Sessions   auth.SessionStore
	Roles      *auth.RoleTable
	Gate       *ratelimit.Gate
	Clock      func() time.Time
}

// NewAuthenticator validates cfg and builds an Authenticator. A nil role
// table falls back to the built-in roles.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Tokens == nil || cfg.Tenants == nil || cfg.Identities == nil || cfg.Sessions == nil || cfg.Gate == nil {
		return nil, errors.New("guard: authenticator is missing a collaborator")
	}
	a := &Authenticator{
		tokens:     cfg.Tokens,
		tenants:    cfg.Tenants,
		identities: cfg.Identities,
		sessions:   cfg.Sessions,
		roles:      cfg.Roles,
		gate:       cfg.Gate,
		now:        cfg.Clock,
	}
	if a.roles == nil {
		a.roles = auth.DefaultRoleTable()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Login verifies credentials and opens a session. Failures are counted
// against the client IP and the tenant-scoped email before the denial is
// returned. An unknown email and a wrong password produce the same denial.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := auth.NormalizeEmail(req.Email)
	slug := auth.NormalizeSlug(req.TenantSlug)
	if slug == "" {
		slug = a.tenants.DefaultSlug()
	}
	fields := map[string]any{"email": audit.MaskIdentifier(email), "tenant": slug, "ip": req.ClientIP}
	ipKey := ratelimit.LoginIPKey(strings.TrimSpace(req.ClientIP))

	// The IP window is checked before the tenant is resolved so that an
	// unknown tenant is throttled and denied exactly like a known one.
	ipDecision, err := a.gate.CheckIP(ctx, ipKey)
	if err != nil {
		return nil, storeFailure("security status", err)
	}
	if !ipDecision.CanProceed {
		return nil, a.deny(ctx, ipDecision.Err(), fields)
	}

	tenant, err := a.tenants.Lookup(ctx, slug)
	if errors.Is(err, auth.ErrNotFound) {
		auth.BurnPasswordCheck(req.Password)
		return nil, a.fail(ctx, ipKey, "", fields)
	}
	if err != nil {
		return nil, err
	}

	emailKey := ratelimit.LoginEmailKey(tenant.ID, email)

	decision, err := a.gate.SecurityStatus(ctx, ipKey, emailKey)
	if err != nil {
		return nil, storeFailure("security status", err)
	}
	if !decision.CanProceed {
		return nil, a.deny(ctx, decision.Err(), fields)
	}

	identity, err := a.identities.FindIdentity(ctx, auth.IdentityLookup{TenantID: tenant.ID, Email: email})
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrInvalidInput):
		identity = nil
	case err != nil:
		return nil, storeFailure("identity lookup", err)
	}

	if identity == nil {
		auth.BurnPasswordCheck(req.Password)
		return nil, a.fail(ctx, ipKey, emailKey, fields)
	}
	if err := auth.VerifyPassword(identity.PasswordHash, req.Password); err != nil || !identity.Active {
		return nil, a.fail(ctx, ipKey, emailKey, fields)
	}

	if err := a.gate.Lockout().ClearFailures(ctx, emailKey); err != nil {
		return nil, storeFailure("clear failures", err)
	}

	identity.TenantSlug = tenant.Slug
	identity.Permissions = a.roles.Expand(identity.Roles, identity.Permissions...)
	result, err := a.openSession(ctx, *identity, *tenant)
	if err != nil {
		return nil, err
	}

	obs.ObserveLogin("success")
	ctx = auth.ContextWithIdentity(ctx, result.Identity)
	_ = audit.LogEvent(ctx, "auth.login.success", map[string]any{"session_id": result.Session.ID, "ip": req.ClientIP})
	return result, nil
}

// fail records the failure in both counters and builds the denial. An empty
// emailKey (no tenant to scope it to) skips the lockout counter.
func (a *Authenticator) fail(ctx context.Context, ipKey, emailKey string, fields map[string]any) error {
	rl, err := a.gate.Limiter().RecordAttempt(ctx, ipKey)
	if err != nil {
		return storeFailure("record attempt", err)
	}
	var lock ratelimit.LockoutStatus
	if emailKey != "" {
		lock, err = a.gate.Lockout().RecordFailure(ctx, emailKey)
		if err != nil {
			return storeFailure("record failure", err)
		}
	}
	if lock.Triggered {
		obs.ObserveLockout()
		_ = audit.LogEvent(ctx, "auth.lockout", map[string]any{
			"email":         fields["email"],
			"locked_until":  lock.LockedUntil,
			"lockout_count": lock.LockoutCount,
		})
	}
	if lock.Locked {
		denial := auth.Deny(auth.ReasonAccountLocked)
		denial.LockoutUntil = lock.LockedUntil
		return a.deny(ctx, denial, fields)
	}
	denial := auth.Deny(auth.ReasonInvalidCredentials).WithRemaining(rl.Remaining)
	denial.ResetAt = rl.ResetAt
	return a.deny(ctx, denial, fields)
}

func (a *Authenticator) deny(ctx context.Context, err error, fields map[string]any) error {
	d, _ := auth.AsDenial(err)
	reason := "error"
	if d != nil {
		reason = string(d.Reason)
	}
	obs.ObserveLogin(reason)
	logged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		logged[k] = v
	}
	logged["reason"] = reason
	_ = audit.LogEvent(ctx, "auth.login.denied", logged)
	return err
}

// openSession mints the token pair and then writes the session. Minting is
// pure, so a cancelled request leaves nothing behind.
func (a *Authenticator) openSession(ctx context.Context, identity auth.Identity, tenant auth.Tenant) (*LoginResult, error) {
	sessionID := ids.WithPrefix("ses")
	pair, err := a.tokens.IssueTokenPair(ctx, identity, sessionID)
	if err != nil {
		return nil, fmt.Errorf("guard: issue tokens: %w", err)
	}
	now := a.now().UTC()
	sess := auth.Session{
		ID:             sessionID,
		IdentityID:     identity.ID,
		TenantID:       tenant.ID,
		CreatedAt:      now,
		ExpiresAt:      pair.RefreshExpiresAt,
		LastActivityAt: now,
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.sessions.CreateSession(ctx, &sess); err != nil {
		return nil, storeFailure("create session", err)
	}
	identity.PasswordHash = ""
	return &LoginResult{Identity: identity, Tenant: tenant, Session: sess, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same
// session. The session must exist, be unexpired and match the token.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := a.tokens.VerifyKind(refreshToken, auth.KindRefresh)
	if err != nil {
		return nil, auth.Deny(auth.ReasonUnauthenticated)
	}
	if claims.SessionID == "" {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	sess, err := a.sessions.FindSession(ctx, claims.SessionID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	if err != nil {
		return nil, storeFailure("session lookup", err)
	}
	now := a.now().UTC()
	if sess.Expired(now) || sess.IdentityID != claims.Subject {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	if sess.TenantID != claims.TenantID {
		return nil, auth.Deny(auth.ReasonTenantMismatch)
	}

	tenant, err := a.tenants.Resolve(ctx, claims, "")
	if err != nil {
		return nil, err
	}
	identity, err := a.identities.FindIdentity(ctx, auth.IdentityLookup{TenantID: tenant.ID, ID: claims.Subject})
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	if err != nil {
		return nil, storeFailure("identity lookup", err)
	}
	if !identity.Active {
		if _, err := a.sessions.DeleteSessions(ctx, identity.ID); err != nil {
			return nil, storeFailure("revoke sessions", err)
		}
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}

	identity.TenantSlug = tenant.Slug
	identity.Permissions = a.roles.Expand(identity.Roles, identity.Permissions...)
	identity.PasswordHash = ""
	pair, err := a.tokens.IssueTokenPair(ctx, *identity, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("guard: issue tokens: %w", err)
	}
	if err := a.sessions.TouchSession(ctx, sess.ID, now); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.Deny(auth.ReasonSessionRevoked)
		}
		return nil, storeFailure("touch session", err)
	}
	sess.LastActivityAt = now
	return &LoginResult{Identity: *identity, Tenant: *tenant, Session: *sess, Tokens: pair}, nil
}

// Logout deletes the session. An unknown session is not an error.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := a.sessions.DeleteSession(ctx, sessionID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return storeFailure("delete session", err)
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"session_id": sessionID})
	return nil
}

// RevokeAll deletes every session of identityID, e.g. after a password
// change, and returns how many were removed.
func (a *Authenticator) RevokeAll(ctx context.Context, identityID string) (int, error) {
	n, err := a.sessions.DeleteSessions(ctx, identityID)
	if err != nil {
		return 0, storeFailure("revoke sessions", err)
	}
	_ = audit.LogEvent(ctx, "auth.sessions.revoked", map[string]any{"identity_id": identityID, "count": n})
	return n, nil
}

// RevokeIdentity is RevokeAll scoped to tenantID. Identities of other
// tenants are reported as not found.
func (a *Authenticator) RevokeIdentity(ctx context.Context, tenantID, identityID string) (int, error) {
	_, err := a.identities.FindIdentity(ctx, auth.IdentityLookup{TenantID: tenantID, ID: identityID})
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrInvalidInput):
		return 0, err
	case err != nil:
		return 0, storeFailure("identity lookup", err)
	}
	return a.RevokeAll(ctx, identityID)
}
