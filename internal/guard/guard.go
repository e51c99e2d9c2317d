package guard

import (
	"context"
	"errors"
	"time"

	"leora.app/internal/auth"
	"leora.app/internal/obs"
)

// AuthContext is what a passing guard hands to the protected operation.
type AuthContext struct {
	Tenant   auth.Tenant
	Identity *auth.Identity
	Claims   *auth.Claims
	// Session is set when the guard verified session liveness.
	Session *auth.Session

	perms auth.PermissionSet
}

// Authenticated reports whether an identity is bound.
func (a *AuthContext) Authenticated() bool { return a != nil && a.Identity != nil }

// Can evaluates a permission against the identity's grants.
func (a *AuthContext) Can(perm string) bool {
	return a.Authenticated() && a.perms.Has(perm)
}

// WithContext attaches the tenant, identity and claims to ctx.
func (a *AuthContext) WithContext(ctx context.Context) context.Context {
	ctx = auth.ContextWithTenant(ctx, a.Tenant)
	if a.Identity != nil {
		ctx = auth.ContextWithIdentity(ctx, *a.Identity)
	}
	return auth.ContextWithClaims(ctx, a.Claims)
}

// Guard composes token verification, tenant resolution, session liveness and
// permission checks. Every method returns either an AuthContext or an error,
// never both.
type Guard struct {
	tokens         *auth.TokenService
	tenants        *TenantResolver
	sessions       auth.SessionStore
	requireSession bool
	now            func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithSessionStore enables session liveness checks for tokens that carry a
// session id.
func WithSessionStore(store auth.SessionStore) Option {
	return func(g *Guard) { g.sessions = store }
}

// WithRequireSession rejects access tokens that are not backed by a session.
func WithRequireSession(required bool) Option {
	return func(g *Guard) { g.requireSession = required }
}

// WithGuardClock overrides the time source (useful for tests).
func WithGuardClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New builds a Guard.
func New(tokens *auth.TokenService, tenants *TenantResolver, opts ...Option) (*Guard, error) {
	if tokens == nil || tenants == nil {
		return nil, errors.New("guard: token service and tenant resolver are required")
	}
	g := &Guard{tokens: tokens, tenants: tenants, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if g.requireSession && g.sessions == nil {
		return nil, errors.New("guard: session store is required when sessions are mandatory")
	}
	return g, nil
}

// Tokens exposes the token service.
func (g *Guard) Tokens() *auth.TokenService { return g.tokens }

// Tenants exposes the tenant resolver.
func (g *Guard) Tenants() *TenantResolver { return g.tenants }

// TenantContext resolves the tenant of a request that may be anonymous. A
// valid access token binds the identity as well; an invalid one is ignored.
func (g *Guard) TenantContext(ctx context.Context, creds auth.Credentials) (*AuthContext, error) {
	var claims *auth.Claims
	if creds.AccessToken != "" {
		if c, err := g.tokens.VerifyKind(creds.AccessToken, auth.KindAccess); err == nil {
			claims = c
		}
	}
	tenant, err := g.tenants.Resolve(ctx, claims, creds.TenantSlug)
	if err != nil {
		return nil, g.record("tenant_context", err)
	}
	ac := &AuthContext{Tenant: *tenant, Claims: claims}
	if claims != nil {
		id := claims.Identity()
		ac.Identity = &id
		ac.perms = auth.NewPermissionSet(claims.Permissions)
	}
	g.record("tenant_context", nil)
	return ac, nil
}

// RequireAuth demands a valid access token bound to the resolved tenant and,
// when applicable, a live session.
func (g *Guard) RequireAuth(ctx context.Context, creds auth.Credentials) (*AuthContext, error) {
	ac, err := g.authenticate(ctx, creds)
	return ac, g.record("require_auth", err)
}

// RequireAuthWithPermission is RequireAuth plus a single capability check.
func (g *Guard) RequireAuthWithPermission(ctx context.Context, creds auth.Credentials, perm string) (*AuthContext, error) {
	ac, err := g.authenticate(ctx, creds)
	if err == nil && !ac.perms.Has(perm) {
		ac, err = nil, auth.Deny(auth.ReasonPermissionDenied)
	}
	return ac, g.record("require_permission", err)
}

// RequireAuthWithAnyPermission passes when at least one of perms is granted.
func (g *Guard) RequireAuthWithAnyPermission(ctx context.Context, creds auth.Credentials, perms ...string) (*AuthContext, error) {
	ac, err := g.authenticate(ctx, creds)
	if err == nil && !ac.perms.HasAny(perms...) {
		ac, err = nil, auth.Deny(auth.ReasonPermissionDenied)
	}
	return ac, g.record("require_any_permission", err)
}

// RequireAuthWithAllPermissions passes when every one of perms is granted.
func (g *Guard) RequireAuthWithAllPermissions(ctx context.Context, creds auth.Credentials, perms ...string) (*AuthContext, error) {
	ac, err := g.authenticate(ctx, creds)
	if err == nil && !ac.perms.HasAll(perms...) {
		ac, err = nil, auth.Deny(auth.ReasonPermissionDenied)
	}
	return ac, g.record("require_all_permissions", err)
}

// RequireTenantMatch is RequireAuth plus a check that the resolved tenant
// owns the resource being touched.
func (g *Guard) RequireTenantMatch(ctx context.Context, creds auth.Credentials, tenantID string) (*AuthContext, error) {
	ac, err := g.authenticate(ctx, creds)
	if err == nil && ac.Tenant.ID != tenantID {
		ac, err = nil, auth.Deny(auth.ReasonTenantMismatch)
	}
	return ac, g.record("require_tenant_match", err)
}

func (g *Guard) authenticate(ctx context.Context, creds auth.Credentials) (*AuthContext, error) {
	if creds.AccessToken == "" {
		return nil, auth.Deny(auth.ReasonUnauthenticated)
	}
	claims, err := g.tokens.VerifyKind(creds.AccessToken, auth.KindAccess)
	if err != nil {
		return nil, auth.Deny(auth.ReasonUnauthenticated)
	}
	tenant, err := g.tenants.Resolve(ctx, claims, creds.TenantSlug)
	if err != nil {
		return nil, err
	}
	sess, err := g.checkSession(ctx, claims)
	if err != nil {
		return nil, err
	}
	id := claims.Identity()
	return &AuthContext{
		Tenant:   *tenant,
		Identity: &id,
		Claims:   claims,
		Session:  sess,
		perms:    auth.NewPermissionSet(claims.Permissions),
	}, nil
}

func (g *Guard) checkSession(ctx context.Context, claims *auth.Claims) (*auth.Session, error) {
	if claims.SessionID == "" {
		if g.requireSession {
			return nil, auth.Deny(auth.ReasonSessionRevoked)
		}
		return nil, nil
	}
	if g.sessions == nil {
		return nil, nil
	}
	sess, err := g.sessions.FindSession(ctx, claims.SessionID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	if err != nil {
		return nil, storeFailure("session lookup", err)
	}
	if sess.Expired(g.now()) || sess.IdentityID != claims.Subject {
		return nil, auth.Deny(auth.ReasonSessionRevoked)
	}
	if sess.TenantID != claims.TenantID {
		return nil, auth.Deny(auth.ReasonTenantMismatch)
	}
	return sess, nil
}

func (g *Guard) record(guard string, err error) error {
	outcome := "allow"
	if d, ok := auth.AsDenial(err); ok {
		outcome = string(d.Reason)
	} else if errors.Is(err, auth.ErrStoreUnavailable) {
		outcome = "store_unavailable"
	} else if err != nil {
		outcome = "error"
	}
	obs.ObserveGuard(guard, outcome)
	return err
}
