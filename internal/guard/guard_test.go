package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"leora.app/internal/auth"
	"leora.app/internal/ratelimit"
	"leora.app/internal/store/memory"
)

const (
	testSecret   = "guard-test-secret-0123456789abcdef"
	testPassword = "correct-horse-battery"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	clock  *fakeClock
	store  *memory.Store
	tokens *auth.TokenService
	guard  *Guard
	authn  *Authenticator
}

type fixtureConfig struct {
	maxAttempts      int
	lockoutThreshold int
	requireSession   bool
	sessions         auth.SessionStore
}

func newFixture(t *testing.T, mutate ...func(*fixtureConfig)) *fixture {
	t.Helper()
	cfg := fixtureConfig{maxAttempts: ratelimit.DefaultMaxAttempts, lockoutThreshold: ratelimit.DefaultLockoutThreshold}
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	require.NoError(t, store.PutTenant(auth.Tenant{ID: "ten_acme", Slug: "acme", Name: "Acme", Active: true}))
	require.NoError(t, store.PutTenant(auth.Tenant{ID: "ten_globex", Slug: "globex", Name: "Globex", Active: true}))

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.PutIdentity(auth.Identity{
		ID: "usr_rep", Email: "user@x.com", TenantID: "ten_acme",
		Roles: []string{"sales_rep"}, PasswordHash: string(hash), Active: true,
	}))
	require.NoError(t, store.PutIdentity(auth.Identity{
		ID: "usr_gone", Email: "gone@x.com", TenantID: "ten_acme",
		Roles: []string{"viewer"}, PasswordHash: string(hash), Active: false,
	}))

	signer, err := auth.NewHMACSigner(testSecret, auth.WithSignerClock(clock.Now))
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(signer, auth.WithClock(clock.Now))
	require.NoError(t, err)
	tenants, err := NewTenantResolver(store, WithDefaultTenant("acme"))
	require.NoError(t, err)

	sessions := cfg.sessions
	if sessions == nil {
		sessions = store
	}
	g, err := New(tokens, tenants, WithSessionStore(sessions), WithRequireSession(cfg.requireSession), WithGuardClock(clock.Now))
	require.NoError(t, err)

	rl := ratelimit.NewMemoryStore()
	limiter, err := ratelimit.NewLimiter(rl, ratelimit.WithLimiterClock(clock.Now), ratelimit.WithMaxAttempts(cfg.maxAttempts))
	require.NoError(t, err)
	lockout, err := ratelimit.NewLockout(rl, ratelimit.WithLockoutClock(clock.Now), ratelimit.WithThreshold(cfg.lockoutThreshold))
	require.NoError(t, err)
	gate, err := ratelimit.NewGate(limiter, lockout)
	require.NoError(t, err)

	authn, err := NewAuthenticator(AuthenticatorConfig{
		Tokens: tokens, Tenants: tenants, Identities: store, Sessions: sessions,
		Roles: auth.DefaultRoleTable(), Gate: gate, Clock: clock.Now,
	})
	require.NoError(t, err)

	return &fixture{clock: clock, store: store, tokens: tokens, guard: g, authn: authn}
}

func (f *fixture) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := f.authn.Login(context.Background(), LoginRequest{
		Email: "User@X.com", Password: testPassword, ClientIP: "198.51.100.4", TenantSlug: "acme",
	})
	require.NoError(t, err)
	return res
}

func requireReason(t *testing.T, err error, reason auth.Reason) *auth.Denial {
	t.Helper()
	d, ok := auth.AsDenial(err)
	require.True(t, ok, "expected denial %s, got %v", reason, err)
	require.Equal(t, reason, d.Reason)
	return d
}

func TestSalesRepPermissionScenario(t *testing.T) {
	f := newFixture(t)
	token, _, err := f.tokens.IssueAccessToken(auth.Identity{
		ID: "usr_rep", Email: "user@x.com", TenantID: "ten_acme", TenantSlug: "acme",
		Roles:       []string{"sales_rep"},
		Permissions: []string{auth.PermOrdersView, auth.PermOrdersCreate},
	}, "")
	require.NoError(t, err)
	creds := auth.Credentials{AccessToken: token}

	ac, err := f.guard.RequireAuthWithPermission(context.Background(), creds, auth.PermOrdersView)
	require.NoError(t, err)
	assert.Equal(t, "usr_rep", ac.Identity.ID)
	assert.Equal(t, "ten_acme", ac.Tenant.ID)

	ac, err = f.guard.RequireAuthWithPermission(context.Background(), creds, auth.PermSettingsManage)
	assert.Nil(t, ac)
	requireReason(t, err, auth.ReasonPermissionDenied)
	assert.True(t, errors.Is(err, auth.ErrPermissionDenied))
}

func TestLoginBakesExpandedPermissions(t *testing.T) {
	f := newFixture(t)
	res := f.login(t)

	assert.Contains(t, res.Identity.Permissions, auth.PermOrdersCreate)
	assert.Empty(t, res.Identity.PasswordHash)
	assert.Equal(t, "acme", res.Identity.TenantSlug)

	creds := auth.Credentials{AccessToken: res.Tokens.AccessToken}
	ac, err := f.guard.RequireAuthWithAnyPermission(context.Background(), creds, auth.PermSettingsManage, auth.PermCartManage)
	require.NoError(t, err)
	require.NotNil(t, ac.Session)
	assert.Equal(t, res.Session.ID, ac.Session.ID)

	_, err = f.guard.RequireAuthWithAllPermissions(context.Background(), creds, auth.PermOrdersView, auth.PermSettingsManage)
	requireReason(t, err, auth.ReasonPermissionDenied)

	refresh, err := f.tokens.VerifyKind(res.Tokens.RefreshToken, auth.KindRefresh)
	require.NoError(t, err)
	assert.Empty(t, refresh.Permissions)
	assert.Equal(t, res.Session.ID, refresh.SessionID)
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	res := f.login(t)
	ctx := context.Background()

	creds := auth.Credentials{AccessToken: res.Tokens.AccessToken, TenantSlug: "globex"}
	_, err := f.guard.RequireAuthWithPermission(ctx, creds, auth.PermOrdersView)
	requireReason(t, err, auth.ReasonTenantMismatch)

	creds.TenantSlug = "acme"
	_, err = f.guard.RequireTenantMatch(ctx, creds, "ten_globex")
	requireReason(t, err, auth.ReasonTenantMismatch)
	ac, err := f.guard.RequireTenantMatch(ctx, creds, "ten_acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", ac.Tenant.Slug)
}

func TestTokenForReassignedTenantIsRejected(t *testing.T) {
	f := newFixture(t)
	token, _, err := f.tokens.IssueAccessToken(auth.Identity{ID: "usr_x", TenantID: "ten_other", TenantSlug: "acme"}, "")
	require.NoError(t, err)

	_, err = f.guard.RequireAuth(context.Background(), auth.Credentials{AccessToken: token})
	requireReason(t, err, auth.ReasonTenantMismatch)
}

func TestRequireAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.guard.RequireAuth(ctx, auth.Credentials{})
	requireReason(t, err, auth.ReasonUnauthenticated)
	_, err = f.guard.RequireAuth(ctx, auth.Credentials{AccessToken: "garbage"})
	requireReason(t, err, auth.ReasonUnauthenticated)

	res := f.login(t)
	_, err = f.guard.RequireAuth(ctx, auth.Credentials{AccessToken: res.Tokens.RefreshToken})
	requireReason(t, err, auth.ReasonUnauthenticated)

	f.clock.Advance(auth.DefaultAccessTTL + time.Second)
	_, err = f.guard.RequireAuth(ctx, auth.Credentials{AccessToken: res.Tokens.AccessToken})
	requireReason(t, err, auth.ReasonUnauthenticated)
}

func TestFiveFailedLoginsRateLimitCorrectPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := LoginRequest{Email: "user@x.com", Password: "wrong", ClientIP: "203.0.113.9", TenantSlug: "acme"}

	for i := 1; i <= 5; i++ {
		_, err := f.authn.Login(ctx, req)
		d := requireReason(t, err, auth.ReasonInvalidCredentials)
		require.NotNil(t, d.RemainingAttempts)
		assert.Equal(t, 5-i, *d.RemainingAttempts)
		f.clock.Advance(time.Minute)
	}

	req.Password = testPassword
	_, err := f.authn.Login(ctx, req)
	d := requireReason(t, err, auth.ReasonRateLimited)
	require.NotNil(t, d.RemainingAttempts)
	assert.Equal(t, 0, *d.RemainingAttempts)
	assert.False(t, d.ResetAt.IsZero())

	f.clock.Advance(ratelimit.DefaultWindow)
	_, err = f.authn.Login(ctx, req)
	require.NoError(t, err)
}

func TestUnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, errUnknown := f.authn.Login(ctx, LoginRequest{Email: "nobody@x.com", Password: "pw", ClientIP: "a", TenantSlug: "acme"})
	_, errWrong := f.authn.Login(ctx, LoginRequest{Email: "user@x.com", Password: "pw", ClientIP: "b", TenantSlug: "acme"})
	_, errInactive := f.authn.Login(ctx, LoginRequest{Email: "gone@x.com", Password: testPassword, ClientIP: "c", TenantSlug: "acme"})
	_, errTenant := f.authn.Login(ctx, LoginRequest{Email: "user@x.com", Password: testPassword, ClientIP: "d", TenantSlug: "nowhere"})

	unknown := requireReason(t, errUnknown, auth.ReasonInvalidCredentials)
	wrong := requireReason(t, errWrong, auth.ReasonInvalidCredentials)
	requireReason(t, errInactive, auth.ReasonInvalidCredentials)
	tenant := requireReason(t, errTenant, auth.ReasonInvalidCredentials)
	assert.Equal(t, *wrong.RemainingAttempts, *unknown.RemainingAttempts)
	require.NotNil(t, tenant.RemainingAttempts)
	assert.Equal(t, *wrong.RemainingAttempts, *tenant.RemainingAttempts)
	assert.Equal(t, wrong.ResetAt, tenant.ResetAt)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
	assert.Equal(t, errWrong.Error(), errTenant.Error())
}

func TestUnknownTenantLoginsAreRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := LoginRequest{Email: "user@x.com", Password: "pw", ClientIP: "203.0.113.40", TenantSlug: "nowhere"}

	for i := 0; i < ratelimit.DefaultMaxAttempts; i++ {
		_, err := f.authn.Login(ctx, ghost)
		d := requireReason(t, err, auth.ReasonInvalidCredentials)
		require.NotNil(t, d.RemainingAttempts)
		assert.Equal(t, ratelimit.DefaultMaxAttempts-1-i, *d.RemainingAttempts)
	}

	_, err := f.authn.Login(ctx, ghost)
	requireReason(t, err, auth.ReasonRateLimited)

	valid := LoginRequest{Email: "user@x.com", Password: testPassword, ClientIP: ghost.ClientIP, TenantSlug: "acme"}
	_, err = f.authn.Login(ctx, valid)
	requireReason(t, err, auth.ReasonRateLimited)
}

func TestLoginIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	_, err := f.authn.Login(context.Background(), LoginRequest{
		Email: "user@x.com", Password: testPassword, ClientIP: "1.1.1.1", TenantSlug: "globex",
	})
	requireReason(t, err, auth.ReasonInvalidCredentials)
}

func TestLockoutDuringLogin(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) {
		c.maxAttempts = 100
		c.lockoutThreshold = 3
	})
	ctx := context.Background()
	req := LoginRequest{Email: "user@x.com", Password: "wrong", ClientIP: "203.0.113.9", TenantSlug: "acme"}

	for i := 0; i < 2; i++ {
		_, err := f.authn.Login(ctx, req)
		requireReason(t, err, auth.ReasonInvalidCredentials)
	}
	_, err := f.authn.Login(ctx, req)
	d := requireReason(t, err, auth.ReasonAccountLocked)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), d.LockoutUntil)

	req.Password = testPassword
	req.ClientIP = "198.51.100.77"
	_, err = f.authn.Login(ctx, req)
	requireReason(t, err, auth.ReasonAccountLocked)

	f.clock.Advance(31 * time.Minute)
	_, err = f.authn.Login(ctx, req)
	require.NoError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t)
	creds := auth.Credentials{AccessToken: res.Tokens.AccessToken}

	_, err := f.guard.RequireAuth(ctx, creds)
	require.NoError(t, err)

	require.NoError(t, f.authn.Logout(ctx, res.Session.ID))
	require.NoError(t, f.authn.Logout(ctx, res.Session.ID))

	_, err = f.guard.RequireAuth(ctx, creds)
	requireReason(t, err, auth.ReasonSessionRevoked)
	_, err = f.authn.Refresh(ctx, res.Tokens.RefreshToken)
	requireReason(t, err, auth.ReasonSessionRevoked)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t)
	second := f.login(t)
	require.NotEqual(t, first.Session.ID, second.Session.ID)

	n, err := f.authn.RevokeAll(ctx, "usr_rep")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.authn.Refresh(ctx, second.Tokens.RefreshToken)
	requireReason(t, err, auth.ReasonSessionRevoked)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t)

	f.clock.Advance(time.Hour)
	_, err := f.guard.RequireAuth(ctx, auth.Credentials{AccessToken: res.Tokens.AccessToken})
	requireReason(t, err, auth.ReasonUnauthenticated)

	next, err := f.authn.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, next.Session.ID)
	assert.Equal(t, f.clock.Now(), next.Session.LastActivityAt)

	ac, err := f.guard.RequireAuthWithPermission(ctx, auth.Credentials{AccessToken: next.Tokens.AccessToken}, auth.PermOrdersView)
	require.NoError(t, err)
	assert.Equal(t, "usr_rep", ac.Identity.ID)

	_, err = f.authn.Refresh(ctx, res.Tokens.AccessToken)
	requireReason(t, err, auth.ReasonUnauthenticated)

	stored, err := f.store.FindSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), stored.LastActivityAt)
}

func TestRefreshAfterSessionExpiry(t *testing.T) {
	f := newFixture(t)
	res := f.login(t)

	f.clock.Advance(auth.DefaultRefreshTTL)
	_, err := f.authn.Refresh(context.Background(), res.Tokens.RefreshToken)
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrUnauthenticated) || errors.Is(err, auth.ErrSessionRevoked))
}

func TestRequireSession(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.requireSession = true })
	token, _, err := f.tokens.IssueAccessToken(auth.Identity{ID: "usr_rep", TenantID: "ten_acme", TenantSlug: "acme"}, "")
	require.NoError(t, err)

	_, err = f.guard.RequireAuth(context.Background(), auth.Credentials{AccessToken: token})
	requireReason(t, err, auth.ReasonSessionRevoked)

	res := f.login(t)
	_, err = f.guard.RequireAuth(context.Background(), auth.Credentials{AccessToken: res.Tokens.AccessToken})
	require.NoError(t, err)
}

type brokenSessions struct{ *memory.Store }

func (brokenSessions) FindSession(context.Context, string) (*auth.Session, error) {
	return nil, errors.New("connection refused")
}

func TestSessionStoreOutageIsNotUnauthenticated(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.sessions = brokenSessions{memory.New()} })
	res := f.login(t)

	_, err := f.guard.RequireAuth(context.Background(), auth.Credentials{AccessToken: res.Tokens.AccessToken})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrStoreUnavailable))
	_, isDenial := auth.AsDenial(err)
	assert.False(t, isDenial)

	_, err = f.authn.Refresh(context.Background(), res.Tokens.RefreshToken)
	assert.True(t, errors.Is(err, auth.ErrStoreUnavailable))
}

func TestTenantContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ac, err := f.guard.TenantContext(ctx, auth.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "acme", ac.Tenant.Slug)
	assert.False(t, ac.Authenticated())

	ac, err = f.guard.TenantContext(ctx, auth.Credentials{TenantSlug: "globex", AccessToken: "junk"})
	require.NoError(t, err)
	assert.Equal(t, "globex", ac.Tenant.Slug)
	assert.False(t, ac.Can(auth.PermOrdersView))

	res := f.login(t)
	ac, err = f.guard.TenantContext(ctx, auth.Credentials{AccessToken: res.Tokens.AccessToken})
	require.NoError(t, err)
	assert.True(t, ac.Authenticated())
	assert.True(t, ac.Can(auth.PermOrdersView))

	_, err = f.guard.TenantContext(ctx, auth.Credentials{AccessToken: res.Tokens.AccessToken, TenantSlug: "globex"})
	requireReason(t, err, auth.ReasonTenantMismatch)

	_, err = f.guard.TenantContext(ctx, auth.Credentials{TenantSlug: "missing"})
	assert.ErrorIs(t, err, ErrTenantNotFound)

	scoped := ac.WithContext(ctx)
	id, ok := auth.IdentityFromContext(scoped)
	require.True(t, ok)
	assert.Equal(t, "usr_rep", id.ID)
	tenant, ok := auth.TenantFromContext(scoped)
	require.True(t, ok)
	assert.Equal(t, "ten_acme", tenant.ID)
}

func TestNewGuardValidation(t *testing.T) {
	f := newFixture(t)
	_, err := New(nil, f.guard.Tenants())
	assert.Error(t, err)
	_, err = New(f.tokens, f.guard.Tenants(), WithRequireSession(true))
	assert.Error(t, err)
	_, err = NewAuthenticator(AuthenticatorConfig{})
	assert.Error(t, err)
}
