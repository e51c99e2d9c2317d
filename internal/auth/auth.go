package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenService mints and verifies access and refresh tokens. It never
// consults the session store; session liveness is the caller's concern.
type TokenService struct {
	signer     Signer
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenPair holds a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ServiceOption configures TokenService behavior.
type ServiceOption func(*TokenService) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService around signer.
func NewTokenService(signer Signer, opts ...ServiceOption) (*TokenService, error) {
	if signer == nil {
		return nil, errors.New("auth: signer is required")
	}
	svc := &TokenService{
		signer:     signer,
		now:        time.Now,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken embeds the identity's full role and permission lists.
func (s *TokenService) IssueAccessToken(identity Identity, sessionID string) (string, time.Time, error) {
	return s.issue(identity, sessionID, KindAccess, s.issuedAt())
}

// IssueRefreshToken mints a refresh token. Roles and permissions are always
// empty so a leaked refresh token grants nothing until exchanged.
func (s *TokenService) IssueRefreshToken(identity Identity, sessionID string) (string, time.Time, error) {
	return s.issue(identity, sessionID, KindRefresh, s.issuedAt())
}

// IssueTokenPair mints both tokens concurrently.
func (s *TokenService) IssueTokenPair(ctx context.Context, identity Identity, sessionID string) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}
	var pair TokenPair
	now := s.issuedAt()
	var g errgroup.Group
	g.Go(func() error {
		token, exp, err := s.issue(identity, sessionID, KindAccess, now)
		pair.AccessToken, pair.AccessExpiresAt = token, exp
		return err
	})
	g.Go(func() error {
		token, exp, err := s.issue(identity, sessionID, KindRefresh, now)
		pair.RefreshToken, pair.RefreshExpiresAt = token, exp
		return err
	})
	if err := g.Wait(); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Verify checks the token cryptographically and returns its claims.
func (s *TokenService) Verify(token string) (*Claims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != KindAccess && claims.Type != KindRefresh {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// VerifyKind verifies token and asserts its kind.
func (s *TokenService) VerifyKind(token string, kind TokenKind) (*Claims, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != kind {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) issuedAt() time.Time {
	// NumericDate has second precision; truncating keeps exp-iat == ttl.
	return s.now().UTC().Truncate(time.Second)
}

func (s *TokenService) issue(identity Identity, sessionID string, kind TokenKind, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, errors.New("auth: identity id is required")
	}
	if strings.TrimSpace(identity.TenantID) == "" {
		return "", time.Time{}, errors.New("auth: identity tenant is required")
	}
	ttl := s.accessTTL
	roles := dedupeRoles(identity.Roles)
	perms := dedupeStrings(identity.Permissions)
	if kind == KindRefresh {
		ttl = s.refreshTTL
		roles, perms = []string{}, []string{}
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	exp := now.Add(ttl)
	claims := &Claims{
		TenantID:    identity.TenantID,
		TenantSlug:  identity.TenantSlug,
		Email:       identity.Email,
		Roles:       roles,
		Permissions: perms,
		Type:        kind,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   identity.ID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Identity rebuilds the identity view carried by access claims.
func (c *Claims) Identity() Identity {
	return Identity{
		ID:          c.Subject,
		Email:       c.Email,
		TenantID:    c.TenantID,
		TenantSlug:  c.TenantSlug,
		Roles:       append([]string(nil), c.Roles...),
		Permissions: append([]string(nil), c.Permissions...),
		Active:      true,
	}
}
