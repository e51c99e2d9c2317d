package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and Audience are fixed and checked on every verification.
	Issuer   = "leora-portal"
	Audience = "leora-portal-api"

	minSecretLength = 32
)

var errMissingSecret = errors.New("auth: signing secret is not configured")

// Claims is the signed payload carried by both token kinds.
type Claims struct {
	TenantID    string    `json:"tenantId"`
	TenantSlug  string    `json:"tenantSlug"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	Type        TokenKind `json:"type"`
	SessionID   string    `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// Signer isolates the signing algorithm and key material from the rest of
// the token lifecycle.
type Signer interface {
	Sign(claims *Claims) (string, error)
	Verify(token string) (*Claims, error)
}

// HMACSigner signs tokens with HS256 and a shared secret.
type HMACSigner struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// SignerOption configures an HMACSigner.
type SignerOption func(*HMACSigner)

// WithSignerClock overrides the time source used for expiry checks.
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *HMACSigner) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLeeway tolerates clock skew between issuing and verifying hosts.
func WithLeeway(d time.Duration) SignerOption {
	return func(s *HMACSigner) {
		if d > 0 {
			s.leeway = d
		}
	}
}

// NewHMACSigner constructs a signer. The secret must be at least 32 bytes.
func NewHMACSigner(secret string, opts ...SignerOption) (*HMACSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	s := &HMACSigner{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign serializes and signs claims.
func (s *HMACSigner) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience and expiry.
func (s *HMACSigner) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(s.leeway),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return nil, fmt.Errorf("%w: subject or tenant missing", ErrMalformedToken)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
