package auth

import (
	"strings"
	"time"
)

// Tenant is an isolated customer organization.
type Tenant struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Identity is an authenticated portal user. It is loaded per request and
// never mutated while the request is in flight.
type Identity struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	TenantID     string   `json:"tenant_id"`
	TenantSlug   string   `json:"tenant_slug"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	PasswordHash string   `json:"-"`
	Active       bool     `json:"active"`
}

// IdentityLookup addresses an identity inside one tenant, by ID or email.
type IdentityLookup struct {
	TenantID string
	ID       string
	Email    string
}

// Session makes a refresh token individually revocable.
type Session struct {
	ID             string    `json:"id"`
	IdentityID     string    `json:"identity_id"`
	TenantID       string    `json:"tenant_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenKind distinguishes short-lived access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// NormalizeEmail lower-cases and trims an email for lookups and lockout keys.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// NormalizeSlug lower-cases and trims a tenant slug.
func NormalizeSlug(slug string) string {
	return strings.TrimSpace(strings.ToLower(slug))
}
