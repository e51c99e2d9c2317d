package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	AccessCookieName  = "leora_access_token"
	RefreshCookieName = "leora_refresh_token"
	TenantCookieName  = "leora_tenant"
	TenantHeader      = "X-Tenant-Slug"

	authHeader = "Authorization"
	bearer     = "bearer "
)

// Credentials are the raw carriers extracted from an inbound request,
// independent of transport.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TenantSlug   string
}

// CredentialsFromRequest reads cookies, falling back to the Authorization
// header for the access token and the tenant header for the slug.
func CredentialsFromRequest(r *http.Request) Credentials {
	creds := Credentials{
		AccessToken:  cookieValue(r, AccessCookieName),
		RefreshToken: cookieValue(r, RefreshCookieName),
		TenantSlug:   NormalizeSlug(r.Header.Get(TenantHeader)),
	}
	if creds.AccessToken == "" {
		creds.AccessToken = BearerToken(r.Header.Get(authHeader))
	}
	if creds.TenantSlug == "" {
		creds.TenantSlug = NormalizeSlug(cookieValue(r, TenantCookieName))
	}
	return creds
}

// BearerToken extracts the token from an "Authorization: Bearer" value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// CurrentIdentity returns verified access claims from the request carriers,
// or nil when absent, invalid or not an access token.
func (s *TokenService) CurrentIdentity(r *http.Request) *Claims {
	token := CredentialsFromRequest(r).AccessToken
	if token == "" {
		return nil
	}
	claims, err := s.VerifyKind(token, KindAccess)
	if err != nil {
		return nil
	}
	return claims
}

// CurrentRefreshClaims is CurrentIdentity for the refresh cookie.
func (s *TokenService) CurrentRefreshClaims(r *http.Request) *Claims {
	token := cookieValue(r, RefreshCookieName)
	if token == "" {
		return nil
	}
	claims, err := s.VerifyKind(token, KindRefresh)
	if err != nil {
		return nil
	}
	return claims
}

// CookieWriter sets and clears the credential cookies.
type CookieWriter struct {
	// Secure is set whenever the deployment is not local development.
	Secure     bool
	Domain     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SetTokens writes both credential cookies.
func (c CookieWriter) SetTokens(w http.ResponseWriter, pair TokenPair) {
	http.SetCookie(w, c.cookie(AccessCookieName, pair.AccessToken, c.ttl(c.AccessTTL, DefaultAccessTTL)))
	http.SetCookie(w, c.cookie(RefreshCookieName, pair.RefreshToken, c.ttl(c.RefreshTTL, DefaultRefreshTTL)))
}

// Clear expires both credential cookies.
func (c CookieWriter) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		ck := c.cookie(name, "", 0)
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
		http.SetCookie(w, ck)
	}
}

func (c CookieWriter) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c CookieWriter) ttl(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}
