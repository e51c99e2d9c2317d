package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"leora.app/internal/auth"
	"leora.app/internal/guard"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Tenant   string `json:"tenant"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type identityView struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type tenantView struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name,omitempty"`
}

type sessionResponse struct {
	AccessToken      string       `json:"accessToken"`
	RefreshToken     string       `json:"refreshToken"`
	AccessExpiresAt  time.Time    `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time    `json:"refreshExpiresAt"`
	SessionID        string       `json:"sessionId"`
	User             identityView `json:"user"`
	Tenant           tenantView   `json:"tenant"`
}

func newIdentityView(id auth.Identity) identityView {
	v := identityView{ID: id.ID, Email: id.Email, Roles: id.Roles, Permissions: id.Permissions}
	if v.Roles == nil {
		v.Roles = []string{}
	}
	if v.Permissions == nil {
		v.Permissions = []string{}
	}
	return v
}

func newTenantView(t auth.Tenant) tenantView {
	return tenantView{ID: t.ID, Slug: t.Slug, Name: t.Name}
}

func newSessionResponse(res *guard.LoginResult) sessionResponse {
	return sessionResponse{
		AccessToken:      res.Tokens.AccessToken,
		RefreshToken:     res.Tokens.RefreshToken,
		AccessExpiresAt:  res.Tokens.AccessExpiresAt,
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		SessionID:        res.Session.ID,
		User:             newIdentityView(res.Identity),
		Tenant:           newTenantView(res.Tenant),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	slug := req.Tenant
	if strings.TrimSpace(slug) == "" {
		slug = auth.CredentialsFromRequest(r).TenantSlug
	}

	res, err := a.authn.Login(r.Context(), guard.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		ClientIP:   clientIP(r),
		TenantSlug: slug,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.cookies.SetTokens(w, res.Tokens)
	writeJSON(w, http.StatusOK, newSessionResponse(res))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := auth.CredentialsFromRequest(r).RefreshToken
	if r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if t := strings.TrimSpace(req.RefreshToken); t != "" {
			token = t
		}
	}
	if token == "" {
		a.writeAuthError(w, r, auth.Deny(auth.ReasonUnauthenticated))
		return
	}

	res, err := a.authn.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrSessionRevoked) || errors.Is(err, auth.ErrUnauthenticated) {
			a.cookies.Clear(w)
		}
		a.writeAuthError(w, r, err)
		return
	}
	a.cookies.SetTokens(w, res.Tokens)
	writeJSON(w, http.StatusOK, newSessionResponse(res))
}

// handleLogout ends the session named by the refresh cookie or, failing
// that, by the access token. Cookies are cleared either way.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	tokens := a.guard.Tokens()
	var sessionID string
	if claims := tokens.CurrentRefreshClaims(r); claims != nil {
		sessionID = claims.SessionID
	} else if claims := tokens.CurrentIdentity(r); claims != nil {
		sessionID = claims.SessionID
	}
	if err := a.authn.Logout(r.Context(), sessionID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := AuthContextFrom(r.Context())
	if !ok || !ac.Authenticated() {
		a.writeAuthError(w, r, auth.Deny(auth.ReasonUnauthenticated))
		return
	}
	resp := map[string]any{
		"user":   newIdentityView(*ac.Identity),
		"tenant": newTenantView(ac.Tenant),
	}
	if ac.Claims != nil && ac.Claims.SessionID != "" {
		resp["sessionId"] = ac.Claims.SessionID
	}
	if ac.Claims != nil && ac.Claims.ExpiresAt != nil {
		resp["accessExpiresAt"] = ac.Claims.ExpiresAt.Time.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTenant(w http.ResponseWriter, r *http.Request) {
	ac, ok := AuthContextFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":        newTenantView(ac.Tenant),
		"authenticated": ac.Authenticated(),
	})
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	ac, ok := AuthContextFrom(r.Context())
	if !ok {
		a.writeAuthError(w, r, auth.Deny(auth.ReasonUnauthenticated))
		return
	}
	identityID := mux.Vars(r)["id"]
	n, err := a.authn.RevokeIdentity(ac.WithContext(r.Context()), ac.Tenant.ID, identityID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}
