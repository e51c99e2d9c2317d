package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"leora.app/internal/auth"
	"leora.app/internal/guard"
	"leora.app/internal/obs"
)

type authContextKey struct{}

// AuthContextFrom returns the AuthContext stored by the guard middleware.
func AuthContextFrom(ctx context.Context) (*guard.AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*guard.AuthContext)
	return ac, ok && ac != nil
}

type guardFunc func(ctx context.Context, creds auth.Credentials) (*guard.AuthContext, error)

func (a *API) guarded(check guardFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := check(r.Context(), auth.CredentialsFromRequest(r))
		if err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		ctx := context.WithValue(ac.WithContext(r.Context()), authContextKey{}, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth admits requests carrying a valid access token for the
// resolved tenant.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return a.guarded(a.guard.RequireAuth, next)
}

// RequirePermission admits authenticated requests holding perm.
func (a *API) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.guarded(func(ctx context.Context, creds auth.Credentials) (*guard.AuthContext, error) {
			return a.guard.RequireAuthWithPermission(ctx, creds, perm)
		}, next)
	}
}

// RequireAnyPermission admits authenticated requests holding one of perms.
func (a *API) RequireAnyPermission(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.guarded(func(ctx context.Context, creds auth.Credentials) (*guard.AuthContext, error) {
			return a.guard.RequireAuthWithAnyPermission(ctx, creds, perms...)
		}, next)
	}
}

// TenantContext resolves the tenant for possibly anonymous requests.
func (a *API) TenantContext(next http.Handler) http.Handler {
	return a.guarded(a.guard.TenantContext, next)
}

// denialStatus maps a denial reason to its HTTP status.
func denialStatus(reason auth.Reason) int {
	switch reason {
	case auth.ReasonRateLimited:
		return http.StatusTooManyRequests
	case auth.ReasonAccountLocked:
		return http.StatusLocked
	case auth.ReasonPermissionDenied, auth.ReasonTenantMismatch:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if d, ok := auth.AsDenial(err); ok {
		code := denialStatus(d.Reason)
		payload := map[string]any{"error": string(d.Reason)}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["requestId"] = rid
		}
		if d.RemainingAttempts != nil {
			payload["remainingAttempts"] = *d.RemainingAttempts
		}
		if !d.ResetAt.IsZero() {
			payload["resetAt"] = d.ResetAt.UTC()
		}
		if !d.LockoutUntil.IsZero() {
			payload["lockoutUntil"] = d.LockoutUntil.UTC()
		}
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			w.Header().Set("WWW-Authenticate", `Bearer realm="leora"`)
		case http.StatusTooManyRequests:
			w.Header().Set("Retry-After", a.retryAfter(d.ResetAt))
		case http.StatusLocked:
			w.Header().Set("Retry-After", a.retryAfter(d.LockoutUntil))
		}
		writeJSON(w, code, payload)
		return
	}

	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Warn("auth_store_unavailable")
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, guard.ErrTenantNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("auth_error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) retryAfter(until time.Time) string {
	secs := int(math.Ceil(until.Sub(a.now()).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
