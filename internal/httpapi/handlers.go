// Package httpapi exposes the portal auth core over HTTP and gRPC.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"leora.app/internal/auth"
	"leora.app/internal/guard"
	"leora.app/internal/obs"
)

const (
	serviceName  = "leora-auth"
	maxBodyBytes = 1 << 20
)

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck pings every registered dependency.
type ReadyCheck struct {
	Deps map[string]Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Deps))
	for name := range rp.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Deps[name].Ping(ctx); err != nil {
			return errors.New(name + ": " + err.Error())
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	guard      *guard.Guard
	authn      *guard.Authenticator
	cookies    auth.CookieWriter
	readyCheck ReadyCheck
	version    string
	now        func() time.Time

	corsOrigins []string
	allowLocal  bool
	proxies     TrustedProxies
	rateBurst   int
	ratePerSec  float64
}

// Option configures the API.
type Option func(*API)

// WithReadyCheck sets the dependencies pinged by /readyz.
func WithReadyCheck(rp ReadyCheck) Option {
	return func(a *API) { a.readyCheck = rp }
}

// WithCookies configures how token cookies are written.
func WithCookies(c auth.CookieWriter) Option {
	return func(a *API) { a.cookies = c }
}

// WithCORS sets the allowed browser origins. allowLocal also admits
// localhost origins.
func WithCORS(origins []string, allowLocal bool) Option {
	return func(a *API) {
		a.corsOrigins = origins
		a.allowLocal = allowLocal
	}
}

// WithFloodLimit sizes the per-IP token bucket. Zero disables it.
func WithFloodLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies lists the proxies whose X-Forwarded-For is believed.
// Without it the socket peer is the client.
func WithTrustedProxies(tp TrustedProxies) Option {
	return func(a *API) { a.proxies = tp }
}

// WithAPIClock overrides the clock used for Retry-After hints.
func WithAPIClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(g *guard.Guard, authn *guard.Authenticator, version string, opts ...Option) *API {
	a := &API{
		router:     mux.NewRouter(),
		guard:      g,
		authn:      authn,
		cookies:    auth.CookieWriter{Secure: true},
		version:    version,
		now:        time.Now,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cookies.AccessTTL == 0 {
		a.cookies.AccessTTL = g.Tokens().AccessTTL()
	}
	if a.cookies.RefreshTTL == 0 {
		a.cookies.RefreshTTL = g.Tokens().RefreshTTL()
	}

	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	v1.Handle("/auth/me", a.RequireAuth(http.HandlerFunc(a.handleMe))).Methods(http.MethodGet)
	v1.Handle("/tenant", a.TenantContext(http.HandlerFunc(a.handleTenant))).Methods(http.MethodGet)
	v1.Handle("/identities/{id}/sessions",
		a.RequirePermission(auth.PermSessionsRevoke)(http.HandlerFunc(a.handleRevokeSessions)),
	).Methods(http.MethodDelete)

	// Only the root router gets these: a subrouter NotFoundHandler swallows
	// method mismatches as 404.
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins, a.allowLocal)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.proxies)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyCheck.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["requestId"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
