// Package guard binds inbound requests to a tenant and an authenticated
// identity, and runs the credential flows that mint tokens.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"leora.app/internal/auth"
)

const (
	defaultTenantCacheSize = 1024
	defaultTenantCacheTTL  = time.Minute
)

// ErrTenantNotFound is returned when no tenant can be resolved for a request.
var ErrTenantNotFound = fmt.Errorf("%w: tenant", auth.ErrNotFound)

// TenantResolver resolves the tenant of a request. Found tenants are cached
// for a short TTL; misses are never cached.
type TenantResolver struct {
	store       auth.TenantStore
	defaultSlug string
	cacheSize   int
	cacheTTL    time.Duration
	cache       *lru.LRU[string, auth.Tenant]
}

// ResolverOption configures a TenantResolver.
type ResolverOption func(*TenantResolver)

// WithDefaultTenant sets the slug used when a request names no tenant.
func WithDefaultTenant(slug string) ResolverOption {
	return func(r *TenantResolver) {
		r.defaultSlug = auth.NormalizeSlug(slug)
	}
}

// WithTenantCache sizes the lookup cache. A zero ttl disables caching.
func WithTenantCache(size int, ttl time.Duration) ResolverOption {
	return func(r *TenantResolver) {
		r.cacheSize = size
		r.cacheTTL = ttl
	}
}

// NewTenantResolver builds a resolver over store.
func NewTenantResolver(store auth.TenantStore, opts ...ResolverOption) (*TenantResolver, error) {
	if store == nil {
		return nil, errors.New("guard: tenant store is required")
	}
	r := &TenantResolver{
		store:     store,
		cacheSize: defaultTenantCacheSize,
		cacheTTL:  defaultTenantCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize > 0 && r.cacheTTL > 0 {
		r.cache = lru.NewLRU[string, auth.Tenant](r.cacheSize, nil, r.cacheTTL)
	}
	return r, nil
}

// DefaultSlug returns the configured fallback slug.
func (r *TenantResolver) DefaultSlug() string { return r.defaultSlug }

// Lookup loads an active tenant by slug. Inactive tenants are reported as not
// found; store failures as auth.ErrStoreUnavailable.
func (r *TenantResolver) Lookup(ctx context.Context, slug string) (*auth.Tenant, error) {
	slug = auth.NormalizeSlug(slug)
	if slug == "" {
		return nil, ErrTenantNotFound
	}
	if r.cache != nil {
		if t, ok := r.cache.Get(slug); ok {
			return &t, nil
		}
	}
	t, err := r.store.FindTenant(ctx, slug)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, storeFailure("tenant lookup", err)
	}
	if !t.Active {
		return nil, ErrTenantNotFound
	}
	if r.cache != nil {
		r.cache.Add(slug, *t)
	}
	return t, nil
}

// Resolve picks the tenant of a request. Verified access claims are
// authoritative; otherwise the explicit slug is used, then the default. An
// explicit slug that disagrees with the claims is a TenantMismatch.
func (r *TenantResolver) Resolve(ctx context.Context, claims *auth.Claims, explicitSlug string) (*auth.Tenant, error) {
	explicitSlug = auth.NormalizeSlug(explicitSlug)
	if claims != nil {
		if explicitSlug != "" && explicitSlug != auth.NormalizeSlug(claims.TenantSlug) {
			return nil, auth.Deny(auth.ReasonTenantMismatch)
		}
		t, err := r.Lookup(ctx, claims.TenantSlug)
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.Deny(auth.ReasonUnauthenticated)
		}
		if err != nil {
			return nil, err
		}
		if t.ID != claims.TenantID {
			return nil, auth.Deny(auth.ReasonTenantMismatch)
		}
		return t, nil
	}
	slug := explicitSlug
	if slug == "" {
		slug = r.defaultSlug
	}
	return r.Lookup(ctx, slug)
}

// storeFailure tags err as an outage unless it already is one.
func storeFailure(op string, err error) error {
	if errors.Is(err, auth.ErrStoreUnavailable) {
		return fmt.Errorf("guard: %s: %w", op, err)
	}
	return fmt.Errorf("guard: %s: %w: %w", op, auth.ErrStoreUnavailable, err)
}
