// Package memory implements the tenant, identity and session stores in
// process for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"leora.app/internal/auth"
)

// Store is safe for concurrent use. Records are copied in and out so callers
// never share mutable state with the store.
type Store struct {
	mu         sync.RWMutex
	tenants    map[string]auth.Tenant   // by slug
	identities map[string]auth.Identity // by id
	sessions   map[string]auth.Session  // by id
}

var (
	_ auth.TenantStore   = (*Store)(nil)
	_ auth.IdentityStore = (*Store)(nil)
	_ auth.SessionStore  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tenants:    make(map[string]auth.Tenant),
		identities: make(map[string]auth.Identity),
		sessions:   make(map[string]auth.Session),
	}
}

// PutTenant inserts or replaces a tenant.
func (s *Store) PutTenant(t auth.Tenant) error {
	t.Slug = auth.NormalizeSlug(t.Slug)
	if t.ID == "" || t.Slug == "" {
		return fmt.Errorf("%w: tenant id and slug required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.Slug] = t
	return nil
}

// PutIdentity inserts or replaces an identity. Emails must be unique within
// a tenant.
func (s *Store) PutIdentity(id auth.Identity) error {
	id.Email = auth.NormalizeEmail(id.Email)
	if id.ID == "" || id.TenantID == "" || id.Email == "" {
		return fmt.Errorf("%w: identity id, tenant and email required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.identities {
		if other.ID != id.ID && other.TenantID == id.TenantID && other.Email == id.Email {
			return fmt.Errorf("%w: email %s already used in tenant", auth.ErrInvalidInput, id.Email)
		}
	}
	id.Roles = append([]string(nil), id.Roles...)
	id.Permissions = append([]string(nil), id.Permissions...)
	s.identities[id.ID] = id
	return nil
}

func (s *Store) FindTenant(_ context.Context, slug string) (*auth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[auth.NormalizeSlug(slug)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &t, nil
}

func (s *Store) FindIdentity(_ context.Context, lookup auth.IdentityLookup) (*auth.Identity, error) {
	if lookup.TenantID == "" || (lookup.ID == "" && lookup.Email == "") {
		return nil, fmt.Errorf("%w: tenant and id or email required", auth.ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lookup.ID != "" {
		id, ok := s.identities[lookup.ID]
		if !ok || id.TenantID != lookup.TenantID {
			return nil, auth.ErrNotFound
		}
		return cloneIdentity(id), nil
	}
	email := auth.NormalizeEmail(lookup.Email)
	for _, id := range s.identities {
		if id.TenantID == lookup.TenantID && id.Email == email {
			return cloneIdentity(id), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) CreateSession(_ context.Context, sess *auth.Session) error {
	if sess == nil || sess.ID == "" || sess.IdentityID == "" || sess.TenantID == "" {
		return fmt.Errorf("%w: incomplete session", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("%w: session %s exists", auth.ErrInvalidInput, sess.ID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) FindSession(_ context.Context, id string) (*auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteSessions(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.IdentityID == identityID {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.LastActivityAt = at
	s.sessions[id] = sess
	return nil
}

// Sweep drops sessions that expired before now.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// sessionsOf lists the sessions of identityID ordered by creation time.
func (s *Store) sessionsOf(identityID string) []auth.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.IdentityID == identityID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneIdentity(id auth.Identity) *auth.Identity {
	id.Roles = append([]string(nil), id.Roles...)
	id.Permissions = append([]string(nil), id.Permissions...)
	return &id
}
