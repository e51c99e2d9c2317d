package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"leora.app/internal/auth"
)

const identityColumns = `
		select u.id, u.email, u.tenant_id, t.slug, u.password_hash, u.status = 'active' and t.active
		from users u
		join tenants t on t.id = u.tenant_id
`

// FindIdentity loads a user with its role names and directly granted
// permissions. Role expansion happens in the caller.
func (s *Store) FindIdentity(ctx context.Context, lookup auth.IdentityLookup) (*auth.Identity, error) {
	if s.db == nil {
		return nil, unavailable("find identity", errors.New("database connection unavailable"))
	}
	if lookup.TenantID == "" || (lookup.ID == "" && lookup.Email == "") {
		return nil, fmt.Errorf("%w: tenant and id or email required", auth.ErrInvalidInput)
	}

	var row *sql.Row
	if lookup.ID != "" {
		row = s.db.QueryRowContext(ctx, identityColumns+`
		where u.tenant_id = $1 and u.id = $2
	`, lookup.TenantID, lookup.ID)
	} else {
		row = s.db.QueryRowContext(ctx, identityColumns+`
		where u.tenant_id = $1 and lower(u.email) = $2
	`, lookup.TenantID, auth.NormalizeEmail(lookup.Email))
	}

	var id auth.Identity
	err := row.Scan(&id.ID, &id.Email, &id.TenantID, &id.TenantSlug, &id.PasswordHash, &id.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find identity", err)
	}

	id.Roles, err = s.queryStrings(ctx, "identity roles", `
		select role_name from user_roles where user_id = $1 order by role_name
	`, id.ID)
	if err != nil {
		return nil, err
	}
	id.Permissions, err = s.queryStrings(ctx, "identity permissions", `
		select permission from user_permissions where user_id = $1 order by permission
	`, id.ID)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
