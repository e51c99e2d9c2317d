package pg

import (
	"context"
	"database/sql"
	"errors"

	"leora.app/internal/auth"
)

func (s *Store) FindTenant(ctx context.Context, slug string) (*auth.Tenant, error) {
	if s.db == nil {
		return nil, unavailable("find tenant", errors.New("database connection unavailable"))
	}
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, slug, name, active
		from tenants
		where slug = $1
	`, auth.NormalizeSlug(slug)).Scan(&t.ID, &t.Slug, &t.Name, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find tenant", err)
	}
	return &t, nil
}
