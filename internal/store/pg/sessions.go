package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leora.app/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	if s.db == nil {
		return unavailable("create session", errors.New("database connection unavailable"))
	}
	if sess == nil || sess.ID == "" || sess.IdentityID == "" || sess.TenantID == "" {
		return fmt.Errorf("%w: incomplete session", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, tenant_id, created_at, expires_at, last_activity_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.IdentityID, sess.TenantID, sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: session %s exists", auth.ErrInvalidInput, sess.ID)
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return unavailable("create session", err)
	}
	return nil
}

func (s *Store) FindSession(ctx context.Context, id string) (*auth.Session, error) {
	if s.db == nil {
		return nil, unavailable("find session", errors.New("database connection unavailable"))
	}
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, created_at, expires_at, last_activity_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.IdentityID, &sess.TenantID, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find session", err)
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if s.db == nil {
		return unavailable("delete session", errors.New("database connection unavailable"))
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return unavailable("delete session", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete session", err)
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSessions(ctx context.Context, identityID string) (int, error) {
	if s.db == nil {
		return 0, unavailable("delete sessions", errors.New("database connection unavailable"))
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where user_id = $1`, identityID)
	if err != nil {
		return 0, unavailable("delete sessions", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete sessions", err)
	}
	return int(aff), nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return unavailable("touch session", errors.New("database connection unavailable"))
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_activity_at = $2
		where id = $1
	`, id, at)
	if err != nil {
		return unavailable("touch session", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return unavailable("touch session", err)
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Sweep deletes sessions that expired before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, unavailable("sweep sessions", errors.New("database connection unavailable"))
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable("sweep sessions", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("sweep sessions", err)
	}
	return int(aff), nil
}
