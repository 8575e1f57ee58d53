package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/token"
)

var _ engine.SessionStore = (*Store)(nil)

func (s *Store) Start(ctx context.Context, sess engine.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, refresh_jti, kind, identity_id, device_id, team_id, supervisor_id,
		                      started_at, access_expires_at, expires_at, override_until)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, nullIfEmpty(sess.RefreshJTI), string(sess.Kind), sess.IdentityID, nullIfEmpty(sess.DeviceID),
		nullIfEmpty(sess.TeamID), nullIfEmpty(sess.SupervisorID), sess.StartedAt.UTC(), sess.AccessExpiresAt.UTC(),
		sess.ExpiresAt.UTC(), nullTime(sess.OverrideUntil))
	return err
}

// End marks the session ended. Ending an already ended session is a no-op.
func (s *Store) End(ctx context.Context, id, reason string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set ended_at = $2, end_reason = $3
		where (id = $1 or refresh_jti = $1) and ended_at is null
	`, id, at.UTC(), reason)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id = $1 or refresh_jti = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return engine.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, jti string) (engine.Session, error) {
	if s.db == nil {
		return engine.Session{}, errNoDB
	}
	var (
		sess                               engine.Session
		kind                               string
		refresh, device, team, sup, reason sql.NullString
		overrideUntil, ended               sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, refresh_jti, kind, identity_id, device_id, team_id, supervisor_id,
		       started_at, access_expires_at, expires_at, override_until, ended_at, end_reason
		from sessions
		where id = $1 or refresh_jti = $1
	`, jti).Scan(&sess.ID, &refresh, &kind, &sess.IdentityID, &device, &team, &sup,
		&sess.StartedAt, &sess.AccessExpiresAt, &sess.ExpiresAt, &overrideUntil, &ended, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Session{}, engine.ErrSessionNotFound
	}
	if err != nil {
		return engine.Session{}, err
	}
	sess.Kind = token.Kind(kind)
	sess.RefreshJTI = refresh.String
	sess.DeviceID = device.String
	sess.TeamID = team.String
	sess.SupervisorID = sup.String
	sess.EndReason = reason.String
	if overrideUntil.Valid {
		sess.OverrideUntil = overrideUntil.Time
	}
	if ended.Valid {
		sess.EndedAt = ended.Time
	}
	return sess, nil
}
