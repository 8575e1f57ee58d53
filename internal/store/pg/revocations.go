package pg

import (
	"context"
	"time"

	"fieldgate.org/internal/token"
)

var _ token.Ledger = (*Store)(nil)

// Revoke inserts e unless the jti is already present. The primary key
// makes the insert the single point of truth for refresh rotation.
func (s *Store) Revoke(ctx context.Context, e token.Entry) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	if e.RevokedAt.IsZero() {
		e.RevokedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into revocations (jti, subject, kind, reason, revoked_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (jti) do nothing
	`, e.JTI, e.Subject, string(e.Kind), string(e.Reason), e.RevokedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var revoked bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from revocations where jti = $1)`, jti).Scan(&revoked)
	return revoked, err
}

// Prune removes entries whose token expired before now.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from revocations where expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
