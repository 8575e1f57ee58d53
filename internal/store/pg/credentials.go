package pg

import (
	"context"
	"database/sql"
	"errors"

	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/ids"
)

var _ credential.Store = (*Store)(nil)

func (s *Store) ActiveVerifier(ctx context.Context, identityID string, scope credential.Scope) (credential.Verifier, error) {
	if s.db == nil {
		return credential.Verifier{}, errNoDB
	}
	var v credential.Verifier
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, scope, hash, rotated_at, active
		from verifiers
		where identity_id = $1 and scope = $2 and active
	`, identityID, string(scope)).Scan(&v.ID, &v.IdentityID, &v.Scope, &v.Hash, &v.RotatedAt, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Verifier{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Verifier{}, err
	}
	return v, nil
}

// Rotate retires the active verifier and inserts hash in one transaction.
// The partial unique index on (identity_id, scope) where active keeps at
// most one active row even under concurrent rotations.
func (s *Store) Rotate(ctx context.Context, identityID string, scope credential.Scope, hash string) (credential.Verifier, error) {
	if s.db == nil {
		return credential.Verifier{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credential.Verifier{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update verifiers set active = false
		where identity_id = $1 and scope = $2 and active
	`, identityID, string(scope)); err != nil {
		return credential.Verifier{}, err
	}
	now := s.now()
	v := credential.Verifier{
		ID:         ids.NewAt(now),
		IdentityID: identityID,
		Scope:      scope,
		Hash:       hash,
		RotatedAt:  now,
		Active:     true,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into verifiers (id, identity_id, scope, hash, rotated_at, active)
		values ($1, $2, $3, $4, $5, true)
	`, v.ID, v.IdentityID, string(v.Scope), v.Hash, v.RotatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return credential.Verifier{}, authn.ErrUnknownIdentity
		}
		return credential.Verifier{}, err
	}
	if err := tx.Commit(); err != nil {
		return credential.Verifier{}, err
	}
	return v, nil
}
