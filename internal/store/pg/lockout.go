package pg

import (
	"context"
	"database/sql"
	"errors"

	"fieldgate.org/internal/lockout"
)

var _ lockout.Tracker = (*Store)(nil)

func (s *Store) Check(ctx context.Context, key lockout.Key) (lockout.Status, error) {
	if s.db == nil {
		return lockout.Status{}, errNoDB
	}
	st, err := scanLockout(s.db.QueryRowContext(ctx, `
		select failures, first_failure, cooldown_until
		from lockouts
		where identity_id = $1 and device_id = $2
	`, key.IdentityID, key.DeviceID))
	if err != nil {
		return lockout.Status{}, err
	}
	return s.ladder.Status(st, s.now()), nil
}

// RecordFailure serialises on the row lock so concurrent failures for the
// same key are all counted.
func (s *Store) RecordFailure(ctx context.Context, key lockout.Key) (lockout.Status, error) {
	if s.db == nil {
		return lockout.Status{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lockout.Status{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into lockouts (identity_id, device_id, failures)
		values ($1, $2, 0)
		on conflict (identity_id, device_id) do nothing
	`, key.IdentityID, key.DeviceID); err != nil {
		return lockout.Status{}, err
	}
	cur, err := scanLockout(tx.QueryRowContext(ctx, `
		select failures, first_failure, cooldown_until
		from lockouts
		where identity_id = $1 and device_id = $2
		for update
	`, key.IdentityID, key.DeviceID))
	if err != nil {
		return lockout.Status{}, err
	}
	now := s.now()
	next := s.ladder.Next(cur, now)
	if _, err := tx.ExecContext(ctx, `
		update lockouts
		set failures = $3, first_failure = $4, cooldown_until = $5, updated_at = $6
		where identity_id = $1 and device_id = $2
	`, key.IdentityID, key.DeviceID, next.Failures, nullTime(next.FirstFailure), nullTime(next.CooldownUntil), now); err != nil {
		return lockout.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return lockout.Status{}, err
	}
	return s.ladder.Status(next, now), nil
}

func (s *Store) Reset(ctx context.Context, key lockout.Key) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from lockouts where identity_id = $1 and device_id = $2`, key.IdentityID, key.DeviceID)
	return err
}

func scanLockout(row *sql.Row) (lockout.State, error) {
	var (
		st       lockout.State
		first    sql.NullTime
		cooldown sql.NullTime
	)
	err := row.Scan(&st.Failures, &first, &cooldown)
	if errors.Is(err, sql.ErrNoRows) {
		return lockout.State{}, nil
	}
	if err != nil {
		return lockout.State{}, err
	}
	if first.Valid {
		st.FirstFailure = first.Time
	}
	if cooldown.Valid {
		st.CooldownUntil = cooldown.Time
	}
	return st, nil
}
