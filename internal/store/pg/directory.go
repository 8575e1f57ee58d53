package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
)

var (
	_ authn.Directory  = (*Store)(nil)
	_ authz.KindSource = (*Store)(nil)
)

func (s *Store) LookupIdentity(ctx context.Context, id string) (authn.Identity, error) {
	if s.db == nil {
		return authn.Identity{}, errNoDB
	}
	var ident authn.Identity
	err := s.db.QueryRowContext(ctx, `
		select id, kind, status, org_id, region_id, team_id
		from identities
		where id = $1
	`, id).Scan(&ident.ID, &ident.Kind, &ident.Status, &ident.OrgID, &ident.RegionID, &ident.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return authn.Identity{}, authn.ErrUnknownIdentity
	}
	if err != nil {
		return authn.Identity{}, err
	}
	return ident, nil
}

// IsDevice reports false for unknown identities.
func (s *Store) IsDevice(ctx context.Context, id string) (bool, error) {
	ident, err := s.LookupIdentity(ctx, id)
	if errors.Is(err, authn.ErrUnknownIdentity) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ident.Kind == authn.KindDevice, nil
}

// PutIdentity inserts or updates an identity.
func (s *Store) PutIdentity(ctx context.Context, ident authn.Identity) error {
	if s.db == nil {
		return errNoDB
	}
	switch ident.Kind {
	case authn.KindDevice, authn.KindHuman:
	default:
		return fmt.Errorf("%w: unknown identity kind %q", authz.ErrInvalidInput, ident.Kind)
	}
	if ident.Status == "" {
		ident.Status = authn.StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identities (id, kind, status, org_id, region_id, team_id)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update
		set kind = excluded.kind, status = excluded.status, org_id = excluded.org_id,
		    region_id = excluded.region_id, team_id = excluded.team_id, updated_at = now()
	`, ident.ID, string(ident.Kind), string(ident.Status), ident.OrgID, ident.RegionID, ident.TeamID)
	return err
}

// SetStatus enables or disables an identity.
func (s *Store) SetStatus(ctx context.Context, id string, status authn.Status) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update identities set status = $2, updated_at = now() where id = $1`, id, string(status))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authn.ErrUnknownIdentity
	}
	return nil
}
