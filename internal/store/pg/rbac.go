package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldgate.org/internal/authz"
)

var _ authz.Store = (*Store)(nil)

func (s *Store) Role(ctx context.Context, roleID string) (authz.Role, error) {
	if s.db == nil {
		return authz.Role{}, errNoDB
	}
	var (
		role authz.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description
		from roles
		where id = $1
	`, roleID).Scan(&role.ID, &role.Name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}

	rows, err := s.db.QueryContext(ctx, `
		select resource, action, level, override
		from role_permissions
		where role_id = $1
		order by resource, action, level
	`, roleID)
	if err != nil {
		return authz.Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p     authz.Permission
			level int
		)
		if err := rows.Scan(&p.Resource, &p.Action, &level, &p.Override); err != nil {
			return authz.Role{}, err
		}
		p.Level = authz.Level(level)
		role.Permissions = append(role.Permissions, p)
	}
	if err := rows.Err(); err != nil {
		return authz.Role{}, err
	}
	return role, nil
}

// PutRole upserts the role row and replaces its permissions.
func (s *Store) PutRole(ctx context.Context, role authz.Role) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		on conflict (id) do update
		set name = excluded.name, description = excluded.description, updated_at = now()
	`, role.ID, role.Name, nullIfEmpty(role.Description)); err != nil {
		return err
	}
	if err := replacePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	if err := notify(ctx, tx, Change{Kind: ChangeRole, ID: role.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, perms []authz.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.ErrNotFound
		}
		return err
	}
	if err := replacePermissions(ctx, tx, roleID, perms); err != nil {
		return err
	}
	if err := notify(ctx, tx, Change{Kind: ChangeRole, ID: roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func replacePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []authz.Permission) error {
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, resource, action, level, override)
			values ($1, $2, $3, $4, $5)
			on conflict do nothing
		`, roleID, p.Resource, p.Action, int(p.Level), p.Override); err != nil {
			return err
		}
	}
	return nil
}

// AddAssignment is idempotent: re-adding returns the stored row.
func (s *Store) AddAssignment(ctx context.Context, a authz.Assignment) (authz.Assignment, error) {
	if s.db == nil {
		return authz.Assignment{}, errNoDB
	}
	scopeID := a.Scope.ID
	if a.Scope.Level == authz.LevelSystem {
		scopeID = ""
	}
	out := authz.Assignment{IdentityID: a.IdentityID, RoleID: a.RoleID, Scope: authz.ScopeRef{Level: a.Scope.Level, ID: scopeID}}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into role_assignments (identity_id, role_id, scope_level, scope_id)
		values ($1, $2, $3, $4)
		on conflict (identity_id, role_id, scope_level, scope_id)
		do update set identity_id = excluded.identity_id
		returning created_at
	`, a.IdentityID, a.RoleID, int(a.Scope.Level), scopeID).Scan(&out.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.Assignment{}, fmt.Errorf("%w: identity %s or role %s", authz.ErrNotFound, a.IdentityID, a.RoleID)
		}
		return authz.Assignment{}, err
	}
	if err := notify(ctx, tx, Change{Kind: ChangeIdentity, ID: a.IdentityID}); err != nil {
		return authz.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.Assignment{}, err
	}
	return out, nil
}

func (s *Store) RemoveAssignment(ctx context.Context, identityID, roleID string, scope authz.ScopeRef) error {
	if s.db == nil {
		return errNoDB
	}
	scopeID := scope.ID
	if scope.Level == authz.LevelSystem {
		scopeID = ""
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from role_assignments
		where identity_id = $1 and role_id = $2 and scope_level = $3 and scope_id = $4
	`, identityID, roleID, int(scope.Level), scopeID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	if err := notify(ctx, tx, Change{Kind: ChangeIdentity, ID: identityID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAssignments(ctx context.Context, identityID string) ([]authz.Assignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select identity_id, role_id, scope_level, scope_id, created_at
		from role_assignments
		where identity_id = $1
		order by created_at, role_id
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Assignment
	for rows.Next() {
		var (
			a     authz.Assignment
			level int
		)
		if err := rows.Scan(&a.IdentityID, &a.RoleID, &level, &a.Scope.ID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Scope.Level = authz.Level(level)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RoleHolders(ctx context.Context, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select distinct identity_id from role_assignments where role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, strings.TrimSpace(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
