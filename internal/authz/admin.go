package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Admin mutates roles and assignments. Affected identities are evicted
// from the resolver cache both before the write and after it, so no reader
// is served a decision from before the mutation once it returns.
type Admin struct {
	store   Store
	kinds   KindSource
	cache   *Cache
	sysRole string
}

// NewAdmin binds the write store to the resolver's cache.
func NewAdmin(store Store, kinds KindSource, resolver *Resolver) (*Admin, error) {
	if store == nil || kinds == nil || resolver == nil {
		return nil, errors.New("authz: admin requires store, kind source and resolver")
	}
	return &Admin{store: store, kinds: kinds, cache: resolver.cache, sysRole: resolver.systemRole}, nil
}

// PutRole creates or replaces a role definition.
func (a *Admin) PutRole(ctx context.Context, role Role) error {
	role.ID = strings.TrimSpace(role.ID)
	if role.ID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(role.Name) == "" {
		role.Name = role.ID
	}
	for _, p := range role.Permissions {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	role.Permissions = dedupePermissions(role.Permissions)
	a.InvalidateRole(ctx, role.ID)
	if err := a.store.PutRole(ctx, role); err != nil {
		return err
	}
	a.InvalidateRole(ctx, role.ID)
	return nil
}

// SetRolePermissions replaces a role's bundle.
func (a *Admin) SetRolePermissions(ctx context.Context, roleID string, perms []Permission) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	a.InvalidateRole(ctx, roleID)
	if err := a.store.SetRolePermissions(ctx, roleID, dedupePermissions(perms)); err != nil {
		return err
	}
	a.InvalidateRole(ctx, roleID)
	return nil
}

// Assign binds identityID to roleID at scope. Devices can never hold the
// system role or any assignment at System scope.
func (a *Admin) Assign(ctx context.Context, identityID, roleID string, scope ScopeRef) (Assignment, error) {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return Assignment{}, fmt.Errorf("%w: identity and role are required", ErrInvalidInput)
	}
	if err := scope.Validate(); err != nil {
		return Assignment{}, err
	}
	role, err := a.store.Role(ctx, roleID)
	if err != nil {
		return Assignment{}, err
	}
	device, err := a.kinds.IsDevice(ctx, identityID)
	if err != nil {
		return Assignment{}, err
	}
	if device && (role.ID == a.sysRole || scope.Level == LevelSystem || role.HasSystemPermissions()) {
		return Assignment{}, ErrDeviceSystemRole
	}
	a.cache.Invalidate(identityID)
	created, err := a.store.AddAssignment(ctx, Assignment{IdentityID: identityID, RoleID: roleID, Scope: scope})
	a.cache.Invalidate(identityID)
	if err != nil {
		return Assignment{}, err
	}
	return created, nil
}

// Unassign removes one assignment.
func (a *Admin) Unassign(ctx context.Context, identityID, roleID string, scope ScopeRef) error {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return fmt.Errorf("%w: identity and role are required", ErrInvalidInput)
	}
	a.cache.Invalidate(identityID)
	err := a.store.RemoveAssignment(ctx, identityID, roleID, scope)
	a.cache.Invalidate(identityID)
	return err
}

// Assignments lists an identity's assignments.
func (a *Admin) Assignments(ctx context.Context, identityID string) ([]Assignment, error) {
	return a.store.ListAssignments(ctx, identityID)
}

// InvalidateRole evicts everyone holding roleID. If holders cannot be
// listed the whole cache is dropped.
func (a *Admin) InvalidateRole(ctx context.Context, roleID string) {
	holders, err := a.store.RoleHolders(ctx, roleID)
	if err != nil {
		a.cache.Purge()
		return
	}
	a.cache.Invalidate(holders...)
}

// Seed writes the built-in catalog. Existing roles are overwritten.
func (a *Admin) Seed(ctx context.Context) error {
	for _, r := range BuiltinRoles() {
		if err := a.PutRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}
	return nil
}
