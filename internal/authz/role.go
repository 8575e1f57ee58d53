package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldgate.org/internal/errs"
)

var (
	ErrInvalidInput     = errors.New("authz: invalid input")
	ErrNotFound         = errors.New("authz: not found")
	ErrDeviceSystemRole = errors.New("authz: devices cannot hold system roles")

	// ErrForbidden is the client-facing denial.
	ErrForbidden = errs.New(errs.CodeInsufficientPermissions, "insufficient permissions")
)

// Permission grants Action on Resource for requests up to Level. Permissions
// marked Override are usable only from a supervisor-override context.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
	Level    Level  `json:"level" yaml:"level"`
	Override bool   `json:"override,omitempty" yaml:"override,omitempty"`
}

// Key is "resource:action".
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

func (p Permission) Validate() error {
	if strings.TrimSpace(p.Resource) == "" || strings.TrimSpace(p.Action) == "" {
		return fmt.Errorf("%w: permission needs resource and action", ErrInvalidInput)
	}
	if !p.Level.Valid() {
		return fmt.Errorf("%w: permission %s has no level", ErrInvalidInput, p.Key())
	}
	return nil
}

// Role is a named permission bundle.
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
}

// HasSystemPermissions reports whether any permission is tagged System.
func (r Role) HasSystemPermissions() bool {
	for _, p := range r.Permissions {
		if p.Level == LevelSystem {
			return true
		}
	}
	return false
}

// Assignment binds an identity to a role within one scope instance.
type Assignment struct {
	IdentityID string    `json:"identity_id"`
	RoleID     string    `json:"role_id"`
	Scope      ScopeRef  `json:"scope"`
	CreatedAt  time.Time `json:"created_at"`
}

// AssignmentSource lists an identity's assignments.
type AssignmentSource interface {
	ListAssignments(ctx context.Context, identityID string) ([]Assignment, error)
}

// RoleSource loads role bundles. Unknown roles return ErrNotFound.
type RoleSource interface {
	Role(ctx context.Context, roleID string) (Role, error)
}

// KindSource tells devices apart from human principals.
type KindSource interface {
	IsDevice(ctx context.Context, identityID string) (bool, error)
}

// Store is the write side used by Admin.
type Store interface {
	AssignmentSource
	RoleSource
	PutRole(ctx context.Context, role Role) error
	SetRolePermissions(ctx context.Context, roleID string, perms []Permission) error
	AddAssignment(ctx context.Context, a Assignment) (Assignment, error)
	RemoveAssignment(ctx context.Context, identityID, roleID string, scope ScopeRef) error
	RoleHolders(ctx context.Context, roleID string) ([]string, error)
}

func dedupePermissions(perms []Permission) []Permission {
	if len(perms) == 0 {
		return nil
	}
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p.Resource = strings.TrimSpace(p.Resource)
		p.Action = strings.TrimSpace(p.Action)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
