package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
)

// Request is one permission check.
type Request struct {
	IdentityID string
	Resource   string
	Action     string
	Scope      Scope
	// Override is set when the caller presents a supervisor-override token.
	Override bool
}

// Decision is the outcome of a check. RoleID and Via name the granting
// assignment on allow.
type Decision struct {
	Allowed bool
	RoleID  string
	Via     ScopeRef
	Cached  bool
}

// Resolver evaluates requests against assignments and role bundles.
type Resolver struct {
	assignments  AssignmentSource
	roles        RoleSource
	cache        *Cache
	systemRole   string
	systemRes    map[string]struct{}
	storeTimeout time.Duration
	flight       singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache replaces the default cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithSystemAdminRole designates the only role that can reach System
// permissions.
func WithSystemAdminRole(id string) Option {
	return func(r *Resolver) {
		if id = strings.TrimSpace(id); id != "" {
			r.systemRole = id
		}
	}
}

// WithSystemResources replaces the set of resources treated as System
// regardless of permission level.
func WithSystemResources(resources ...string) Option {
	return func(r *Resolver) {
		r.systemRes = make(map[string]struct{}, len(resources))
		for _, res := range resources {
			r.systemRes[res] = struct{}{}
		}
	}
}

// WithStoreTimeout bounds each store read.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// NewResolver wires the stores. The default cache keeps decisions for 30s.
func NewResolver(assignments AssignmentSource, roles RoleSource, opts ...Option) (*Resolver, error) {
	if assignments == nil || roles == nil {
		return nil, errors.New("authz: assignment and role sources are required")
	}
	r := &Resolver{
		assignments:  assignments,
		roles:        roles,
		systemRole:   RoleSystemAdmin,
		storeTimeout: 2 * time.Second,
	}
	WithSystemResources(SystemResources...)(r)
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(0, 0, clock.Real())
	}
	return r, nil
}

// Cache exposes the decision cache for invalidation hooks.
func (r *Resolver) Cache() *Cache { return r.cache }

// Check resolves req. Store failures are returned as errors and never
// cached; a miss always falls back to a full resolution.
func (r *Resolver) Check(ctx context.Context, req Request) (Decision, error) {
	if err := validateRequest(req); err != nil {
		return Decision{}, err
	}
	gen := r.cache.Generation(req.IdentityID)
	if d, ok := r.cache.Get(req, gen); ok {
		d.Cached = true
		obs.PermissionCheck(d.Allowed, true)
		return d, nil
	}
	// The flight outlives any single caller: followers must not inherit
	// the leader's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(cacheKey(req, gen), func() (any, error) {
		d, err := r.resolve(flightCtx, req)
		if err != nil {
			return Decision{}, err
		}
		r.cache.Put(req, gen, d)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		d := res.Val.(Decision)
		obs.PermissionCheck(d.Allowed, false)
		return d, nil
	}
}

// Assignments lists what identityID holds, bounded by the store timeout.
func (r *Resolver) Assignments(ctx context.Context, identityID string) ([]Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	out, err := r.assignments.ListAssignments(ctx, identityID)
	if err != nil {
		return nil, errs.Internal("authz: list assignments", err)
	}
	return out, nil
}

// SystemAdminRole is the role allowed to reach System permissions.
func (r *Resolver) SystemAdminRole() string { return r.systemRole }

// Require is Check that turns a deny into ErrForbidden.
func (r *Resolver) Require(ctx context.Context, req Request) error {
	d, err := r.Check(ctx, req)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrForbidden
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	assignments, err := r.assignments.ListAssignments(ctx, req.IdentityID)
	if err != nil {
		return Decision{}, errs.Internal("authz: list assignments", err)
	}
	roles := make(map[string]Role, len(assignments))
	for _, a := range assignments {
		role, ok := roles[a.RoleID]
		if !ok {
			role, err = r.roles.Role(ctx, a.RoleID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return Decision{}, errs.Internal("authz: load role", err)
			}
			roles[a.RoleID] = role
		}
		if r.grants(role, a, req) {
			return Decision{Allowed: true, RoleID: role.ID, Via: a.Scope}, nil
		}
	}
	return Decision{}, nil
}

// grants is the single evaluation path: a matching permission, then either
// the System rule or level plus dominance.
func (r *Resolver) grants(role Role, a Assignment, req Request) bool {
	for _, p := range role.Permissions {
		if p.Resource != req.Resource || p.Action != req.Action {
			continue
		}
		if p.Override && !req.Override {
			continue
		}
		if r.isSystem(p, req) {
			if role.ID == r.systemRole && a.Scope.Level == LevelSystem {
				return true
			}
			continue
		}
		if req.Scope.Level <= p.Level && Dominates(a.Scope, req.Scope) {
			return true
		}
	}
	return false
}

func (r *Resolver) isSystem(p Permission, req Request) bool {
	if p.Level == LevelSystem || req.Scope.Level == LevelSystem {
		return true
	}
	_, ok := r.systemRes[req.Resource]
	return ok
}

func validateRequest(req Request) error {
	switch {
	case strings.TrimSpace(req.IdentityID) == "":
		return fmt.Errorf("%w: identity required", ErrInvalidInput)
	case req.Resource == "" || req.Action == "":
		return fmt.Errorf("%w: resource and action required", ErrInvalidInput)
	case !req.Scope.Level.Valid():
		return fmt.Errorf("%w: invalid %s", ErrInvalidInput, req.Scope.Level)
	case req.Scope.Level != LevelSystem && req.Scope.IDAt(req.Scope.Level) == "":
		return fmt.Errorf("%w: %s scope requires an id", ErrInvalidInput, req.Scope.Level)
	}
	return nil
}
