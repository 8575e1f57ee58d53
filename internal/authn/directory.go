package authn

import (
	"context"
	"errors"
	"sync"

	"fieldgate.org/internal/authz"
)

// ErrUnknownIdentity is returned by directories for ids they do not hold.
var ErrUnknownIdentity = errors.New("authn: identity not found")

// Kind separates field devices from human principals.
type Kind string

const (
	KindDevice Kind = "device"
	KindHuman  Kind = "human"
)

// Status of an identity. Disabled identities authenticate to nothing.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Identity is a device or a human principal as the directory knows it.
type Identity struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	OrgID    string `json:"org_id"`
	RegionID string `json:"region_id"`
	TeamID   string `json:"team_id"`
}

// Active reports whether the identity may authenticate.
func (i Identity) Active() bool { return i.Status == StatusActive }

// TeamScope is the team the identity belongs to, with its ancestry.
func (i Identity) TeamScope() authz.Scope {
	return authz.Scope{Level: authz.LevelTeam, OrgID: i.OrgID, RegionID: i.RegionID, TeamID: i.TeamID}
}

// SelfScope narrows TeamScope to the identity itself.
func (i Identity) SelfScope() authz.Scope {
	s := i.TeamScope()
	s.Level = authz.LevelUser
	s.UserID = i.ID
	return s
}

// Directory is the identity and team collaborator the engine reads.
type Directory interface {
	LookupIdentity(ctx context.Context, id string) (Identity, error)
	authz.AssignmentSource
}

// MemoryDirectory holds identities in process and delegates assignments.
type MemoryDirectory struct {
	mu          sync.RWMutex
	identities  map[string]Identity
	assignments authz.AssignmentSource
}

var (
	_ Directory        = (*MemoryDirectory)(nil)
	_ authz.KindSource = (*MemoryDirectory)(nil)
)

// NewMemoryDirectory serves assignments from assignments (may be nil).
func NewMemoryDirectory(assignments authz.AssignmentSource, ids ...Identity) *MemoryDirectory {
	d := &MemoryDirectory{identities: make(map[string]Identity, len(ids)), assignments: assignments}
	for _, id := range ids {
		d.identities[id.ID] = id
	}
	return d
}

// Put adds or replaces an identity.
func (d *MemoryDirectory) Put(id Identity) {
	d.mu.Lock()
	d.identities[id.ID] = id
	d.mu.Unlock()
}

// SetStatus changes an identity's status.
func (d *MemoryDirectory) SetStatus(id string, s Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.identities[id]
	if !ok {
		return ErrUnknownIdentity
	}
	cur.Status = s
	d.identities[id] = cur
	return nil
}

func (d *MemoryDirectory) LookupIdentity(ctx context.Context, id string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.identities[id]
	if !ok {
		return Identity{}, ErrUnknownIdentity
	}
	return ident, nil
}

func (d *MemoryDirectory) ListAssignments(ctx context.Context, identityID string) ([]authz.Assignment, error) {
	if d.assignments == nil {
		return nil, ctx.Err()
	}
	return d.assignments.ListAssignments(ctx, identityID)
}

func (d *MemoryDirectory) IsDevice(ctx context.Context, identityID string) (bool, error) {
	ident, err := d.LookupIdentity(ctx, identityID)
	if errors.Is(err, ErrUnknownIdentity) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ident.Kind == KindDevice, nil
}
