package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps roles and assignments in process.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	assignments map[string][]Assignment
	reads       atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore is pre-loaded with roles.
func NewMemoryStore(roles ...Role) *MemoryStore {
	m := &MemoryStore{roles: make(map[string]Role), assignments: make(map[string][]Assignment)}
	for _, r := range roles {
		m.roles[r.ID] = cloneRole(r)
	}
	return m
}

// Reads counts assignment lookups.
func (m *MemoryStore) Reads() int64 { return m.reads.Load() }

func (m *MemoryStore) ListAssignments(ctx context.Context, identityID string) ([]Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.reads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Assignment(nil), m.assignments[identityID]...), nil
}

func (m *MemoryStore) Role(ctx context.Context, roleID string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return cloneRole(r), nil
}

func (m *MemoryStore) PutRole(_ context.Context, role Role) error {
	m.mu.Lock()
	m.roles[role.ID] = cloneRole(role)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetRolePermissions(_ context.Context, roleID string, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.Permissions = append([]Permission(nil), perms...)
	m.roles[roleID] = r
	return nil
}

func (m *MemoryStore) AddAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.assignments[a.IdentityID] {
		if cur.RoleID == a.RoleID && cur.Scope == a.Scope {
			return cur, nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.assignments[a.IdentityID] = append(m.assignments[a.IdentityID], a)
	return a, nil
}

func (m *MemoryStore) RemoveAssignment(_ context.Context, identityID, roleID string, scope ScopeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assignments[identityID]
	for i, cur := range list {
		if cur.RoleID == roleID && cur.Scope == scope {
			m.assignments[identityID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RoleHolders(_ context.Context, roleID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, list := range m.assignments {
		for _, a := range list {
			if a.RoleID == roleID {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func cloneRole(r Role) Role {
	r.Permissions = append([]Permission(nil), r.Permissions...)
	return r
}
