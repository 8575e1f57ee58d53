package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldgate.org/internal/ids"
)

// ErrNotFound is returned when an identity has no active verifier in the scope.
var ErrNotFound = errors.New("credential: verifier not found")

// Scope separates verifiers of the same identity.
type Scope string

const (
	ScopePIN        Scope = "pin"
	ScopePassword   Scope = "password"
	ScopeSupervisor Scope = "supervisor"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopePIN, ScopePassword, ScopeSupervisor:
		return true
	}
	return false
}

// Verifier is a stored proof of a secret. Hash never leaves the engine.
type Verifier struct {
	ID         string
	IdentityID string
	Scope      Scope
	Hash       string
	RotatedAt  time.Time
	Active     bool
}

// Store is the verifier contract. Rotate must deactivate the previous
// verifier and activate the new one in a single step.
type Store interface {
	ActiveVerifier(ctx context.Context, identityID string, scope Scope) (Verifier, error)
	Rotate(ctx context.Context, identityID string, scope Scope, hash string) (Verifier, error)
}

type verifierKey struct {
	identity string
	scope    Scope
}

// MemoryStore keeps verifiers in process.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	active  map[verifierKey]Verifier
	retired []Verifier
}

// NewMemoryStore returns an empty in-memory verifier store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, active: make(map[verifierKey]Verifier)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) ActiveVerifier(_ context.Context, identityID string, scope Scope) (Verifier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.active[verifierKey{identityID, scope}]
	if !ok {
		return Verifier{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Rotate(_ context.Context, identityID string, scope Scope, hash string) (Verifier, error) {
	if identityID == "" || !scope.Valid() || hash == "" {
		return Verifier{}, errors.New("credential: invalid rotation request")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := verifierKey{identityID, scope}
	if old, ok := m.active[key]; ok {
		old.Active = false
		m.retired = append(m.retired, old)
	}
	v := Verifier{
		ID:         ids.New(),
		IdentityID: identityID,
		Scope:      scope,
		Hash:       hash,
		RotatedAt:  m.now().UTC(),
		Active:     true,
	}
	m.active[key] = v
	return v, nil
}

// Retired returns deactivated verifiers for an identity, oldest first.
func (m *MemoryStore) Retired(identityID string) []Verifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Verifier
	for _, v := range m.retired {
		if v.IdentityID == identityID {
			out = append(out, v)
		}
	}
	return out
}
