package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldgate.org/internal/token"
)

// ErrSessionNotFound is returned by session stores for unknown token ids.
var ErrSessionNotFound = errors.New("engine: session not found")

// Session is the bookkeeping record for one issued credential set. ID is
// the access (or override) token's jti.
type Session struct {
	ID              string     `json:"id"`
	RefreshJTI      string     `json:"refresh_jti,omitempty"`
	Kind            token.Kind `json:"kind"`
	IdentityID      string     `json:"identity_id"`
	DeviceID        string     `json:"device_id,omitempty"`
	TeamID          string     `json:"team_id,omitempty"`
	SupervisorID    string     `json:"supervisor_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	AccessExpiresAt time.Time  `json:"access_expires_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	OverrideUntil   time.Time  `json:"override_until,omitempty"`
	EndedAt         time.Time  `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
}

// Ended reports whether the session was closed.
func (s Session) Ended() bool { return !s.EndedAt.IsZero() }

// SessionStore persists session metadata. Lookup matches either the
// session id or its refresh jti.
type SessionStore interface {
	Start(ctx context.Context, s Session) error
	End(ctx context.Context, id, reason string, at time.Time) error
	Lookup(ctx context.Context, jti string) (Session, error)
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	byRefresh map[string]string
}

var _ SessionStore = (*MemorySessions)(nil)

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]Session), byRefresh: make(map[string]string)}
}

func (m *MemorySessions) Start(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if s.RefreshJTI != "" {
		m.byRefresh[s.RefreshJTI] = s.ID
	}
	return nil
}

func (m *MemorySessions) End(ctx context.Context, id, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sid, ok := m.byRefresh[id]; ok {
		id = sid
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Ended() {
		return nil
	}
	s.EndedAt, s.EndReason = at, reason
	m.sessions[id] = s
	return nil
}

func (m *MemorySessions) Lookup(ctx context.Context, jti string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sid, ok := m.byRefresh[jti]; ok {
		jti = sid
	}
	s, ok := m.sessions[jti]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}
