package token

import (
	"context"
	"sync"
	"time"
)

// Reason records why a token identifier entered the ledger.
type Reason string

const (
	ReasonLogout          Reason = "logout"
	ReasonRotated         Reason = "rotated"
	ReasonOverrideRevoked Reason = "override_revoked"
	ReasonSessionEnded    Reason = "session_ended"
)

// Entry is one revoked token identifier. ExpiresAt is the natural expiry of
// the token; once it passes the entry carries no information.
type Entry struct {
	JTI       string
	Subject   string
	Kind      Kind
	Reason    Reason
	RevokedAt time.Time
	ExpiresAt time.Time
}

// Ledger is the revocation set. Revoke is insert-if-absent and reports
// whether this call performed the insert, which is what makes refresh
// rotation exactly-once.
type Ledger interface {
	Revoke(ctx context.Context, e Entry) (inserted bool, err error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Revoke(ctx context.Context, e Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.JTI]; ok {
		return false, nil
	}
	l.entries[e.JTI] = e
	return true, nil
}

func (l *MemoryLedger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[jti]
	return ok, nil
}

func (l *MemoryLedger) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for jti, e := range l.entries {
		if !now.Before(e.ExpiresAt) {
			delete(l.entries, jti)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Lookup returns the entry for jti if present.
func (l *MemoryLedger) Lookup(jti string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[jti]
	return e, ok
}
