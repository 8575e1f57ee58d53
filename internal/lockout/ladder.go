// Package lockout tracks failed authentication attempts per (identity,
// device) pair and a coarser per-address budget.
package lockout

import (
	"context"
	"time"
)

// Phase of the per-key state machine.
type Phase int

const (
	Clear Phase = iota
	Warning
	Locked
)

func (p Phase) String() string {
	switch p {
	case Warning:
		return "warning"
	case Locked:
		return "locked"
	default:
		return "clear"
	}
}

// Key identifies a tracked pair.
type Key struct {
	IdentityID string
	DeviceID   string
}

func (k Key) String() string { return k.IdentityID + "@" + k.DeviceID }

// State is the persisted record for a key.
type State struct {
	Failures      int
	FirstFailure  time.Time
	CooldownUntil time.Time
}

// Status is what callers act on.
type Status struct {
	Phase      Phase
	Failures   int
	RetryAfter time.Duration
}

// Tracker must be linearizable per key: concurrent failures never under-count.
type Tracker interface {
	Check(ctx context.Context, key Key) (Status, error)
	RecordFailure(ctx context.Context, key Key) (Status, error)
	Reset(ctx context.Context, key Key) error
}

// Ladder is the backoff schedule. Reaching Limit failures locks the key for
// Base, each further failure doubles the cooldown up to Max. Failures older
// than Window (counted from the first one) are forgotten once no cooldown is
// running.
type Ladder struct {
	Limit  int
	Base   time.Duration
	Max    time.Duration
	Window time.Duration
}

// DefaultLadder: 5 failures, 30s doubling to 15m, 15m window.
func DefaultLadder() Ladder {
	return Ladder{Limit: 5, Base: 30 * time.Second, Max: 15 * time.Minute, Window: 15 * time.Minute}
}

func (l Ladder) normalized() Ladder {
	d := DefaultLadder()
	if l.Limit <= 0 {
		l.Limit = d.Limit
	}
	if l.Base <= 0 {
		l.Base = d.Base
	}
	if l.Max < l.Base {
		l.Max = l.Base
	}
	return l
}

// Cooldown returns the lock duration after n consecutive failures.
func (l Ladder) Cooldown(n int) time.Duration {
	l = l.normalized()
	if n < l.Limit {
		return 0
	}
	d := l.Base
	for i := l.Limit; i < n; i++ {
		d *= 2
		if d >= l.Max {
			return l.Max
		}
	}
	return d
}

func (l Ladder) expired(s State, now time.Time) bool {
	if s.Failures == 0 {
		return true
	}
	if now.Before(s.CooldownUntil) {
		return false
	}
	return l.Window > 0 && now.Sub(s.FirstFailure) > l.Window
}

// Next applies one failure at now.
func (l Ladder) Next(s State, now time.Time) State {
	l = l.normalized()
	if l.expired(s, now) {
		s = State{FirstFailure: now}
	}
	s.Failures++
	if c := l.Cooldown(s.Failures); c > 0 {
		s.CooldownUntil = now.Add(c)
	}
	return s
}

// Status evaluates s at now.
func (l Ladder) Status(s State, now time.Time) Status {
	l = l.normalized()
	if now.Before(s.CooldownUntil) {
		return Status{Phase: Locked, Failures: s.Failures, RetryAfter: s.CooldownUntil.Sub(now)}
	}
	if l.expired(s, now) {
		return Status{Phase: Clear}
	}
	return Status{Phase: Warning, Failures: s.Failures}
}
