package lockout

import (
	"context"
	"sync"

	"fieldgate.org/internal/clock"
)

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	ladder Ladder
	clock  clock.Clock

	mu     sync.Mutex
	states map[Key]State
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker returns an empty tracker using ladder.
func NewMemoryTracker(ladder Ladder, clk clock.Clock) *MemoryTracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryTracker{ladder: ladder, clock: clk, states: make(map[Key]State)}
}

func (m *MemoryTracker) Check(ctx context.Context, key Key) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ladder.Status(m.states[key], m.clock.Now()), nil
}

func (m *MemoryTracker) RecordFailure(ctx context.Context, key Key) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	next := m.ladder.Next(m.states[key], now)
	m.states[key] = next
	return m.ladder.Status(next, now), nil
}

func (m *MemoryTracker) Reset(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}

// State exposes the raw record for a key.
func (m *MemoryTracker) State(key Key) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key]
}
