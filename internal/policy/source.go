package policy

import (
	"context"
	"fmt"
	"sync"
)

// ConfigSource supplies team parameters. A team without configuration
// must yield an error wrapping ErrConfig.
type ConfigSource interface {
	TeamConfig(ctx context.Context, teamID string) (TeamConfig, error)
}

// VersionSource hands out strictly increasing versions per device.
type VersionSource interface {
	NextVersion(ctx context.Context, deviceID string) (uint64, error)
}

// MemoryConfigs is a static ConfigSource.
type MemoryConfigs struct {
	mu    sync.RWMutex
	teams map[string]TeamConfig
}

// NewMemoryConfigs indexes cfgs by team id.
func NewMemoryConfigs(cfgs ...TeamConfig) *MemoryConfigs {
	m := &MemoryConfigs{teams: make(map[string]TeamConfig, len(cfgs))}
	for _, c := range cfgs {
		m.teams[c.TeamID] = c
	}
	return m
}

func (m *MemoryConfigs) TeamConfig(_ context.Context, teamID string) (TeamConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.teams[teamID]
	if !ok {
		return TeamConfig{}, fmt.Errorf("%w: no configuration for team %s", ErrConfig, teamID)
	}
	return c, nil
}

// Put replaces a team's configuration.
func (m *MemoryConfigs) Put(c TeamConfig) {
	m.mu.Lock()
	m.teams[c.TeamID] = c
	m.mu.Unlock()
}

// MemoryVersions is a process-local VersionSource.
type MemoryVersions struct {
	mu       sync.Mutex
	versions map[string]uint64
}

// NewMemoryVersions returns counters starting at zero.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]uint64)}
}

func (m *MemoryVersions) NextVersion(_ context.Context, deviceID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[deviceID]++
	return m.versions[deviceID], nil
}
