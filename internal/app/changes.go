package app

import (
	"context"
	"log/slog"

	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/store/pg"
)

// changeSink evicts the caches a committed change makes stale.
type changeSink struct {
	admin  *authz.Admin
	cache  *authz.Cache
	signer *policy.Signer
}

func (s changeSink) apply(ctx context.Context, c pg.Change) {
	switch c.Kind {
	case pg.ChangeIdentity:
		s.cache.Invalidate(c.ID)
	case pg.ChangeRole:
		s.admin.InvalidateRole(ctx, c.ID)
	case pg.ChangeTeam:
		s.signer.Invalidate(c.ID)
	case pg.ChangeAll:
		s.cache.Purge()
		s.signer.Purge()
	}
	obs.Logger().Debug("cache_change_applied", slog.String("change", c.String()))
}

// PutTeamConfig validates and stores a team's policy parameters. Cached
// documents of the team are dropped so the next fetch signs a new version.
// In Postgres mode other processes learn about it through the change feed.
func (a *App) PutTeamConfig(ctx context.Context, cfg policy.TeamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.st.putTeam(ctx, cfg); err != nil {
		return err
	}
	a.changes.apply(ctx, pg.Change{Kind: pg.ChangeTeam, ID: cfg.TeamID})
	return nil
}
