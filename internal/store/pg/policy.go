package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fieldgate.org/internal/policy"
)

var (
	_ policy.ConfigSource  = (*Store)(nil)
	_ policy.VersionSource = (*Store)(nil)
)

func (s *Store) TeamConfig(ctx context.Context, teamID string) (policy.TeamConfig, error) {
	if s.db == nil {
		return policy.TeamConfig{}, errNoDB
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select config from team_policies where team_id = $1`, teamID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.TeamConfig{}, fmt.Errorf("%w: no configuration for team %s", policy.ErrConfig, teamID)
	}
	if err != nil {
		return policy.TeamConfig{}, err
	}
	var cfg policy.TeamConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return policy.TeamConfig{}, fmt.Errorf("%w: team %s: %v", policy.ErrConfig, teamID, err)
	}
	cfg.TeamID = teamID
	return cfg, nil
}

// PutTeamConfig validates and stores a team's configuration.
func (s *Store) PutTeamConfig(ctx context.Context, cfg policy.TeamConfig) error {
	if s.db == nil {
		return errNoDB
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal team config: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
		insert into team_policies (team_id, config)
		values ($1, $2)
		on conflict (team_id) do update
		set config = excluded.config, updated_at = now()
	`, cfg.TeamID, raw); err != nil {
		return err
	}
	if err := notify(ctx, tx, Change{Kind: ChangeTeam, ID: cfg.TeamID}); err != nil {
		return err
	}
	return tx.Commit()
}

// NextVersion increments the device counter atomically.
func (s *Store) NextVersion(ctx context.Context, deviceID string) (uint64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `
		insert into policy_versions (device_id, version)
		values ($1, 1)
		on conflict (device_id) do update
		set version = policy_versions.version + 1
		returning version
	`, deviceID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}
