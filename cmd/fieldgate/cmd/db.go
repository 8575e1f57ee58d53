package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"fieldgate.org/internal/migrate"
	"fieldgate.org/internal/store/pg"
)

// migrationLockKey is the pg_advisory_lock key shared by every fieldgate
// process that migrates.
const migrationLockKey int64 = 0x6669656c64676174

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
}

func withManager(fn func(ctx context.Context, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if cfg.DSN == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or FIELDGATE_PG_DSN")
		}
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		migrations, err := fs.Sub(pg.Migrations, "migrations")
		if err != nil {
			return err
		}
		seeds, err := fs.Sub(pg.Seeds, "seeds")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, migrate.NewManager(db, migrations, seeds, migrate.WithAdvisoryLock(migrationLockKey)))
	}
}

var dbUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
		applied, err := mgr.Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("No new migrations to apply")
		}
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		return nil
	}),
}

var dbDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
		name, err := mgr.Down(ctx)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		fmt.Println("rolled back", name)
		return nil
	}),
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
		history, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		pending, err := mgr.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		for _, item := range history {
			fmt.Printf("  %s: applied\n", item)
		}
		for _, item := range pending {
			fmt.Printf("  %s: pending\n", item)
		}
		return nil
	}),
}

var dbSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load development seed data",
	RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
		applied, err := mgr.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seed failed: %w", err)
		}
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbUpCmd, dbDownCmd, dbStatusCmd, dbSeedCmd)
}
