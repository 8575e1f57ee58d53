package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fieldgate.org/internal/config"
	"fieldgate.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "fieldgate",
	Short: "Identity, token and policy authority for field devices",
	Long: `fieldgate authenticates operators on shared field devices, issues and
revokes bearer tokens, resolves scoped permissions and signs the offline
policy bundles devices enforce between syncs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
			cfg.DSN = dsn
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		obs.SetLevel(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL DSN (env: FIELDGATE_PG_DSN)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (env: FIELDGATE_LOG_LEVEL)")
	rootCmd.Version = version
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
