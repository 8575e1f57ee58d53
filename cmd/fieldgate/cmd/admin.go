package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fieldgate.org/internal/app"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/policy"
)

// openApp wires the service against the configured database. The admin
// commands are meaningless against in-memory stores.
func openApp(cmd *cobra.Command) (*app.App, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("missing DSN: provide via --dsn or FIELDGATE_PG_DSN")
	}
	return app.New(cmd.Context(), cfg, app.WithVersion(version))
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage roles and assignments",
}

var rolesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the built-in role catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.Admin.Seed(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("seeded %d roles\n", len(authz.BuiltinRoles()))
		return nil
	},
}

var rolesAssignCmd = &cobra.Command{
	Use:   "assign IDENTITY ROLE SCOPE",
	Short: "Bind a role to an identity at a scope (system or level:id)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := authz.ParseScopeRef(args[2])
		if err != nil {
			return err
		}
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		a, err := svc.Admin.Assign(cmd.Context(), args[0], args[1], scope)
		if err != nil {
			return err
		}
		fmt.Printf("assigned %s to %s at %s\n", a.RoleID, a.IdentityID, a.Scope)
		return nil
	},
}

var rolesUnassignCmd = &cobra.Command{
	Use:   "unassign IDENTITY ROLE SCOPE",
	Short: "Remove a role binding",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := authz.ParseScopeRef(args[2])
		if err != nil {
			return err
		}
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Admin.Unassign(cmd.Context(), args[0], args[1], scope)
	},
}

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Enroll devices and principals",
}

var identitiesAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Create or replace an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		if kind != string(authn.KindDevice) && kind != string(authn.KindHuman) {
			return fmt.Errorf("--kind must be device or human")
		}
		org, _ := cmd.Flags().GetString("org")
		region, _ := cmd.Flags().GetString("region")
		team, _ := cmd.Flags().GetString("team")
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Enroll(cmd.Context(), authn.Identity{
			ID:       args[0],
			Kind:     authn.Kind(kind),
			OrgID:    org,
			RegionID: region,
			TeamID:   team,
		})
	},
}

var identitiesSecretCmd = &cobra.Command{
	Use:   "set-secret ID SCOPE",
	Short: "Set the active secret for a credential scope (pin, password, supervisor)",
	Long: `Reads the secret from --secret. The previous verifier for the scope is
retired; the plaintext is never stored or logged.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := credential.Scope(args[1])
		if !scope.Valid() {
			return fmt.Errorf("unknown credential scope %q", args[1])
		}
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.SetSecret(cmd.Context(), args[0], scope, secret)
	},
}

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "Manage team policy parameters",
}

var teamsPutCmd = &cobra.Command{
	Use:   "put FILE",
	Short: "Store a team's policy configuration from a YAML file",
	Long: `Running servers drop cached policy documents of the team and sign a new
version on the next fetch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var team policy.TeamConfig
		if err := yaml.Unmarshal(data, &team); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		svc, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.PutTeamConfig(cmd.Context(), team); err != nil {
			return err
		}
		fmt.Printf("stored configuration for team %s\n", team.TeamID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rolesCmd, identitiesCmd, teamsCmd)
	teamsCmd.AddCommand(teamsPutCmd)
	rolesCmd.AddCommand(rolesSeedCmd, rolesAssignCmd, rolesUnassignCmd)
	identitiesCmd.AddCommand(identitiesAddCmd, identitiesSecretCmd)

	identitiesAddCmd.Flags().String("kind", string(authn.KindHuman), "device or human")
	identitiesAddCmd.Flags().String("org", "", "Organization id")
	identitiesAddCmd.Flags().String("region", "", "Region id")
	identitiesAddCmd.Flags().String("team", "", "Team id")
	_ = identitiesAddCmd.MarkFlagRequired("team")
	identitiesSecretCmd.Flags().String("secret", "", "Secret to hash")
}
