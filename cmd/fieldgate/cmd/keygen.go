package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldgate.org/internal/credential"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a policy signing key and token secret",
	Long: `Prints environment assignments for a fresh Ed25519 policy key and HMAC
token secret, plus the public key devices pin.`,
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := credential.GenerateKeyring()
		if err != nil {
			return err
		}
		priv, err := credential.EncodePolicyKey(k.PolicyKey)
		if err != nil {
			return err
		}
		pub, err := credential.EncodePublicKey(k.PolicyPublicKey())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "FIELDGATE_POLICY_KEY_ID=%s\n", k.PolicyKeyID)
		fmt.Fprintf(out, "FIELDGATE_TOKEN_SECRET=%s\n", credential.EncodeSecret(k.TokenSecret))
		fmt.Fprintf(out, "FIELDGATE_POLICY_KEY='%s'\n", priv)
		fmt.Fprintf(out, "# public key\n%s", pub)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret SECRET",
	Short: "Print the argon2id verifier for a secret, for seed data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := credential.HashSecretWith(args[0], cfg.HashParams())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd, hashSecretCmd)
}
