package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appforge/backend/pkg/utils/crypto"
	"github.com/appforge/backend/pkg/utils/keygen"
)

const keyEnv = "APPFORGE_SECURITY_ENCRYPTION_KEY"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sealer",
		Short:        "Manage secrets for the appforge config file",
		SilenceUsage: true,
	}
	root.AddCommand(newSealCmd(), newOpenCmd(), newHashCmd(), newGenerateCmd())
	return root
}

func encryptionKey(cmd *cobra.Command) (string, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		key = os.Getenv(keyEnv)
	}
	if key == "" {
		return "", errors.New("encryption key required: pass --key or set " + keyEnv)
	}
	return key, nil
}

func newSealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seal <value>",
		Short: "Encrypt a value as an enc: string for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryptionKey(cmd)
			if err != nil {
				return err
			}
			sealed, err := crypto.Seal(args[0], key)
			if err != nil {
				return fmt.Errorf("failed to seal value: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().String("key", "", "encryption key (defaults to $"+keyEnv+")")
	return cmd
}

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <enc:value>",
		Short: "Decrypt an enc: string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryptionKey(cmd)
			if err != nil {
				return err
			}
			plain, err := crypto.Open(args[0], key)
			if err != nil {
				return fmt.Errorf("failed to open value: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return nil
		},
	}
	cmd.Flags().String("key", "", "encryption key (defaults to $"+keyEnv+")")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <secret>",
		Short: "Print a bcrypt hash for auth.shared_secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := crypto.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-secret",
		Short: "Print a random alphanumeric secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			length, _ := cmd.Flags().GetInt("length")
			secret, err := keygen.GenerateSecret(length)
			if err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().Int("length", 32, "secret length")
	return cmd
}
