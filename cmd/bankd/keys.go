package main

import (
	"encoding/json"
	"fmt"
	"os"

	"interbank/pkg/keys"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage this bank's signing key",
	}
	cmd.AddCommand(keysGenerateCmd(), keysShowCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	var (
		bits  int
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new RSA signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Keys.PrivateKeyPath
			}

			key, err := keys.Generate(path, bits, force)
			if err != nil {
				return err
			}
			kid, err := keys.KeyID(&key.PublicKey)
			if err != nil {
				return err
			}

			fmt.Println(successStyle.Render("✓ Signing key generated"))
			fmt.Printf("  path: %s\n", path)
			fmt.Printf("  kid:  %s\n", kid)
			fmt.Println(mutedStyle.Render("  Peers will pick up the new key from /.well-known/jwks.json"))
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", keys.DefaultKeyBits, "RSA modulus size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	cmd.Flags().StringVar(&path, "out", "", "key file (defaults to keys.private_key_path)")
	return cmd
}

func keysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the published key set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			set, err := keys.NewCustodian(cfg.Keys.PrivateKeyPath).JWKS()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		},
	}
}
