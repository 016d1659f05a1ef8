package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerCmd() *cobra.Command {
	var (
		timeout time.Duration
		check   bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this bank with the central registry",
		Long: `Announce this bank's name, prefix, transaction endpoint and key set
URL to the registry. Registering an already registered bank is not an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reg := newRegistryClient(cfg, nil, logger)
			self := selfDescriptor(cfg)

			if check {
				current, err := reg.ValidateSelf(ctx, self.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s is %s in the registry\n", current.ID, current.Status)
				return nil
			}

			registration, err := reg.Register(ctx, self)
			if err != nil {
				return err
			}
			logger.Debug("Registration response", zap.Any("registration", registration))

			fmt.Println(successStyle.Render("✓ Registered " + self.Name))
			t := newTable("FIELD", "VALUE").
				Row("id", string(self.ID)).
				Row("prefix", self.Prefix).
				Row("transaction url", self.TransactionURL).
				Row("jwks url", self.JWKSURL).
				Row("status", registration.Status)
			if registration.Message != "" {
				t.Row("message", registration.Message)
			}
			fmt.Println(t)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline including retries")
	cmd.Flags().BoolVar(&check, "check", false, "only report the registry's view of this bank")
	return cmd
}
