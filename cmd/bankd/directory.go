package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"interbank/pkg/directory"
	"interbank/pkg/ledger"
	"interbank/pkg/types"

	"github.com/spf13/cobra"
)

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"dir"},
		Short:   "Inspect and refresh the bank directory",
	}
	cmd.AddCommand(directoryListCmd(), directorySyncCmd())
	return cmd
}

func directoryListCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known peer banks",
		Long: `List the banks in the local directory cache. With --remote the registry
is queried directly and nothing is written locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var (
				entries []types.BankDirectoryEntry
				footer  string
			)
			if remote {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				entries, err = newRegistryClient(cfg, nil, logger).ListBanks(ctx)
				if err != nil {
					return err
				}
				footer = "source: " + cfg.Registry.URL
			} else {
				entries, err = directory.LoadCache(cfg.Registry.CacheFile)
				if err != nil {
					return err
				}
				meta, err := directory.LoadMeta(cfg.Registry.MetaFile)
				if err != nil {
					return err
				}
				footer = fmt.Sprintf("last sync: %s", formatAge(meta.LastUpdate))
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Bank directory (%d)", len(entries))))
			if len(entries) == 0 {
				fmt.Println(mutedStyle.Render("No banks known. Run 'bankd directory sync'."))
				return nil
			}

			t := newTable("NAME", "PREFIX", "TRANSACTION URL", "OWNERS", "UPDATED")
			for _, e := range entries {
				updated := "-"
				if !e.LastUpdated.IsZero() {
					updated = e.LastUpdated.Format(time.RFC3339)
				}
				t.Row(e.Name, e.Prefix, e.TransactionURL, strings.Join(e.Owners, ", "), updated)
			}
			fmt.Println(t)
			fmt.Println(mutedStyle.Render(footer))
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "query the registry instead of the local cache")
	return cmd
}

func directorySyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle against the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			store, err := ledger.Open(ctx, cfg.Storage, logger.Named("ledger"))
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer store.Close()

			syncer := directory.NewSynchronizer(newRegistryClient(cfg, nil, logger), store, directory.Options{
				CacheFile: cfg.Registry.CacheFile,
				MetaFile:  cfg.Registry.MetaFile,
			}, logger.Named("directory"))
			if err := syncer.Load(ctx); err != nil {
				return err
			}

			res, err := syncer.SyncOnce(ctx)
			if err != nil {
				fmt.Println(dangerStyle.Render("✗ Sync failed, local directory unchanged"))
				return err
			}

			fmt.Println(successStyle.Render("✓ Directory synchronized"))
			fmt.Println(newTable("ADDED", "UPDATED", "UNCHANGED", "REMOVED").Row(
				fmt.Sprint(len(res.Added)),
				fmt.Sprint(len(res.Updated)),
				fmt.Sprint(len(res.Unchanged)),
				fmt.Sprint(len(res.Removed)),
			))
			for _, e := range res.Added {
				fmt.Printf("  + %s (%s)\n", e.Name, e.Prefix)
			}
			for _, e := range res.Updated {
				fmt.Printf("  ~ %s (%s)\n", e.Name, e.Prefix)
			}
			for _, e := range res.Removed {
				fmt.Printf("  - %s (%s)\n", e.Name, e.Prefix)
			}
			return nil
		},
	}
}
