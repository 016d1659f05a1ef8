package main

import (
	"context"
	"fmt"
	"time"

	"interbank/pkg/config"
	"interbank/pkg/ledger"
	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// The account commands open the ledger directly, so with the embedded
// store they only work while the node is stopped.
func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage local accounts",
	}
	cmd.AddCommand(accountOpenCmd(), accountBalanceCmd(), accountHistoryCmd())
	return cmd
}

func withStore(fn func(ctx context.Context, cfg *config.Config, store ledger.Store) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := ledger.Open(ctx, cfg.Storage, logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close ledger", zap.Error(err))
		}
	}()
	return fn(ctx, cfg, store)
}

func accountOpenCmd() *cobra.Command {
	var initial string

	cmd := &cobra.Command{
		Use:   "open <account>",
		Short: "Open an account with an initial balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := decimal.NewFromString(initial)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", initial, err)
			}
			return withStore(func(ctx context.Context, cfg *config.Config, store ledger.Store) error {
				if types.AccountPrefix(args[0]) != types.AccountPrefix(cfg.Bank.Prefix) {
					return fmt.Errorf("account %s does not carry this bank's prefix %s", args[0], cfg.Bank.Prefix)
				}
				if err := store.OpenAccount(ctx, args[0], balance); err != nil {
					return err
				}
				fmt.Println(successStyle.Render(fmt.Sprintf("✓ Opened %s with %s", args[0], balance.StringFixed(2))))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&initial, "balance", "0", "initial balance")
	return cmd
}

func accountBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>...",
		Short: "Show account balances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, store ledger.Store) error {
				t := newTable("ACCOUNT", "BALANCE")
				for _, number := range args {
					balance, err := store.Balance(ctx, number)
					if err != nil {
						t.Row(number, dangerStyle.Render(err.Error()))
						continue
					}
					t.Row(number, balance.StringFixed(2))
				}
				fmt.Println(t)
				return nil
			})
		},
	}
}

func accountHistoryCmd() *cobra.Command {
	var (
		limit     int
		direction string
	)

	cmd := &cobra.Command{
		Use:   "history [account]",
		Short: "List recorded transfers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, store ledger.Store) error {
				txs, err := store.ListTransactions(ctx, ledger.Filter{Direction: types.Direction(direction)})
				if err != nil {
					return err
				}

				t := newTable("REFERENCE", "DIR", "FROM", "TO", "AMOUNT", "STATUS", "RETRIES", "CREATED")
				shown := 0
				for i := len(txs) - 1; i >= 0 && (limit <= 0 || shown < limit); i-- {
					tx := txs[i]
					if len(args) == 1 && tx.FromAccount != args[0] && tx.ToAccount != args[0] {
						continue
					}
					t.Row(string(tx.Reference), string(tx.Direction), tx.FromAccount, tx.ToAccount,
						tx.Amount.StringFixed(2)+" "+tx.Currency, renderStatus(tx.Status),
						fmt.Sprint(tx.RetryCount), tx.CreatedAt.Format(time.RFC3339))
					shown++
				}
				fmt.Println(titleStyle.Render(fmt.Sprintf("Transfers (%d)", shown)))
				fmt.Println(t)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows, newest first")
	cmd.Flags().StringVar(&direction, "direction", "", "inbound or outbound")
	return cmd
}
