package ledger

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func eur(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func outbound(ref string, amount string) *types.Transaction {
	return &types.Transaction{
		Reference:       types.Reference(ref),
		FromAccount:     "OAP100",
		ToAccount:       "KP200",
		Amount:          eur(amount),
		Currency:        "EUR",
		Status:          types.StatusPending,
		Direction:       types.DirectionOutbound,
		SourceBank:      "OAP",
		DestinationBank: "KP",
	}
}

// storeFactories lists every backend the contract tests run against.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"LevelDB": func(t *testing.T) Store {
			s := NewMemoryStore(zap.NewNop())
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("BANKD_TEST_DSN"); dsn != "" {
		factories["Postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			s, err := OpenPostgres(ctx, dsn, zap.NewNop())
			require.NoError(t, err)
			for _, table := range []string{"transactions", "accounts", "bank_directory"} {
				_, err := s.db.ExecContext(ctx, "TRUNCATE "+table)
				require.NoError(t, err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestAccounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100.00")))
		assert.ErrorIs(t, s.OpenAccount(ctx, "OAP100", eur("1")), ErrAccountExists)

		bal, err := s.AdjustBalance(ctx, "OAP100", eur("-30"))
		require.NoError(t, err)
		assert.True(t, bal.Equal(eur("70")))

		_, err = s.AdjustBalance(ctx, "OAP100", eur("-70.01"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		bal, err = s.Balance(ctx, "OAP100")
		require.NoError(t, err)
		assert.True(t, bal.Equal(eur("70")), "failed adjustment leaves balance unchanged")

		_, err = s.Balance(ctx, "NOPE1")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestDebitAndRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))

		tx := outbound("OAP-1", "25")
		require.NoError(t, s.DebitAndRecord(ctx, tx))
		assert.False(t, tx.CreatedAt.IsZero())

		bal, _ := s.Balance(ctx, "OAP100")
		assert.True(t, bal.Equal(eur("75")))

		stored, err := s.Transaction(ctx, "OAP-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, stored.Status)
		assert.True(t, stored.Amount.Equal(eur("25")))
		assert.Nil(t, stored.ErrorMessage)

		t.Run("DuplicateLeavesBalance", func(t *testing.T) {
			err := s.DebitAndRecord(ctx, outbound("OAP-1", "10"))
			assert.ErrorIs(t, err, ErrDuplicateReference)
			bal, _ := s.Balance(ctx, "OAP100")
			assert.True(t, bal.Equal(eur("75")))
		})

		t.Run("InsufficientWritesNothing", func(t *testing.T) {
			err := s.DebitAndRecord(ctx, outbound("OAP-2", "500"))
			assert.ErrorIs(t, err, ErrInsufficientFunds)
			_, err = s.Transaction(ctx, "OAP-2")
			assert.ErrorIs(t, err, ErrTransactionNotFound)
		})

		t.Run("NonPositive", func(t *testing.T) {
			assert.ErrorIs(t, s.DebitAndRecord(ctx, outbound("OAP-3", "0")), ErrInvalidAmount)
		})
	})
}

func TestCreditAndRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))

		tx := &types.Transaction{
			Reference: "KP-9", FromAccount: "KP200", ToAccount: "OAP100", Amount: eur("12.50"),
			Currency: "EUR", Status: types.StatusCompleted, Direction: types.DirectionInbound, SourceBank: "KP",
		}
		require.NoError(t, s.CreditAndRecord(ctx, tx))

		bal, _ := s.Balance(ctx, "OAP100")
		assert.True(t, bal.Equal(eur("112.50")))

		missing := *tx
		missing.Reference = "KP-10"
		missing.ToAccount = "OAP999"
		assert.ErrorIs(t, s.CreditAndRecord(ctx, &missing), ErrAccountNotFound)
	})
}

func TestStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))
		require.NoError(t, s.DebitAndRecord(ctx, outbound("OAP-1", "25")))

		one := 1
		steps := []StatusUpdate{
			{Status: types.StatusInProgress},
			{Status: types.StatusRetrying, RetryCount: &one, Reason: "peer returned 503"},
			{Status: types.StatusInProgress},
			{Status: types.StatusCompleted},
		}
		for _, step := range steps {
			_, err := s.UpdateStatus(ctx, "OAP-1", step)
			require.NoError(t, err, "step to %s", step.Status)
		}

		tx, err := s.Transaction(ctx, "OAP-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, tx.Status)
		assert.Equal(t, 1, tx.RetryCount)
		require.NotNil(t, tx.ErrorMessage)
		assert.Equal(t, "peer returned 503", *tx.ErrorMessage)

		_, err = s.UpdateStatus(ctx, "OAP-1", StatusUpdate{Status: types.StatusInProgress})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = s.RefundAndFail(ctx, "OAP-1", "late failure")
		assert.ErrorIs(t, err, ErrInvalidTransition, "completed transfers cannot be refunded")

		_, err = s.UpdateStatus(ctx, "NOPE", StatusUpdate{Status: types.StatusInProgress})
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestRefundAndFail(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))
		require.NoError(t, s.DebitAndRecord(ctx, outbound("OAP-1", "25")))

		tx, err := s.RefundAndFail(ctx, "OAP-1", "retries exhausted")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, tx.Status)
		assert.True(t, tx.Compensated)

		bal, _ := s.Balance(ctx, "OAP100")
		assert.True(t, bal.Equal(eur("100")))

		// second refund is a no-op
		_, err = s.RefundAndFail(ctx, "OAP-1", "again")
		require.NoError(t, err)
		bal, _ = s.Balance(ctx, "OAP100")
		assert.True(t, bal.Equal(eur("100")))

		stored, err := s.Transaction(ctx, "OAP-1")
		require.NoError(t, err)
		assert.Equal(t, "retries exhausted", *stored.ErrorMessage)

		_, err = s.UpdateStatus(ctx, "OAP-1", StatusUpdate{Status: types.StatusInProgress})
		assert.ErrorIs(t, err, ErrInvalidTransition, "compensated failures stay failed")
	})
}

func TestFlagReconciliation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))
		require.NoError(t, s.DebitAndRecord(ctx, outbound("OAP-1", "25")))

		require.NoError(t, s.FlagReconciliation(ctx, "OAP-1", "refund failed"))
		tx, err := s.Transaction(ctx, "OAP-1")
		require.NoError(t, err)
		assert.True(t, tx.NeedsReconciliation)
		assert.Contains(t, *tx.ErrorMessage, "refund failed")
	})
}

func TestListTransactions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("100")))

		for _, ref := range []string{"OAP-1", "OAP-2", "OAP-3"} {
			require.NoError(t, s.DebitAndRecord(ctx, outbound(ref, "1")))
			time.Sleep(2 * time.Millisecond)
		}
		_, err := s.UpdateStatus(ctx, "OAP-2", StatusUpdate{Status: types.StatusInProgress})
		require.NoError(t, err)

		all, err := s.ListTransactions(ctx, Filter{Direction: types.DirectionOutbound})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, types.Reference("OAP-1"), all[0].Reference)

		pending, err := s.ListTransactions(ctx, Filter{Statuses: []types.TransactionStatus{types.StatusPending}})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		limited, err := s.ListTransactions(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		inbound, err := s.ListTransactions(ctx, Filter{Direction: types.DirectionInbound})
		require.NoError(t, err)
		assert.Empty(t, inbound)
	})
}

func TestReplaceDirectory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		first := []types.BankDirectoryEntry{
			{Name: "Kp Bank", Prefix: "KP", TransactionURL: "http://kp/tx", JWKSURL: "http://kp/jwks", Owners: []string{"a"}, LastUpdated: at},
			{Name: "Old Bank", Prefix: "OLD", TransactionURL: "http://old/tx", JWKSURL: "http://old/jwks", LastUpdated: at},
		}
		require.NoError(t, s.ReplaceDirectory(ctx, first))

		got, err := s.Directory(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		require.NoError(t, s.ReplaceDirectory(ctx, first[:1]))
		got, err = s.Directory(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Kp Bank", got[0].Name)
		assert.Equal(t, []string{"a"}, got[0].Owners)
		assert.True(t, at.Equal(got[0].LastUpdated))
	})
}

func TestConcurrentDebits(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.OpenAccount(ctx, "OAP100", eur("10")))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tx := outbound("OAP-c"+decimal.NewFromInt(int64(i)).String(), "1")
				if s.DebitAndRecord(ctx, tx) == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		bal, _ := s.Balance(ctx, "OAP100")
		assert.True(t, bal.IsZero())
	})
}
