// Package ledger persists accounts, transactions and the peer directory.
//
// Every method that touches more than one record commits all of its writes
// or none of them. Two implementations exist: an embedded LevelDB store and a
// PostgreSQL store.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"interbank/pkg/config"
	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// StatusUpdate describes one state machine step.
type StatusUpdate struct {
	Status     types.TransactionStatus
	RetryCount *int
	Reason     string
}

// Filter selects transactions. Zero fields match everything.
type Filter struct {
	Direction types.Direction
	Statuses  []types.TransactionStatus
	Limit     int
}

func (f Filter) matches(tx *types.Transaction) bool {
	if f.Direction != "" && tx.Direction != f.Direction {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if tx.Status == s {
			return true
		}
	}
	return false
}

// Accounts is the balance collaborator used by settlement.
type Accounts interface {
	Balance(ctx context.Context, number string) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, number string, delta decimal.Decimal) (decimal.Decimal, error)
}

// Transactions is the transaction record collaborator used by settlement.
type Transactions interface {
	Transaction(ctx context.Context, ref types.Reference) (*types.Transaction, error)
	ListTransactions(ctx context.Context, filter Filter) ([]*types.Transaction, error)

	// DebitAndRecord debits tx.FromAccount and inserts tx in one unit.
	DebitAndRecord(ctx context.Context, tx *types.Transaction) error
	// CreditAndRecord credits tx.ToAccount and inserts tx in one unit.
	CreditAndRecord(ctx context.Context, tx *types.Transaction) error
	// UpdateStatus applies one state machine step.
	UpdateStatus(ctx context.Context, ref types.Reference, upd StatusUpdate) (*types.Transaction, error)
	// RefundAndFail credits the amount back to the originating account and
	// marks the transaction failed and compensated. Repeating it is a no-op.
	RefundAndFail(ctx context.Context, ref types.Reference, reason string) (*types.Transaction, error)
	// FlagReconciliation marks a record for manual follow-up.
	FlagReconciliation(ctx context.Context, ref types.Reference, reason string) error
}

// Directory is the persisted peer directory.
type Directory interface {
	Directory(ctx context.Context) ([]types.BankDirectoryEntry, error)
	// ReplaceDirectory swaps the whole directory in one unit.
	ReplaceDirectory(ctx context.Context, entries []types.BankDirectoryEntry) error
}

type Store interface {
	Accounts
	Transactions
	Directory

	OpenAccount(ctx context.Context, number string, balance decimal.Decimal) error
	Close() error
}

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverLevelDB, "":
		s, err := OpenLevelDB(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func checkTransition(tx *types.Transaction, to types.TransactionStatus) error {
	if !types.CanTransition(tx, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, tx.Status, to, tx.Reference)
	}
	return nil
}

func applyUpdate(tx *types.Transaction, upd StatusUpdate) {
	tx.Status = upd.Status
	if upd.RetryCount != nil {
		tx.RetryCount = *upd.RetryCount
	}
	tx.AppendError(upd.Reason)
}
