// Package settlement moves money between this bank and its peers: the inbound
// handler credits verified transfers, the Sender debits and hands outbound
// transfers to the delivery Queue, and Recovery re-queues work lost to a
// restart.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the slice of the store settlement writes through.
type Ledger interface {
	ledger.Accounts
	ledger.Transactions
}

// Router resolves the peer bank that owns an account prefix.
type Router interface {
	LookupByPrefix(prefix string) (types.BankDirectoryEntry, bool)
}

// Enqueuer accepts outbound transactions for delivery.
type Enqueuer interface {
	Enqueue(tx *types.Transaction, endpoint string) error
}

// ReferenceFunc yields a new candidate reference on every call.
type ReferenceFunc func() types.Reference

// NewReferenceGenerator returns references of the form PREFIX-<unix millis>-<random>.
func NewReferenceGenerator(prefix string, now func() time.Time) ReferenceFunc {
	if now == nil {
		now = time.Now
	}
	prefix = strings.ToUpper(prefix)
	return func() types.Reference {
		random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		return types.Reference(fmt.Sprintf("%s-%d-%s", prefix, now().UnixMilli(), random))
	}
}

// ledgerFault maps store errors onto the settlement error codes.
func ledgerFault(err error, notFound fault.Code) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fault.Wrap(notFound, err, "account lookup")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fault.Wrap(fault.InsufficientFunds, err, "debit rejected")
	case errors.Is(err, ledger.ErrDuplicateReference):
		return fault.Wrap(fault.DuplicateReference, err, "reference already recorded")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fault.Wrap(fault.InvalidTransaction, err, "amount")
	}
	return fault.Wrap(fault.Internal, err, "ledger")
}

// compensate refunds an outbound transaction and marks it failed. When the
// refund itself fails the record is flagged for manual reconciliation.
func compensate(ctx context.Context, store ledger.Transactions, ref types.Reference, reason string, logger *zap.Logger, m *metrics.Metrics) error {
	tx, err := store.RefundAndFail(ctx, ref, reason)
	if err == nil {
		m.Compensation("refunded")
		logger.Info("Compensated failed transfer",
			zap.String("reference", string(ref)),
			zap.String("account", tx.FromAccount),
			zap.String("amount", tx.Amount.String()),
			zap.String("reason", reason))
		return nil
	}

	m.Compensation("failed")
	logger.Error("Compensation failed, manual reconciliation required",
		zap.String("reference", string(ref)),
		zap.String("reason", reason),
		zap.Error(err))
	if flagErr := store.FlagReconciliation(ctx, ref, "compensation failed: "+err.Error()); flagErr != nil {
		logger.Error("Failed to flag transfer for reconciliation",
			zap.String("reference", string(ref)),
			zap.Error(flagErr))
	}
	return fault.Wrap(fault.CompensationFailed, err, "refund of "+string(ref))
}
