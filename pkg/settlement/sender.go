package settlement

import (
	"context"
	"errors"
	"strings"

	"interbank/pkg/fault"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxReferenceAttempts caps reference regeneration on collision.
const maxReferenceAttempts = 5

type SendRequest struct {
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
}

type SenderOptions struct {
	OwnID     types.BankID
	OwnPrefix string
	// References overrides the reference generator.
	References ReferenceFunc
	Metrics    *metrics.Metrics
}

// Sender starts outbound transfers: it debits the source account, records
// the transaction and hands it to the delivery queue.
type Sender struct {
	store  ledger.Transactions
	router Router
	queue  Enqueuer
	opts   SenderOptions
	logger *zap.Logger
}

func NewSender(store ledger.Transactions, router Router, queue Enqueuer, opts SenderOptions, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.OwnPrefix = strings.ToUpper(opts.OwnPrefix)
	if opts.References == nil {
		opts.References = NewReferenceGenerator(opts.OwnPrefix, nil)
	}
	return &Sender{store: store, router: router, queue: queue, opts: opts, logger: logger}
}

// Send debits req.FromAccount and queues delivery. The returned record is in
// the pending state.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*types.Transaction, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	peer, ok := s.router.LookupByPrefix(types.AccountPrefix(req.ToAccount))
	if !ok {
		return nil, fault.New(fault.UnknownDestinationBank, "no bank owns account %s", req.ToAccount)
	}

	tx, err := s.debit(ctx, req, peer)
	if err != nil {
		return nil, err
	}

	queued := *tx
	if err := s.queue.Enqueue(&queued, peer.TransactionURL); err != nil {
		s.logger.Error("Failed to queue transfer, compensating",
			zap.String("reference", string(tx.Reference)),
			zap.Error(err))
		if compErr := compensate(ctx, s.store, tx.Reference, "not queued: "+fault.Message(err), s.logger, s.opts.Metrics); compErr != nil {
			return nil, compErr
		}
		return nil, err
	}

	s.logger.Info("Outbound transfer accepted",
		zap.String("reference", string(tx.Reference)),
		zap.String("destination", peer.Name),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency))
	return tx, nil
}

func (s *Sender) validate(req SendRequest) error {
	switch {
	case req.FromAccount == "" || req.ToAccount == "":
		return fault.New(fault.InvalidTransaction, "fromAccount and toAccount are required")
	case !types.ValidAmount(req.Amount):
		return fault.New(fault.InvalidTransaction, "amount must be positive with at most %d decimal places", types.AmountScale)
	case len(strings.TrimSpace(req.Currency)) != 3:
		return fault.New(fault.InvalidTransaction, "currency must be an ISO 4217 code")
	case types.AccountPrefix(req.FromAccount) != s.opts.OwnPrefix:
		return fault.New(fault.SourceAccountNotFound, "account %s is not held here", req.FromAccount)
	case types.AccountPrefix(req.ToAccount) == s.opts.OwnPrefix:
		return fault.New(fault.InvalidTransaction, "destination %s is a local account", req.ToAccount)
	}
	return nil
}

// debit records the transaction under a fresh reference, regenerating the
// reference on collision up to maxReferenceAttempts times.
func (s *Sender) debit(ctx context.Context, req SendRequest, peer types.BankDirectoryEntry) (*types.Transaction, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		tx := &types.Transaction{
			Reference:       s.opts.References(),
			FromAccount:     req.FromAccount,
			ToAccount:       req.ToAccount,
			Amount:          req.Amount,
			Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
			Status:          types.StatusPending,
			Direction:       types.DirectionOutbound,
			Description:     req.Description,
			SourceBank:      s.opts.OwnID,
			DestinationBank: types.BankID(peer.Prefix),
		}

		err := s.store.DebitAndRecord(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, ledger.ErrDuplicateReference) {
			s.logger.Debug("Reference collision, regenerating", zap.String("reference", string(tx.Reference)))
			continue
		}
		return nil, ledgerFault(err, fault.SourceAccountNotFound)
	}
	return nil, fault.New(fault.Internal, "could not allocate a unique reference after %d attempts", maxReferenceAttempts)
}
