package settlement

import (
	"context"
	"sync"
	"time"

	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"go.uber.org/zap"
)

type RecoveryOptions struct {
	MaxRetries int
	Interval   time.Duration
	// Window is how long an undelivered failure stays eligible for
	// re-delivery before it is refunded instead.
	Window  time.Duration
	Metrics *metrics.Metrics
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Requeued    int
	Compensated int
	Skipped     int
}

// Recovery picks up outbound transfers whose queue state was lost.
type Recovery struct {
	store   ledger.Transactions
	queue   Enqueuer
	router  Router
	opts    RecoveryOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewRecovery(store ledger.Transactions, queue Enqueuer, router Router, opts RecoveryOptions, logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = types.MaxDeliveryRetries
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	return &Recovery{
		store:   store,
		queue:   queue,
		router:  router,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// RecoverOrphans runs once at startup. Outbound records left mid-delivery by
// a crash are marked failed so the sweep can re-queue them; those already at
// the retry cap are refunded immediately.
func (r *Recovery) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := r.store.ListTransactions(ctx, ledger.Filter{
		Direction: types.DirectionOutbound,
		Statuses:  []types.TransactionStatus{types.StatusPending, types.StatusInProgress, types.StatusRetrying},
	})
	if err != nil {
		return 0, err
	}

	for _, tx := range orphans {
		if tx.RetryCount >= r.opts.MaxRetries {
			compensate(ctx, r.store, tx.Reference, "interrupted by restart after final retry", r.logger, r.metrics)
			continue
		}
		if _, err := r.store.UpdateStatus(ctx, tx.Reference, ledger.StatusUpdate{
			Status: types.StatusFailed,
			Reason: "interrupted by restart",
		}); err != nil {
			r.logger.Error("Failed to mark orphaned transfer", zap.String("reference", string(tx.Reference)), zap.Error(err))
		}
	}
	if len(orphans) > 0 {
		r.logger.Info("Recovered orphaned outbound transfers", zap.Int("count", len(orphans)))
	}
	return len(orphans), nil
}

// Sweep re-queues uncompensated failures that still have retries left and
// are younger than the window. Older ones are refunded. Compensated records
// and records awaiting manual reconciliation are left alone.
func (r *Recovery) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	failed, err := r.store.ListTransactions(ctx, ledger.Filter{
		Direction: types.DirectionOutbound,
		Statuses:  []types.TransactionStatus{types.StatusFailed},
	})
	if err != nil {
		return res, err
	}

	now := r.now()
	for _, tx := range failed {
		if tx.Compensated || tx.NeedsReconciliation {
			continue
		}
		logger := r.logger.With(zap.String("reference", string(tx.Reference)))

		if now.Sub(tx.CreatedAt) >= r.opts.Window || tx.RetryCount >= r.opts.MaxRetries {
			if compensate(ctx, r.store, tx.Reference, "not delivered before recovery window closed", logger, r.metrics) == nil {
				res.Compensated++
			}
			continue
		}

		peer, ok := r.router.LookupByPrefix(types.AccountPrefix(tx.ToAccount))
		if !ok {
			logger.Warn("No route for failed transfer, leaving for a later sweep", zap.String("to_account", tx.ToAccount))
			res.Skipped++
			continue
		}
		if err := r.queue.Enqueue(tx, peer.TransactionURL); err != nil {
			logger.Warn("Failed to requeue transfer", zap.Error(err))
			res.Skipped++
			continue
		}
		r.metrics.RecoveredItem()
		res.Requeued++
	}

	if res.Requeued+res.Compensated > 0 {
		r.logger.Info("Recovery sweep finished",
			zap.Int("requeued", res.Requeued),
			zap.Int("compensated", res.Compensated),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

// Start runs the sweep on the configured interval until Stop.
func (r *Recovery) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Warn("Recovery sweep failed", zap.Error(err))
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Recovery) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
