package settlement

import (
	"context"
	"sync"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"go.uber.org/zap"
)

type QueueOptions struct {
	MaxRetries int
	// RetryDelay is the minimum wait before a failed item is attempted again.
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
}

// Queue delivers outbound transactions one at a time. Items are drained in
// FIFO order; a failed item goes back to the tail so a stuck peer cannot
// starve the others.
type Queue struct {
	store     ledger.Transactions
	deliverer Deliverer
	opts      QueueOptions
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	items   []*types.QueueItem
	tracked map[types.Reference]struct{}
	closed  bool
	started bool

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func NewQueue(store ledger.Transactions, deliverer Deliverer, opts QueueOptions, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = types.MaxDeliveryRetries
	}
	return &Queue{
		store:     store,
		deliverer: deliverer,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       time.Now,
		tracked:   make(map[types.Reference]struct{}),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Enqueue appends tx to the tail. It is safe to call while the worker is
// draining. A reference that is already queued or in flight is ignored.
func (q *Queue) Enqueue(tx *types.Transaction, endpoint string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fault.New(fault.QueueClosed, "delivery queue is stopped")
	}
	if _, dup := q.tracked[tx.Reference]; dup {
		q.mu.Unlock()
		return nil
	}
	now := q.now()
	q.items = append(q.items, &types.QueueItem{
		Transaction: tx,
		Endpoint:    endpoint,
		RetryCount:  tx.RetryCount,
		EnqueuedAt:  now,
		NotBefore:   now,
	})
	q.tracked[tx.Reference] = struct{}{}
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.wake()
	q.logger.Debug("Enqueued outbound transfer",
		zap.String("reference", string(tx.Reference)),
		zap.String("endpoint", endpoint),
		zap.Int("depth", depth))
	return nil
}

// Len returns the number of waiting items, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the single delivery worker.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop refuses new items and waits for the in-flight attempt to finish.
// Waiting items stay recorded in the store for the recovery sweep.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	if started {
		<-q.done
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, wait := q.next()
		if item != nil {
			q.process(ctx, item)
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-q.notify:
		case <-fire:
		case <-q.stopCh:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next removes the first item whose retry delay has passed. When none is
// ready it reports how long until the earliest one is.
func (q *Queue) next() (*types.QueueItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var wait time.Duration
	for i, item := range q.items {
		if !item.NotBefore.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.metrics.SetQueueDepth(len(q.items))
			return item, 0
		}
		if d := item.NotBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Queue) requeue(item *types.QueueItem) {
	q.mu.Lock()
	item.NotBefore = q.now().Add(q.opts.RetryDelay)
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)
}

func (q *Queue) release(ref types.Reference) {
	q.mu.Lock()
	delete(q.tracked, ref)
	q.mu.Unlock()
}

// process runs one delivery attempt and applies its outcome. Shutdown does
// not interrupt an attempt: it runs until the deliverer's own timeout and its
// outcome is always recorded.
func (q *Queue) process(ctx context.Context, item *types.QueueItem) {
	ctx = context.WithoutCancel(ctx)
	tx := item.Transaction
	logger := q.logger.With(
		zap.String("reference", string(tx.Reference)),
		zap.String("endpoint", item.Endpoint),
		zap.Int("retry", item.RetryCount))

	if _, err := q.store.UpdateStatus(ctx, tx.Reference, ledger.StatusUpdate{Status: types.StatusInProgress}); err != nil {
		logger.Warn("Dropping queue item that can no longer be delivered", zap.Error(err))
		q.release(tx.Reference)
		return
	}

	start := q.now()
	err := q.deliverer.Deliver(ctx, item.Endpoint, tx)
	elapsed := q.now().Sub(start).Seconds()

	if err == nil {
		q.metrics.DeliveryAttempt("delivered", elapsed)
		if _, err := q.store.UpdateStatus(ctx, tx.Reference, ledger.StatusUpdate{Status: types.StatusCompleted}); err != nil {
			logger.Error("Delivered transfer could not be marked completed", zap.Error(err))
		} else {
			logger.Info("Delivered outbound transfer")
		}
		q.release(tx.Reference)
		return
	}

	reason := fault.Message(err)
	if item.RetryCount < q.opts.MaxRetries {
		q.metrics.DeliveryAttempt("retry", elapsed)
		retries := item.RetryCount + 1
		if _, updErr := q.store.UpdateStatus(ctx, tx.Reference, ledger.StatusUpdate{
			Status:     types.StatusRetrying,
			RetryCount: &retries,
			Reason:     reason,
		}); updErr != nil {
			logger.Error("Failed to record retry, compensating", zap.Error(updErr))
			compensate(ctx, q.store, tx.Reference, reason, q.logger, q.metrics)
			q.release(tx.Reference)
			return
		}
		item.RetryCount = retries
		tx.RetryCount = retries
		logger.Warn("Delivery failed, requeued at tail", zap.Int("retry_count", retries), zap.Error(err))
		q.requeue(item)
		return
	}

	q.metrics.DeliveryAttempt("exhausted", elapsed)
	logger.Warn("Delivery retries exhausted", zap.Error(err))
	compensate(ctx, q.store, tx.Reference, "delivery failed after retries: "+reason, q.logger, q.metrics)
	q.release(tx.Reference)
}
