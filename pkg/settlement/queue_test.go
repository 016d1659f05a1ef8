package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/keys"
	"interbank/pkg/ledger"
	"interbank/pkg/token"
	"interbank/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type outboundRig struct {
	store  *recordingStore
	queue  *Queue
	sender *Sender
}

func newOutboundRig(t *testing.T, deliverer Deliverer, router Router) *outboundRig {
	t.Helper()
	store := newRecordingStore(t)
	require.NoError(t, store.OpenAccount(context.Background(), "OAP100", amount("100.00")))

	queue := NewQueue(store, deliverer, QueueOptions{MaxRetries: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	t.Cleanup(queue.Stop)

	sender := NewSender(store, router, queue, SenderOptions{OwnID: "OAP", OwnPrefix: "OAP"}, zap.NewNop())
	return &outboundRig{store: store, queue: queue, sender: sender}
}

func (r *outboundRig) send(t *testing.T, to string, amt string) *types.Transaction {
	t.Helper()
	tx, err := r.sender.Send(context.Background(), SendRequest{
		FromAccount: "OAP100",
		ToAccount:   to,
		Amount:      amount(amt),
		Currency:    "EUR",
	})
	require.NoError(t, err)
	return tx
}

func (r *outboundRig) waitFor(t *testing.T, ref types.Reference, status types.TransactionStatus) *types.Transaction {
	t.Helper()
	var last *types.Transaction
	require.Eventually(t, func() bool {
		tx, err := r.store.Transaction(context.Background(), ref)
		if err != nil {
			return false
		}
		last = tx
		return tx.Status == status && (status != types.StatusFailed || tx.Compensated)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestPeerAlwaysFailingIsRefundedAfterThreeRetries(t *testing.T) {
	var calls int32
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer peer.Close()

	codec := token.NewCodec(keys.NewCustodianFromKey(rsaKey(t)))
	rig := newOutboundRig(t, NewHTTPDeliverer(codec, "OAP", "Oap Bank", time.Second), route("KP", peer.URL))

	tx := rig.send(t, "KP200", "25.00")
	assert.Equal(t, types.StatusPending, tx.Status)
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("75.00")), "debited immediately")

	rig.queue.Start(context.Background())
	final := rig.waitFor(t, tx.Reference, types.StatusFailed)

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one attempt plus three retries")
	assert.Equal(t, 3, final.RetryCount)
	assert.True(t, final.Compensated)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "delivery failed after retries")
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("100.00")), "debit reversed")

	assert.Equal(t, []types.TransactionStatus{
		types.StatusPending,
		types.StatusInProgress, types.StatusRetrying,
		types.StatusInProgress, types.StatusRetrying,
		types.StatusInProgress, types.StatusRetrying,
		types.StatusInProgress, types.StatusFailed,
	}, rig.store.statuses(tx.Reference))
}

func TestDeliverySendsSignedToken(t *testing.T) {
	key := rsaKey(t)
	verifier := token.NewCodec(nil)

	received := make(chan *token.Claims, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Transaction string `json:"transaction"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "OAP", r.Header.Get("X-Bank-Origin"))
		assert.Equal(t, token.Signature(body.Transaction), r.Header.Get("X-Bank-Signature"))

		claims, err := verifier.Verify(body.Transaction, "OAP", &key.PublicKey)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		received <- claims
		w.WriteHeader(http.StatusCreated)
	}))
	defer peer.Close()

	codec := token.NewCodec(keys.NewCustodianFromKey(key))
	rig := newOutboundRig(t, NewHTTPDeliverer(codec, "OAP", "Oap Bank", time.Second), route("KP", peer.URL))
	rig.queue.Start(context.Background())

	tx := rig.send(t, "KP200", "10.5")
	final := rig.waitFor(t, tx.Reference, types.StatusCompleted)

	assert.Equal(t, 0, final.RetryCount)
	got := <-received
	assert.Equal(t, tx.Reference, got.Reference)
	assert.Equal(t, "KP200", got.ToAccount)
	assert.Equal(t, "Oap Bank", got.SourceBankName)
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("89.5")))
}

func TestRetryThenSucceed(t *testing.T) {
	var calls int32
	deliverer := funcDeliverer(func(context.Context, string, *types.Transaction) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return fault.New(fault.DeliveryFailed, "peer returned 502")
		}
		return nil
	})
	rig := newOutboundRig(t, deliverer, route("KP", "http://kp"))
	rig.queue.Start(context.Background())

	tx := rig.send(t, "KP200", "5")
	final := rig.waitFor(t, tx.Reference, types.StatusCompleted)

	assert.Equal(t, 2, final.RetryCount)
	assert.False(t, final.Compensated)
	assert.Equal(t, "peer returned 502; peer returned 502", *final.ErrorMessage)
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("95")))
}

func TestFailedItemGoesToTail(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	deliverer := funcDeliverer(func(_ context.Context, endpoint string, tx *types.Transaction) error {
		mu.Lock()
		order = append(order, endpoint)
		mu.Unlock()
		if endpoint == "http://stuck" {
			return errors.New("timeout")
		}
		return nil
	})
	router := staticRouter{
		"KP": {Name: "Kp", Prefix: "KP", TransactionURL: "http://stuck"},
		"ZB": {Name: "Zb", Prefix: "ZB", TransactionURL: "http://healthy"},
	}
	rig := newOutboundRig(t, deliverer, router)
	rig.queue.opts.RetryDelay = 0

	stuck := rig.send(t, "KP200", "1")
	healthy := rig.send(t, "ZB300", "1")

	rig.queue.Start(context.Background())
	rig.waitFor(t, healthy.Reference, types.StatusCompleted)
	rig.waitFor(t, stuck.Reference, types.StatusFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	assert.Equal(t, []string{"http://stuck", "http://healthy", "http://stuck", "http://stuck", "http://stuck"}, order)
}

func TestEnqueueWhileDraining(t *testing.T) {
	release := make(chan struct{})
	var delivered int32
	deliverer := funcDeliverer(func(context.Context, string, *types.Transaction) error {
		<-release
		atomic.AddInt32(&delivered, 1)
		return nil
	})
	rig := newOutboundRig(t, deliverer, route("KP", "http://kp"))
	rig.queue.Start(context.Background())

	first := rig.send(t, "KP200", "1")
	require.Eventually(t, func() bool { return rig.queue.Len() == 0 }, time.Second, time.Millisecond)

	second := rig.send(t, "KP200", "1")
	assert.Equal(t, 1, rig.queue.Len())

	close(release)
	rig.waitFor(t, first.Reference, types.StatusCompleted)
	rig.waitFor(t, second.Reference, types.StatusCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&delivered))
}

func TestEnqueueIgnoresTrackedReference(t *testing.T) {
	rig := newOutboundRig(t, funcDeliverer(func(context.Context, string, *types.Transaction) error { return nil }), route("KP", "http://kp"))

	tx := rig.send(t, "KP200", "1")
	require.NoError(t, rig.queue.Enqueue(tx, "http://kp"))
	assert.Equal(t, 1, rig.queue.Len())
}

func TestStoppedQueueCompensatesSend(t *testing.T) {
	rig := newOutboundRig(t, funcDeliverer(func(context.Context, string, *types.Transaction) error { return nil }), route("KP", "http://kp"))
	rig.queue.Stop()

	_, err := rig.sender.Send(context.Background(), SendRequest{FromAccount: "OAP100", ToAccount: "KP200", Amount: amount("30"), Currency: "EUR"})
	assert.ErrorIs(t, err, fault.QueueClosed)
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("100")))

	failed, err := rig.store.ListTransactions(context.Background(), ledger.Filter{
		Statuses: []types.TransactionStatus{types.StatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Compensated)
}

func TestCompensationFailureFlagsReconciliation(t *testing.T) {
	rig := newOutboundRig(t, funcDeliverer(func(context.Context, string, *types.Transaction) error {
		return errors.New("connection refused")
	}), route("KP", "http://kp"))
	rig.store.refundErr = errors.New("disk full")

	tx := rig.send(t, "KP200", "25")
	rig.queue.Start(context.Background())

	require.Eventually(t, func() bool {
		stored, err := rig.store.Transaction(context.Background(), tx.Reference)
		return err == nil && stored.NeedsReconciliation
	}, 5*time.Second, 5*time.Millisecond)

	stored := rig.store.stored(t, tx.Reference)
	assert.False(t, stored.Compensated)
	assert.Contains(t, *stored.ErrorMessage, "compensation failed: disk full")
	assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("75")), "no silent refund")
}

func TestShutdownDoesNotInterruptAttempt(t *testing.T) {
	tests := []struct {
		name        string
		failFirst   int32
		wantRetries int
	}{
		{"FirstAttempt", 0, 0},
		{"FinalAttempt", 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			inFlight := make(chan struct{})
			release := make(chan struct{})
			deliverer := funcDeliverer(func(ctx context.Context, _ string, _ *types.Transaction) error {
				if atomic.AddInt32(&calls, 1) <= tt.failFirst {
					return errors.New("connection refused")
				}
				close(inFlight)
				<-release
				return ctx.Err()
			})
			rig := newOutboundRig(t, deliverer, route("KP", "http://kp"))
			tx := rig.send(t, "KP200", "25")

			ctx, cancel := context.WithCancel(context.Background())
			rig.queue.Start(ctx)

			select {
			case <-inFlight:
			case <-time.After(5 * time.Second):
				t.Fatal("attempt never started")
			}
			cancel()
			close(release)
			rig.queue.Stop()

			stored := rig.store.stored(t, tx.Reference)
			assert.Equal(t, types.StatusCompleted, stored.Status)
			assert.Equal(t, tt.wantRetries, stored.RetryCount)
			assert.False(t, stored.Compensated)
			assert.True(t, rig.store.balanceOf(t, "OAP100").Equal(amount("75")), "no refund for a delivered transfer")
		})
	}
}
