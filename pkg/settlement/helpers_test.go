package settlement

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"interbank/pkg/ledger"
	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

// recordingStore remembers every status a transaction passes through.
type recordingStore struct {
	*ledger.LevelStore

	mu        sync.Mutex
	history   map[types.Reference][]types.TransactionStatus
	refundErr error
}

func newRecordingStore(t *testing.T) *recordingStore {
	t.Helper()
	s := ledger.NewMemoryStore(zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return &recordingStore{LevelStore: s, history: make(map[types.Reference][]types.TransactionStatus)}
}

func (r *recordingStore) record(ref types.Reference, status types.TransactionStatus) {
	r.mu.Lock()
	r.history[ref] = append(r.history[ref], status)
	r.mu.Unlock()
}

func (r *recordingStore) statuses(ref types.Reference) []types.TransactionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.TransactionStatus(nil), r.history[ref]...)
}

func (r *recordingStore) DebitAndRecord(ctx context.Context, tx *types.Transaction) error {
	err := r.LevelStore.DebitAndRecord(ctx, tx)
	if err == nil {
		r.record(tx.Reference, tx.Status)
	}
	return err
}

func (r *recordingStore) UpdateStatus(ctx context.Context, ref types.Reference, upd ledger.StatusUpdate) (*types.Transaction, error) {
	tx, err := r.LevelStore.UpdateStatus(ctx, ref, upd)
	if err == nil {
		r.record(ref, upd.Status)
	}
	return tx, err
}

func (r *recordingStore) RefundAndFail(ctx context.Context, ref types.Reference, reason string) (*types.Transaction, error) {
	if r.refundErr != nil {
		return nil, r.refundErr
	}
	tx, err := r.LevelStore.RefundAndFail(ctx, ref, reason)
	if err == nil {
		r.record(ref, types.StatusFailed)
	}
	return tx, err
}

func (r *recordingStore) balanceOf(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := r.Balance(context.Background(), account)
	require.NoError(t, err)
	return bal
}

func (r *recordingStore) stored(t *testing.T, ref types.Reference) *types.Transaction {
	t.Helper()
	tx, err := r.Transaction(context.Background(), ref)
	require.NoError(t, err)
	return tx
}

// staticRouter resolves prefixes from a fixed table.
type staticRouter map[string]types.BankDirectoryEntry

func (r staticRouter) LookupByPrefix(prefix string) (types.BankDirectoryEntry, bool) {
	e, ok := r[prefix]
	return e, ok
}

func route(prefix, url string) staticRouter {
	return staticRouter{prefix: {Name: prefix + " Bank", Prefix: prefix, TransactionURL: url}}
}

// funcDeliverer adapts a function to Deliverer.
type funcDeliverer func(ctx context.Context, endpoint string, tx *types.Transaction) error

func (f funcDeliverer) Deliver(ctx context.Context, endpoint string, tx *types.Transaction) error {
	return f(ctx, endpoint, tx)
}
