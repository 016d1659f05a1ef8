package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"interbank/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	accountPrefix     = "account/"
	transactionPrefix = "tx/"
	directoryPrefix   = "dir/"
)

// LevelStore keeps everything in one LevelDB database. Multi-record writes go
// through a single leveldb.Batch; mu serialises read-modify-write cycles.
type LevelStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenLevelDB opens (or creates) the database directory at path.
func OpenLevelDB(path string, logger *zap.Logger) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newLevelStore(db, logger), nil
}

// NewMemoryStore returns a LevelStore backed by memory only.
func NewMemoryStore(logger *zap.Logger) *LevelStore {
	db, err := leveldb.Open(ldb_storage.NewMemStorage(), nil)
	if err != nil {
		// memory storage cannot fail to open
		panic(err)
	}
	return newLevelStore(db, logger)
}

func newLevelStore(db *leveldb.DB, logger *zap.Logger) *LevelStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelStore{db: db, logger: logger, now: time.Now}
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) OpenAccount(_ context.Context, number string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(accountPrefix + number)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, number)
	}
	return s.db.Put(key, []byte(balance.String()), nil)
}

func (s *LevelStore) Balance(_ context.Context, number string) (decimal.Decimal, error) {
	return s.balance(number)
}

func (s *LevelStore) AdjustBalance(_ context.Context, number string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.balance(number)
	if err != nil {
		return decimal.Zero, err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return balance, fmt.Errorf("%w: %s", ErrInsufficientFunds, number)
	}
	if err := s.db.Put([]byte(accountPrefix+number), []byte(next.String()), nil); err != nil {
		return balance, err
	}
	return next, nil
}

func (s *LevelStore) balance(number string) (decimal.Decimal, error) {
	raw, err := s.db.Get([]byte(accountPrefix+number), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, number)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(string(raw))
}

func (s *LevelStore) Transaction(_ context.Context, ref types.Reference) (*types.Transaction, error) {
	return s.get(ref)
}

func (s *LevelStore) get(ref types.Reference) (*types.Transaction, error) {
	raw, err := s.db.Get([]byte(transactionPrefix+string(ref)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("corrupt transaction %s: %w", ref, err)
	}
	return &tx, nil
}

func (s *LevelStore) ListTransactions(_ context.Context, filter Filter) ([]*types.Transaction, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(ldb_util.BytesPrefix([]byte(transactionPrefix)), nil)
	defer iter.Release()

	var out []*types.Transaction
	for iter.Next() {
		var tx types.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			s.logger.Warn("Skipping corrupt transaction record", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if filter.matches(&tx) {
			out = append(out, &tx)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *LevelStore) DebitAndRecord(_ context.Context, tx *types.Transaction) error {
	return s.moveAndRecord(tx, tx.FromAccount, tx.Amount.Neg())
}

func (s *LevelStore) CreditAndRecord(_ context.Context, tx *types.Transaction) error {
	return s.moveAndRecord(tx, tx.ToAccount, tx.Amount)
}

func (s *LevelStore) moveAndRecord(tx *types.Transaction, account string, delta decimal.Decimal) error {
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txKey := []byte(transactionPrefix + string(tx.Reference))
	exists, err := s.db.Has(txKey, nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, tx.Reference)
	}

	balance, err := s.balance(account)
	if err != nil {
		return err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, account)
	}

	now := s.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	value, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(accountPrefix+account), []byte(next.String()))
	batch.Put(txKey, value)
	return s.db.Write(batch, nil)
}

func (s *LevelStore) UpdateStatus(_ context.Context, ref types.Reference, upd StatusUpdate) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.get(ref)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(tx, upd.Status); err != nil {
		return tx, err
	}
	applyUpdate(tx, upd)
	return tx, s.put(tx, nil)
}

func (s *LevelStore) RefundAndFail(_ context.Context, ref types.Reference, reason string) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.get(ref)
	if err != nil {
		return nil, err
	}
	if tx.Compensated {
		return tx, nil
	}
	if err := checkRefundable(tx); err != nil {
		return tx, err
	}

	balance, err := s.balance(tx.FromAccount)
	if err != nil {
		return tx, err
	}

	tx.Status = types.StatusFailed
	tx.Compensated = true
	tx.AppendError(reason)

	batch := new(leveldb.Batch)
	batch.Put([]byte(accountPrefix+tx.FromAccount), []byte(balance.Add(tx.Amount).String()))
	return tx, s.put(tx, batch)
}

func (s *LevelStore) FlagReconciliation(_ context.Context, ref types.Reference, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.get(ref)
	if err != nil {
		return err
	}
	tx.NeedsReconciliation = true
	tx.AppendError(reason)
	return s.put(tx, nil)
}

// put writes tx, together with batch when given
func (s *LevelStore) put(tx *types.Transaction, batch *leveldb.Batch) error {
	tx.UpdatedAt = s.now().UTC()
	value, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if batch == nil {
		batch = new(leveldb.Batch)
	}
	batch.Put([]byte(transactionPrefix+string(tx.Reference)), value)
	return s.db.Write(batch, nil)
}

func (s *LevelStore) Directory(_ context.Context) ([]types.BankDirectoryEntry, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(ldb_util.BytesPrefix([]byte(directoryPrefix)), nil)
	defer iter.Release()

	var entries []types.BankDirectoryEntry
	for iter.Next() {
		var e types.BankDirectoryEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			s.logger.Warn("Skipping corrupt directory entry", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

func (s *LevelStore) ReplaceDirectory(_ context.Context, entries []types.BankDirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(ldb_util.BytesPrefix([]byte(directoryPrefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put([]byte(directoryPrefix+e.Name), value)
	}
	return s.db.Write(batch, nil)
}

func checkRefundable(tx *types.Transaction) error {
	if tx.Direction != types.DirectionOutbound {
		return fmt.Errorf("%w: only outbound transactions are refundable", ErrInvalidTransition)
	}
	switch tx.Status {
	case types.StatusPending, types.StatusInProgress, types.StatusRetrying, types.StatusFailed:
		return nil
	}
	return fmt.Errorf("%w: cannot refund %s transaction %s", ErrInvalidTransition, tx.Status, tx.Reference)
}
