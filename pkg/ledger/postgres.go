package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"interbank/pkg/types"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		number  TEXT PRIMARY KEY,
		balance NUMERIC(20, 2) NOT NULL CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		reference            TEXT PRIMARY KEY,
		from_account         TEXT NOT NULL,
		to_account           TEXT NOT NULL,
		amount               NUMERIC(20, 2) NOT NULL,
		currency             TEXT NOT NULL,
		status               TEXT NOT NULL,
		direction            TEXT NOT NULL,
		description          TEXT NOT NULL DEFAULT '',
		error_message        TEXT,
		retry_count          INTEGER NOT NULL DEFAULT 0,
		source_bank          TEXT NOT NULL DEFAULT '',
		destination_bank     TEXT NOT NULL DEFAULT '',
		compensated          BOOLEAN NOT NULL DEFAULT FALSE,
		needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (direction, status)`,
	`CREATE TABLE IF NOT EXISTS bank_directory (
		name            TEXT PRIMARY KEY,
		prefix          TEXT NOT NULL,
		transaction_url TEXT NOT NULL,
		jwks_url        TEXT NOT NULL,
		owners          TEXT NOT NULL DEFAULT '[]',
		last_updated    TIMESTAMPTZ NOT NULL
	)`,
}

const transactionColumns = `reference, from_account, to_account, amount, currency, status, direction,
	description, error_message, retry_count, source_bank, destination_bank, compensated,
	needs_reconciliation, created_at, updated_at`

// PostgresStore keeps the ledger in PostgreSQL through the pgx database/sql driver.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Connected to postgres ledger")
	return s, nil
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) OpenAccount(ctx context.Context, number string, balance decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (number, balance) VALUES ($1, $2) ON CONFLICT (number) DO NOTHING`,
		number, balance)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, number)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, number string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE number = $1`, number).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, number)
	}
	return balance, err
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, number string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = adjust(ctx, tx, number, delta)
		return err
	})
	return next, err
}

// adjust applies delta to an account row locked for the rest of tx.
func adjust(ctx context.Context, tx *sql.Tx, number string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE number = $1 FOR UPDATE`, number).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, number)
	}
	if err != nil {
		return decimal.Zero, err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return balance, fmt.Errorf("%w: %s", ErrInsufficientFunds, number)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = $2 WHERE number = $1`, number, next); err != nil {
		return balance, err
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*types.Transaction, error) {
	var (
		tx     types.Transaction
		errMsg sql.NullString
	)
	err := row.Scan(&tx.Reference, &tx.FromAccount, &tx.ToAccount, &tx.Amount, &tx.Currency,
		&tx.Status, &tx.Direction, &tx.Description, &errMsg, &tx.RetryCount, &tx.SourceBank,
		&tx.DestinationBank, &tx.Compensated, &tx.NeedsReconciliation, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		tx.ErrorMessage = &errMsg.String
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *PostgresStore) Transaction(ctx context.Context, ref types.Reference) (*types.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, ref)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, ref)
	}
	return tx, err
}

func lockTransaction(ctx context.Context, q *sql.Tx, ref types.Reference) (*types.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, ref)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, ref)
	}
	return tx, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter Filter) ([]*types.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		where = append(where, fmt.Sprintf("direction = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, st)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DebitAndRecord(ctx context.Context, tx *types.Transaction) error {
	return s.moveAndRecord(ctx, tx, tx.FromAccount, tx.Amount.Neg())
}

func (s *PostgresStore) CreditAndRecord(ctx context.Context, tx *types.Transaction) error {
	return s.moveAndRecord(ctx, tx, tx.ToAccount, tx.Amount)
}

func (s *PostgresStore) moveAndRecord(ctx context.Context, rec *types.Transaction, account string, delta decimal.Decimal) error {
	if !rec.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := adjust(ctx, tx, account, delta); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (reference) DO NOTHING`,
			rec.Reference, rec.FromAccount, rec.ToAccount, rec.Amount, rec.Currency, rec.Status,
			rec.Direction, rec.Description, nullString(rec.ErrorMessage), rec.RetryCount,
			rec.SourceBank, rec.DestinationBank, rec.Compensated, rec.NeedsReconciliation,
			rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, rec.Reference)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, ref types.Reference, upd StatusUpdate) (*types.Transaction, error) {
	var out *types.Transaction
	err := s.withTx(ctx, func(q *sql.Tx) error {
		tx, err := lockTransaction(ctx, q, ref)
		if err != nil {
			return err
		}
		out = tx
		if err := checkTransition(tx, upd.Status); err != nil {
			return err
		}
		applyUpdate(tx, upd)
		return s.save(ctx, q, tx)
	})
	return out, err
}

func (s *PostgresStore) RefundAndFail(ctx context.Context, ref types.Reference, reason string) (*types.Transaction, error) {
	var out *types.Transaction
	err := s.withTx(ctx, func(q *sql.Tx) error {
		tx, err := lockTransaction(ctx, q, ref)
		if err != nil {
			return err
		}
		out = tx
		if tx.Compensated {
			return nil
		}
		if err := checkRefundable(tx); err != nil {
			return err
		}
		if _, err := adjust(ctx, q, tx.FromAccount, tx.Amount); err != nil {
			return err
		}
		tx.Status = types.StatusFailed
		tx.Compensated = true
		tx.AppendError(reason)
		return s.save(ctx, q, tx)
	})
	return out, err
}

func (s *PostgresStore) FlagReconciliation(ctx context.Context, ref types.Reference, reason string) error {
	return s.withTx(ctx, func(q *sql.Tx) error {
		tx, err := lockTransaction(ctx, q, ref)
		if err != nil {
			return err
		}
		tx.NeedsReconciliation = true
		tx.AppendError(reason)
		return s.save(ctx, q, tx)
	})
}

func (s *PostgresStore) save(ctx context.Context, q *sql.Tx, tx *types.Transaction) error {
	tx.UpdatedAt = s.now().UTC()
	_, err := q.ExecContext(ctx, `UPDATE transactions SET status = $2, error_message = $3,
		retry_count = $4, compensated = $5, needs_reconciliation = $6, updated_at = $7
		WHERE reference = $1`,
		tx.Reference, tx.Status, nullString(tx.ErrorMessage), tx.RetryCount, tx.Compensated,
		tx.NeedsReconciliation, tx.UpdatedAt)
	return err
}

func (s *PostgresStore) Directory(ctx context.Context) ([]types.BankDirectoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, prefix, transaction_url, jwks_url, owners, last_updated FROM bank_directory ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.BankDirectoryEntry
	for rows.Next() {
		var (
			e      types.BankDirectoryEntry
			owners string
		)
		if err := rows.Scan(&e.Name, &e.Prefix, &e.TransactionURL, &e.JWKSURL, &owners, &e.LastUpdated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(owners), &e.Owners); err != nil {
			s.logger.Warn("Ignoring malformed owners column", zap.String("bank", e.Name), zap.Error(err))
		}
		e.LastUpdated = e.LastUpdated.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ReplaceDirectory(ctx context.Context, entries []types.BankDirectoryEntry) error {
	return s.withTx(ctx, func(q *sql.Tx) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM bank_directory`); err != nil {
			return err
		}
		for _, e := range entries {
			owners, err := json.Marshal(e.Owners)
			if err != nil {
				return err
			}
			if _, err := q.ExecContext(ctx, `INSERT INTO bank_directory
				(name, prefix, transaction_url, jwks_url, owners, last_updated)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				e.Name, e.Prefix, e.TransactionURL, e.JWKSURL, string(owners), e.LastUpdated); err != nil {
				return err
			}
		}
		return nil
	})
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
