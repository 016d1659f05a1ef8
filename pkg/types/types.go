package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type BankID string
type Reference string

// TransactionStatus is the lifecycle state of a transfer.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusInProgress TransactionStatus = "inProgress"
	StatusRetrying   TransactionStatus = "retrying"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// MaxDeliveryRetries bounds the number of re-deliveries after the first attempt.
const MaxDeliveryRetries = 3

// AmountScale is the number of decimal places money is stored with.
const AmountScale = 2

// ValidAmount reports whether d is positive and carries no digits below the
// smallest currency unit.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(AmountScale))
}

type Transaction struct {
	Reference           Reference         `json:"reference"`
	FromAccount         string            `json:"fromAccount"`
	ToAccount           string            `json:"toAccount"`
	Amount              decimal.Decimal   `json:"amount"`
	Currency            string            `json:"currency"`
	Status              TransactionStatus `json:"status"`
	Direction           Direction         `json:"direction"`
	Description         string            `json:"description,omitempty"`
	ErrorMessage        *string           `json:"errorMessage"`
	RetryCount          int               `json:"retryCount"`
	SourceBank          BankID            `json:"sourceBank,omitempty"`
	DestinationBank     BankID            `json:"destinationBank,omitempty"`
	Compensated         bool              `json:"compensated,omitempty"`
	NeedsReconciliation bool              `json:"needsReconciliation,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// IsTerminal reports whether no further status change is expected.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.Compensated
	}
	return false
}

// AppendError adds reason to the error message history of the transaction.
func (t *Transaction) AppendError(reason string) {
	if reason == "" {
		return
	}
	if t.ErrorMessage == nil || *t.ErrorMessage == "" {
		t.ErrorMessage = &reason
		return
	}
	msg := *t.ErrorMessage + "; " + reason
	t.ErrorMessage = &msg
}

// SameTransfer reports whether other describes the same movement of funds.
func (t *Transaction) SameTransfer(other *Transaction) bool {
	return t.Reference == other.Reference &&
		t.Direction == other.Direction &&
		t.FromAccount == other.FromAccount &&
		t.ToAccount == other.ToAccount &&
		t.Currency == other.Currency &&
		t.Amount.Equal(other.Amount)
}

// CanTransition enforces the forward-only state machine. The single backwards
// edge is failed -> inProgress, allowed only for uncompensated records picked
// up again after a restart. The retry bound is the delivery queue's, which is
// configurable, so it is not checked here.
func CanTransition(t *Transaction, to TransactionStatus) bool {
	switch t.Status {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusRetrying || to == StatusFailed
	case StatusRetrying:
		return to == StatusInProgress || to == StatusFailed
	case StatusFailed:
		return to == StatusInProgress && !t.Compensated
	}
	return false
}

// BankDirectoryEntry describes one peer bank known to the registry.
// Entries are keyed by Name; prefixes may collide transiently.
type BankDirectoryEntry struct {
	Name           string    `json:"name"`
	Prefix         string    `json:"prefix"`
	TransactionURL string    `json:"transactionUrl"`
	JWKSURL        string    `json:"jwksUrl"`
	Owners         []string  `json:"owners,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// SameContent compares the routable fields of two entries, ignoring timestamps.
func (e BankDirectoryEntry) SameContent(other BankDirectoryEntry) bool {
	if e.Prefix != other.Prefix || e.TransactionURL != other.TransactionURL || e.JWKSURL != other.JWKSURL {
		return false
	}
	if len(e.Owners) != len(other.Owners) {
		return false
	}
	for i := range e.Owners {
		if e.Owners[i] != other.Owners[i] {
			return false
		}
	}
	return true
}

// QueueItem wraps an outbound transaction waiting for delivery.
type QueueItem struct {
	Transaction *Transaction
	Endpoint    string
	RetryCount  int
	EnqueuedAt  time.Time
	NotBefore   time.Time
}

// SelfDescriptor is what this bank publishes to the central registry.
type SelfDescriptor struct {
	ID             BankID   `json:"id"`
	Name           string   `json:"name"`
	Prefix         string   `json:"prefix"`
	TransactionURL string   `json:"transactionUrl"`
	JWKSURL        string   `json:"jwksUrl"`
	Owners         []string `json:"owners,omitempty"`
}

// AccountPrefix returns the bank routing prefix of an account number: the
// leading run of letters (e.g. "OAP" for "OAP100").
func AccountPrefix(account string) string {
	account = strings.TrimSpace(account)
	i := 0
	for i < len(account) {
		c := account[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			break
		}
		i++
	}
	return strings.ToUpper(account[:i])
}
