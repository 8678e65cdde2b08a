package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates an entry with the same external reference
	// was already posted to the account; the existing transaction is returned.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned for unknown account or user identifiers.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount rejects zero or negative posting amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindInterest   Kind = "interest"
)

// Status of a transaction. Status is fixed when the row is written.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Account holds the running balance for one user.
type Account struct {
	ID        string
	UserID    string
	Number    string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Transaction is an immutable posting against an account. Amount is signed:
// credits are positive, debits negative.
type Transaction struct {
	ID           string
	AccountID    string
	Kind         Kind
	Amount       decimal.Decimal
	Timestamp    time.Time
	Counterparty string
	ExternalRef  string
	Status       Status
}

// Entry is the caller-supplied part of a posting. Amount is always given as a
// positive magnitude; Debit negates it.
type Entry struct {
	Kind         Kind
	Amount       decimal.Decimal
	Counterparty string
	// ExternalRef, when set, makes the posting idempotent per account and kind.
	ExternalRef string
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
// Every Credit or Debit updates the balance and appends exactly one
// Transaction as a single atomic unit.
type Ledger interface {
	OpenAccount(ctx context.Context, userID string) (Account, error)
	Account(ctx context.Context, accountID string) (Account, error)
	AccountByUser(ctx context.Context, userID string) (Account, error)
	Accounts(ctx context.Context) ([]Account, error)
	Credit(ctx context.Context, accountID string, entry Entry) (Transaction, error)
	Debit(ctx context.Context, accountID string, entry Entry) (Transaction, error)
	// History returns the balance accumulated strictly before since, followed by
	// all transactions at or after since ordered by timestamp.
	History(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, []Transaction, error)
}

func validateEntry(entry Entry) error {
	if !entry.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch entry.Kind {
	case KindDeposit, KindWithdrawal, KindInterest:
		return nil
	default:
		return errors.New("unknown transaction kind")
	}
}
