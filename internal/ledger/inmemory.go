package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryLedger struct {
	mu           sync.RWMutex
	now          func() time.Time
	accounts     map[string]Account
	byUser       map[string]string
	transactions map[string][]Transaction
	refs         map[string]Transaction
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and development runs without Postgres.
func NewInMemory() Ledger {
	return NewInMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewInMemoryWithClock is NewInMemory with a controllable timestamp source.
func NewInMemoryWithClock(now func() time.Time) Ledger {
	return &inMemoryLedger{
		now:          now,
		accounts:     make(map[string]Account),
		byUser:       make(map[string]string),
		transactions: make(map[string][]Transaction),
		refs:         make(map[string]Transaction),
	}
}

func (l *inMemoryLedger) OpenAccount(_ context.Context, userID string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, exists := l.byUser[userID]; exists {
		return l.accounts[id], nil
	}
	acct := Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Number:    uuid.NewString(),
		Balance:   decimal.Zero,
		CreatedAt: l.now(),
	}
	l.accounts[acct.ID] = acct
	l.byUser[userID] = acct.ID
	return acct, nil
}

func (l *inMemoryLedger) Account(_ context.Context, accountID string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (l *inMemoryLedger) AccountByUser(_ context.Context, userID string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byUser[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return l.accounts[id], nil
}

func (l *inMemoryLedger) Accounts(_ context.Context) ([]Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *inMemoryLedger) Credit(_ context.Context, accountID string, entry Entry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.post(accountID, entry, entry.Amount, l.now())
}

func (l *inMemoryLedger) Debit(_ context.Context, accountID string, entry Entry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.post(accountID, entry, entry.Amount.Neg(), l.now())
}

// post must be called with l.mu held.
func (l *inMemoryLedger) post(accountID string, entry Entry, amount decimal.Decimal, at time.Time) (Transaction, error) {
	acct, ok := l.accounts[accountID]
	if !ok {
		return Transaction{}, ErrAccountNotFound
	}

	refKey := ""
	if entry.ExternalRef != "" {
		refKey = accountID + "|" + string(entry.Kind) + "|" + entry.ExternalRef
		if existing, dup := l.refs[refKey]; dup {
			return existing, ErrDuplicateTransaction
		}
	}

	next := acct.Balance.Add(amount)
	if next.IsNegative() {
		return Transaction{}, ErrInsufficientFunds
	}

	tx := Transaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         entry.Kind,
		Amount:       amount,
		Timestamp:    at,
		Counterparty: entry.Counterparty,
		ExternalRef:  entry.ExternalRef,
		Status:       StatusCompleted,
	}
	acct.Balance = next
	l.accounts[accountID] = acct
	l.transactions[accountID] = append(l.transactions[accountID], tx)
	if refKey != "" {
		l.refs[refKey] = tx
	}
	return tx, nil
}

func (l *inMemoryLedger) History(_ context.Context, accountID string, since time.Time) (decimal.Decimal, []Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.accounts[accountID]; !ok {
		return decimal.Zero, nil, ErrAccountNotFound
	}

	opening := decimal.Zero
	var window []Transaction
	for _, tx := range l.transactions[accountID] {
		if tx.Timestamp.Before(since) {
			opening = opening.Add(tx.Amount)
			continue
		}
		window = append(window, tx)
	}
	sort.SliceStable(window, func(i, j int) bool { return window[i].Timestamp.Before(window[j].Timestamp) })
	return opening, window, nil
}
