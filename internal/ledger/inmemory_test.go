package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func mustOpen(t *testing.T, l Ledger) Account {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return acct
}

func TestInMemoryLedger_CreditAndDebit(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	acct := mustOpen(t, l)

	if _, err := l.Credit(ctx, acct.ID, Entry{Kind: KindDeposit, Amount: decimal.RequireFromString("1.5")}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	tx, err := l.Debit(ctx, acct.ID, Entry{Kind: KindWithdrawal, Amount: decimal.RequireFromString("0.5"), Counterparty: "0xabc"})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("-0.5")) {
		t.Fatalf("expected signed debit amount -0.5, got %s", tx.Amount)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", tx.Status)
	}

	got, err := l.Account(ctx, acct.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance 1, got %s", got.Balance)
	}
	if !got.Balance.Equal(TransactionSum(l, acct.ID)) {
		t.Fatalf("balance %s does not match transaction sum %s", got.Balance, TransactionSum(l, acct.ID))
	}
}

func TestInMemoryLedger_DebitInsufficientFundsLeavesStateUntouched(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	acct := mustOpen(t, l)
	Seed(l, acct.ID, decimal.NewFromInt(2), time.Now().UTC())

	_, err := l.Debit(ctx, acct.ID, Entry{Kind: KindWithdrawal, Amount: decimal.NewFromInt(3)})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	got, _ := l.Account(ctx, acct.ID)
	if !got.Balance.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("balance changed to %s", got.Balance)
	}
	_, txs, _ := l.History(ctx, acct.ID, time.Time{})
	if len(txs) != 1 {
		t.Fatalf("expected history of 1 transaction, got %d", len(txs))
	}
}

func TestInMemoryLedger_RejectsNonPositiveAmounts(t *testing.T) {
	l := NewInMemory()
	acct := mustOpen(t, l)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		if _, err := l.Credit(context.Background(), acct.ID, Entry{Kind: KindDeposit, Amount: amount}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected invalid amount, got %v", amount, err)
		}
	}
}

func TestInMemoryLedger_DuplicateExternalRef(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	acct := mustOpen(t, l)

	entry := Entry{Kind: KindInterest, Amount: decimal.RequireFromString("0.02"), ExternalRef: "interest:2026-10-18"}
	first, err := l.Credit(ctx, acct.ID, entry)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	again, err := l.Credit(ctx, acct.ID, entry)
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected existing transaction %s, got %s", first.ID, again.ID)
	}

	got, _ := l.Account(ctx, acct.ID)
	if !got.Balance.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("duplicate credit changed balance to %s", got.Balance)
	}
}

func TestInMemoryLedger_UnknownAccount(t *testing.T) {
	l := NewInMemory()
	if _, err := l.Credit(context.Background(), "missing", Entry{Kind: KindDeposit, Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
	if _, err := l.AccountByUser(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

func TestInMemoryLedger_ConcurrentPostingsKeepBalanceEqualToSum(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	acct := mustOpen(t, l)
	Seed(l, acct.ID, decimal.NewFromInt(5), time.Now().UTC())

	const workers = 20
	unit := decimal.RequireFromString("0.5")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = l.Credit(ctx, acct.ID, Entry{Kind: KindDeposit, Amount: unit})
				return
			}
			// Debits may legitimately fail; they must never corrupt the balance.
			_, _ = l.Debit(ctx, acct.ID, Entry{Kind: KindWithdrawal, Amount: unit})
		}(i)
	}
	wg.Wait()

	got, _ := l.Account(ctx, acct.ID)
	if got.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", got.Balance)
	}
	if !got.Balance.Equal(TransactionSum(l, acct.ID)) {
		t.Fatalf("balance %s != transaction sum %s", got.Balance, TransactionSum(l, acct.ID))
	}
}

func TestInMemoryLedger_HistorySplitsAtCutoff(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	acct := mustOpen(t, l)
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	Seed(l, acct.ID, decimal.NewFromInt(4), now.Add(-10*24*time.Hour))
	Seed(l, acct.ID, decimal.NewFromInt(6), now.Add(-2*24*time.Hour))

	opening, txs, err := l.History(ctx, acct.ID, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !opening.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected opening 4, got %s", opening)
	}
	if len(txs) != 1 || !txs[0].Amount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("unexpected window transactions: %+v", txs)
	}
}
