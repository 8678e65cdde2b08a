package interest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/notification"
)

var (
	rate   = decimal.RequireFromString("0.002")
	window = 7 * 24 * time.Hour
	period = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(amount string, at time.Time) ledger.Transaction {
	return ledger.Transaction{Amount: dec(amount), Timestamp: at}
}

func newAccount(t *testing.T, l ledger.Ledger) ledger.Account {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return acct
}

func balanceOf(t *testing.T, l ledger.Ledger, id string) decimal.Decimal {
	t.Helper()
	acct, err := l.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct.Balance
}

func TestMinBalanceTracksLowestBoundary(t *testing.T) {
	day := 24 * time.Hour
	txs := []ledger.Transaction{
		tx("-8", period.Add(-5*day)),
		tx("5", period.Add(-2*day)),
	}
	if got := MinBalance(dec("10"), txs, dec("7")); !got.Equal(dec("2")) {
		t.Fatalf("expected 2, got %s", got)
	}
}

func TestMinBalanceGroupsEqualTimestamps(t *testing.T) {
	at := period.Add(-time.Hour)
	txs := []ledger.Transaction{tx("-5", at), tx("5", at)}
	if got := MinBalance(dec("5"), txs, dec("5")); !got.Equal(dec("5")) {
		t.Fatalf("simultaneous postings should not create a dip, got %s", got)
	}
}

func TestMinBalanceWithoutTransactionsIsCurrent(t *testing.T) {
	if got := MinBalance(dec("3"), nil, dec("3")); !got.Equal(dec("3")) {
		t.Fatalf("expected current balance, got %s", got)
	}
}

func TestCalculateTruncatesToWei(t *testing.T) {
	got := Calculate(dec("0.000000000000000999"), rate)
	if !got.IsZero() {
		t.Fatalf("sub-wei interest should truncate to zero, got %s", got)
	}
	if got := Calculate(dec("-1"), rate); !got.IsZero() {
		t.Fatalf("negative base should pay nothing, got %s", got)
	}
}

func TestRunCreditsMinimumBalanceInterest(t *testing.T) {
	l := ledger.NewInMemory()
	acct := newAccount(t, l)
	ledger.Seed(l, acct.ID, dec("10"), period.Add(-3*24*time.Hour))
	notes := &notification.Recorder{}

	summary, err := NewAccruer(l, rate, window, notes, logging.Discard()).Run(context.Background(), period)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Credited != 1 || !summary.Total.Equal(dec("0.02")) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := balanceOf(t, l, acct.ID); !got.Equal(dec("10.02")) {
		t.Fatalf("expected 10.02, got %s", got)
	}
	if len(notes.Messages(notification.KindInterestPaid)) != 1 {
		t.Fatal("expected an interest_paid notification")
	}
}

func TestRunSamePeriodTwicePaysOnce(t *testing.T) {
	l := ledger.NewInMemory()
	acct := newAccount(t, l)
	ledger.Seed(l, acct.ID, dec("10"), period.Add(-3*24*time.Hour))
	accruer := NewAccruer(l, rate, window, nil, logging.Discard())

	if _, err := accruer.Run(context.Background(), period); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := accruer.Run(context.Background(), period)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Credited != 0 || summary.Skipped != 1 {
		t.Fatalf("expected the repeat to be skipped, got %+v", summary)
	}
	if got := balanceOf(t, l, acct.ID); !got.Equal(dec("10.02")) {
		t.Fatalf("interest paid twice, balance %s", got)
	}
}

func TestRunUsesWindowDip(t *testing.T) {
	l := ledger.NewInMemory()
	acct := newAccount(t, l)
	day := 24 * time.Hour
	ledger.Seed(l, acct.ID, dec("100"), period.Add(-30*day))
	ledger.Seed(l, acct.ID, dec("-90"), period.Add(-4*day))
	ledger.Seed(l, acct.ID, dec("40"), period.Add(-1*day))

	if _, err := NewAccruer(l, rate, window, nil, logging.Discard()).Run(context.Background(), period); err != nil {
		t.Fatalf("run: %v", err)
	}
	// minimum is 10 after the withdrawal, so interest is 0.02
	if got := balanceOf(t, l, acct.ID); !got.Equal(dec("50.02")) {
		t.Fatalf("expected 50.02, got %s", got)
	}
}

func TestRunSkipsEmptyAccounts(t *testing.T) {
	l := ledger.NewInMemory()
	acct := newAccount(t, l)

	summary, err := NewAccruer(l, rate, window, nil, logging.Discard()).Run(context.Background(), period)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Accounts != 1 || summary.Credited != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := balanceOf(t, l, acct.ID); !got.IsZero() {
		t.Fatalf("empty account accrued %s", got)
	}
	if sum := ledger.TransactionSum(l, acct.ID); !sum.IsZero() {
		t.Fatalf("empty account got a transaction")
	}
}
