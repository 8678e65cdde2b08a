package withdrawal

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/lock"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/notification"
	"github.com/chunkvault/chunkvault/internal/settlement"
)

const destination = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

var milli = big.NewInt(1_000_000_000_000_000)

type fixture struct {
	svc     *Service
	users   *identity.Service
	ledger  ledger.Ledger
	net     *settlement.MemoryNetwork
	store   chunk.Store
	pool    *chunk.Pool
	notes   *notification.Recorder
	user    identity.User
	account ledger.Account
}

func newFixture(t *testing.T, chunks int64, balance string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		ledger: ledger.NewInMemory(),
		net:    settlement.NewMemoryNetwork(),
		store:  chunk.NewMemoryStore(),
		notes:  &notification.Recorder{},
	}
	f.users = identity.NewService(identity.NewMemoryRepository(), f.ledger)
	pool := chunk.NewPool(f.store, f.net, milli, logging.Discard())
	f.pool = pool
	f.svc = NewService(f.users, f.ledger, pool, lock.NewLocal(), f.notes, logging.Discard())

	user, account, err := f.users.Register(ctx, identity.Credentials{Username: "alice", Password: "password123", WalletAddress: destination})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.user, f.account = user, account

	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		if _, err := f.ledger.Credit(ctx, account.ID, ledger.Entry{Kind: ledger.KindDeposit, Amount: amount}); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}

	if chunks > 0 {
		source, _ := f.net.CreateAddress(ctx)
		total := new(big.Int).Mul(milli, big.NewInt(chunks))
		f.net.Fund(source.Address, total)
		if _, err := pool.Repackage(ctx, source, total); err != nil {
			t.Fatalf("seed chunks: %v", err)
		}
	}
	return f
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct.Balance
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountAvailable(context.Background())
	if err != nil {
		t.Fatalf("count available: %v", err)
	}
	return n
}

func withdraw(f *fixture, amount string) (Result, error) {
	return f.svc.Withdraw(context.Background(), Input{UserID: f.user.ID, Amount: decimal.RequireFromString(amount)})
}

func TestWithdrawPaysOneTransferPerChunk(t *testing.T) {
	f := newFixture(t, 5, "0.01")

	res, err := withdraw(f, "0.003")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(res.References) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(res.References))
	}
	if !res.Debited.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("expected 0.003 debited, got %s", res.Debited)
	}
	if got := f.balance(t); !got.Equal(decimal.RequireFromString("0.007")) {
		t.Fatalf("expected balance 0.007, got %s", got)
	}
	if !res.Balance.Equal(f.balance(t)) {
		t.Fatalf("result balance %s disagrees with ledger %s", res.Balance, f.balance(t))
	}
	if got := f.net.Balance(destination); got.Cmp(new(big.Int).Mul(milli, big.NewInt(3))) != 0 {
		t.Fatalf("destination received %s", got)
	}
	if f.available(t) != 2 {
		t.Fatalf("expected 2 chunks left, got %d", f.available(t))
	}
	if sum := ledger.TransactionSum(f.ledger, f.account.ID); !sum.Equal(f.balance(t)) {
		t.Fatalf("balance %s does not match transaction sum %s", f.balance(t), sum)
	}
	if len(f.notes.Messages(notification.KindWithdrawalCompleted)) != 1 {
		t.Fatal("expected a withdrawal_completed notification")
	}
}

func TestWithdrawRejectsUnalignedAmount(t *testing.T) {
	f := newFixture(t, 5, "0.01")

	if _, err := withdraw(f, "0.0015"); !errors.Is(err, ErrNotChunkAligned) {
		t.Fatalf("expected not chunk aligned, got %v", err)
	}
	if !f.balance(t).Equal(decimal.RequireFromString("0.01")) || f.available(t) != 5 {
		t.Fatal("rejected withdrawal mutated state")
	}
}

func TestWithdrawRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, 1, "0.01")
	if _, err := withdraw(f, "0"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestWithdrawInsufficientFundsAllocatesNothing(t *testing.T) {
	f := newFixture(t, 5, "0.002")

	if _, err := withdraw(f, "0.003"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if f.available(t) != 5 || len(f.net.Transfers()) != 5 {
		t.Fatal("insufficient funds should not touch the pool")
	}
}

func TestWithdrawInsufficientInventoryKeepsBalance(t *testing.T) {
	f := newFixture(t, 2, "0.01")

	if _, err := withdraw(f, "0.003"); !errors.Is(err, chunk.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
	if !f.balance(t).Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("balance changed to %s", f.balance(t))
	}
	if f.available(t) != 2 {
		t.Fatalf("failed allocation changed inventory to %d", f.available(t))
	}
}

func TestWithdrawPartialFailureDebitsOnlySentChunks(t *testing.T) {
	f := newFixture(t, 5, "0.01")
	var calls int
	f.net.FailSubmit = func(string, string, uint64) error {
		calls++
		if calls == 2 {
			return errors.New("replacement transaction underpriced")
		}
		return nil
	}

	res, err := withdraw(f, "0.003")
	if !errors.Is(err, settlement.ErrSubmissionFailed) {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if len(res.References) != 1 || !res.Debited.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("expected one chunk paid, got %+v", res)
	}
	if got := f.balance(t); !got.Equal(decimal.RequireFromString("0.009")) {
		t.Fatalf("expected only the sent chunk debited, balance %s", got)
	}
	if f.available(t) != 4 {
		t.Fatalf("unsent chunks should return to the pool, available=%d", f.available(t))
	}
	if len(f.notes.Messages(notification.KindReconciliationRequired)) != 1 {
		t.Fatal("expected a reconciliation_required notification")
	}
}

// failingDebits lets credits through and rejects every debit.
type failingDebits struct {
	ledger.Ledger
}

func (failingDebits) Debit(context.Context, string, ledger.Entry) (ledger.Transaction, error) {
	return ledger.Transaction{}, errors.New("db down")
}

// withFailingDebits rebuilds the service over a ledger whose debits fail.
func (f *fixture) withFailingDebits() {
	f.svc = NewService(f.users, failingDebits{f.ledger}, f.pool, lock.NewLocal(), f.notes, logging.Discard())
}

func TestWithdrawDebitFailureAfterTransferIsPartialPayout(t *testing.T) {
	f := newFixture(t, 5, "0.01")
	f.withFailingDebits()

	res, err := withdraw(f, "0.002")
	if !errors.Is(err, ErrPartialPayout) {
		t.Fatalf("expected partial payout, got %v", err)
	}
	if len(res.References) != 1 {
		t.Fatalf("expected the sent transfer reported, got %+v", res.References)
	}
	if f.available(t) != 3 {
		t.Fatalf("expected the second chunk released, available=%d", f.available(t))
	}
	if len(f.notes.Messages(notification.KindReconciliationRequired)) != 1 {
		t.Fatal("expected a reconciliation_required notification")
	}
}

func TestWithdrawNeedsDestination(t *testing.T) {
	f := newFixture(t, 1, "0.01")
	other, _, err := f.users.Register(context.Background(), identity.Credentials{Username: "bob", Password: "password123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = f.svc.Withdraw(context.Background(), Input{UserID: other.ID, Amount: decimal.RequireFromString("0.001")})
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected no destination, got %v", err)
	}
}

func TestWithdrawUnknownUser(t *testing.T) {
	f := newFixture(t, 1, "0.01")
	_, err := f.svc.Withdraw(context.Background(), Input{UserID: "missing", Amount: decimal.RequireFromString("0.001")})
	if !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	f := newFixture(t, 6, "0.003")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := withdraw(f, "0.002")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || refused != 1 {
		t.Fatalf("expected one success and one refusal, got %d and %d", succeeded, refused)
	}
	if got := f.balance(t); !got.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("expected balance 0.001, got %s", got)
	}
	if f.available(t) != 4 {
		t.Fatalf("expected 4 chunks left, got %d", f.available(t))
	}
}
