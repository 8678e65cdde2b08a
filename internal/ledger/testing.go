package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Seed posts a completed transaction dated at the given instant directly into
// an in-memory ledger, keeping the balance equal to the transaction sum.
// Positive amounts are deposits and negative ones withdrawals. It is a no-op
// for other backends.
func Seed(l Ledger, accountID string, amount decimal.Decimal, at time.Time) {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return
	}
	kind := KindDeposit
	if amount.IsNegative() {
		kind = KindWithdrawal
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	_, _ = mem.post(accountID, Entry{Kind: kind, Amount: amount.Abs()}, amount, at)
}

// TransactionSum returns the sum of recorded amounts for an in-memory account.
func TransactionSum(l Ledger, accountID string) decimal.Decimal {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return decimal.Zero
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	sum := decimal.Zero
	for _, tx := range mem.transactions[accountID] {
		sum = sum.Add(tx.Amount)
	}
	return sum
}
