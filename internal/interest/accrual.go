// Package interest pays periodic interest on the minimum balance each account
// held over a trailing window.
package interest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/notification"
)

// interestPrecision is the number of decimals interest is truncated to, one wei.
const interestPrecision = 18

// MinBalance returns the smallest balance held at any transaction boundary in
// txs, or the current balance if that is lower. opening is the balance just
// before the first transaction; txs must be in timestamp order. Transactions
// sharing a timestamp are applied together.
func MinBalance(opening decimal.Decimal, txs []ledger.Transaction, current decimal.Decimal) decimal.Decimal {
	lowest := current
	running := opening
	for i := 0; i < len(txs); {
		at := txs[i].Timestamp
		for i < len(txs) && txs[i].Timestamp.Equal(at) {
			running = running.Add(txs[i].Amount)
			i++
		}
		if running.LessThan(lowest) {
			lowest = running
		}
	}
	return lowest
}

// Calculate returns minBalance × rate truncated to wei precision, or zero for
// non-positive balances.
func Calculate(minBalance, rate decimal.Decimal) decimal.Decimal {
	if !minBalance.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return minBalance.Mul(rate).Truncate(interestPrecision)
}

// PeriodRef is the external reference marking an interest payment for period.
func PeriodRef(period time.Time) string {
	return "interest:" + period.UTC().Format(time.RFC3339)
}

// Accruer computes and credits interest for every account.
type Accruer struct {
	ledger   ledger.Ledger
	rate     decimal.Decimal
	window   time.Duration
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewAccruer builds an accruer paying rate on the minimum balance over window.
func NewAccruer(ledgerBackend ledger.Ledger, rate decimal.Decimal, window time.Duration, notifier notification.Notifier, logger *slog.Logger) *Accruer {
	return &Accruer{ledger: ledgerBackend, rate: rate, window: window, notifier: notifier, logger: logger}
}

// Summary reports one accrual pass.
type Summary struct {
	Period   time.Time
	Accounts int
	Credited int
	Skipped  int
	Total    decimal.Decimal
}

// Run pays interest for period. An account already paid for period is
// skipped, so running the same period twice never pays twice. A failure on one
// account does not stop the others; all failures are returned joined.
func (a *Accruer) Run(ctx context.Context, period time.Time) (Summary, error) {
	summary := Summary{Period: period, Total: decimal.Zero}
	accounts, err := a.ledger.Accounts(ctx)
	if err != nil {
		return summary, fmt.Errorf("list accounts: %w", err)
	}
	summary.Accounts = len(accounts)

	cutoff := period.Add(-a.window)
	ref := PeriodRef(period)
	var errs []error
	for _, acct := range accounts {
		opening, txs, err := a.ledger.History(ctx, acct.ID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("history for %s: %w", acct.ID, err))
			continue
		}
		amount := Calculate(MinBalance(opening, txs, acct.Balance), a.rate)
		if amount.IsZero() {
			continue
		}

		_, err = a.ledger.Credit(ctx, acct.ID, ledger.Entry{
			Kind:        ledger.KindInterest,
			Amount:      amount,
			ExternalRef: ref,
		})
		switch {
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			summary.Skipped++
		case err != nil:
			errs = append(errs, fmt.Errorf("credit interest to %s: %w", acct.ID, err))
		default:
			summary.Credited++
			summary.Total = summary.Total.Add(amount)
		}
	}

	a.logger.Info("interest accrued",
		"period", period,
		"accounts", summary.Accounts,
		"credited", summary.Credited,
		"skipped", summary.Skipped,
		"total", summary.Total.String())
	if a.notifier != nil && summary.Credited > 0 {
		if err := a.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindInterestPaid,
			Destination: "operations",
			Body:        fmt.Sprintf("interest of %s paid to %d accounts", summary.Total.String(), summary.Credited),
			Attributes:  map[string]string{"period": ref},
		}); err != nil {
			a.logger.Warn("send notification", "kind", notification.KindInterestPaid, "error", err)
		}
	}
	return summary, errors.Join(errs...)
}
