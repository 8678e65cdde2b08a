// Package withdrawal pays users out of the chunk wallet pool.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/lock"
	"github.com/chunkvault/chunkvault/internal/notification"
	"github.com/chunkvault/chunkvault/internal/settlement"
)

var (
	// ErrNotChunkAligned is returned when the amount is not a whole number of chunks.
	ErrNotChunkAligned = errors.New("amount is not a multiple of the chunk size")
	// ErrNoDestination is returned when the user has no withdrawal address on file.
	ErrNoDestination = errors.New("user has no withdrawal address")
	// ErrPartialPayout marks a withdrawal that stopped after value already left
	// custody. The Result lists what was sent; retrying is unsafe.
	ErrPartialPayout = errors.New("withdrawal partially paid out")
)

// Users resolves the withdrawing user.
type Users interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// Service coordinates chunk allocation, on-chain payout and ledger debits.
type Service struct {
	users    Users
	ledger   ledger.Ledger
	pool     *chunk.Pool
	locker   lock.Locker
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService builds a withdrawal service.
func NewService(users Users, ledgerBackend ledger.Ledger, pool *chunk.Pool, locker lock.Locker, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		ledger:   ledgerBackend,
		pool:     pool,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
	}
}

// Input captures a withdrawal request.
type Input struct {
	UserID string
	Amount decimal.Decimal
}

// Result is the outcome of a withdrawal. On a partial failure it describes the
// chunks that were paid before the error.
type Result struct {
	Destination string
	Requested   decimal.Decimal
	Debited     decimal.Decimal
	References  []string
	Balance     decimal.Decimal
	CompletedAt time.Time
}

// Withdraw sends amount to the user's registered address, one chunk per
// transfer. The ledger is debited one chunk at a time as each transfer is
// accepted, so the balance always matches what actually left the pool.
func (s *Service) Withdraw(ctx context.Context, input Input) (Result, error) {
	if !input.Amount.IsPositive() {
		return Result{}, ledger.ErrInvalidAmount
	}
	user, err := s.users.Get(ctx, input.UserID)
	if err != nil {
		return Result{}, err
	}
	if user.WalletAddress == "" {
		return Result{}, ErrNoDestination
	}

	chunkSize := settlement.FromWei(s.pool.Denomination())
	if !input.Amount.Mod(chunkSize).IsZero() {
		return Result{}, ErrNotChunkAligned
	}
	count := int(input.Amount.Div(chunkSize).IntPart())

	unlock, err := s.locker.Lock(ctx, "withdrawal:"+user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lock withdrawals for %s: %w", user.ID, err)
	}
	defer unlock()

	account, err := s.ledger.AccountByUser(ctx, user.ID)
	if err != nil {
		return Result{}, err
	}
	if account.Balance.LessThan(input.Amount) {
		return Result{}, ledger.ErrInsufficientFunds
	}

	wallets, err := s.pool.Allocate(ctx, count)
	if err != nil {
		return Result{}, err
	}

	// once chunks are reserved the payout runs to completion even if the caller goes away
	payCtx := context.WithoutCancel(ctx)
	logger := s.logger.With("user_id", user.ID, "destination", user.WalletAddress)
	result := Result{
		Destination: user.WalletAddress,
		Requested:   input.Amount,
		Debited:     decimal.Zero,
		Balance:     account.Balance,
	}

	for i, w := range wallets {
		ref, err := s.pool.Spend(payCtx, w, user.WalletAddress)
		if err != nil {
			if len(result.References) > 0 {
				err = fmt.Errorf("%w: %w", ErrPartialPayout, err)
			}
			return s.abort(payCtx, logger, result, wallets[i+1:], err)
		}
		tx, err := s.ledger.Debit(payCtx, account.ID, ledger.Entry{
			Kind:         ledger.KindWithdrawal,
			Amount:       chunkSize,
			Counterparty: user.WalletAddress,
			ExternalRef:  ref,
		})
		if err != nil {
			result.References = append(result.References, ref)
			return s.abort(payCtx, logger, result, wallets[i+1:], fmt.Errorf("%w: debit chunk %s after transfer %s: %w", ErrPartialPayout, w.ID, ref, err))
		}
		result.References = append(result.References, ref)
		result.Debited = result.Debited.Add(chunkSize)
		result.Balance = result.Balance.Add(tx.Amount)
	}

	result.CompletedAt = time.Now().UTC()
	logger.Info("withdrawal completed", "amount", input.Amount.String(), "chunks", count)
	s.notify(payCtx, notification.Message{
		Kind:        notification.KindWithdrawalCompleted,
		Destination: user.ID,
		Body:        fmt.Sprintf("withdrawal of %s sent to %s", input.Amount.String(), user.WalletAddress),
		Attributes:  map[string]string{"amount": input.Amount.String(), "chunks": fmt.Sprint(count)},
	})
	return result, nil
}

func (s *Service) abort(ctx context.Context, logger *slog.Logger, result Result, unspent []chunk.Wallet, cause error) (Result, error) {
	if err := s.pool.Release(ctx, unspent); err != nil {
		logger.Error("release unspent chunks", "count", len(unspent), "error", err)
	}
	result.CompletedAt = time.Now().UTC()
	logger.Error("withdrawal interrupted",
		"requested", result.Requested.String(),
		"debited", result.Debited.String(),
		"transfers", len(result.References),
		"error", cause)
	s.notify(ctx, notification.Message{
		Kind:        notification.KindReconciliationRequired,
		Destination: "operations",
		Body:        cause.Error(),
		Attributes: map[string]string{
			"destination": result.Destination,
			"requested":   result.Requested.String(),
			"debited":     result.Debited.String(),
		},
	})
	return result, cause
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}
