// Package deposit hands out disposable deposit addresses and watches them until
// funds confirm or the address expires.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/notification"
	"github.com/chunkvault/chunkvault/internal/settlement"
	"github.com/chunkvault/chunkvault/internal/tasks"
)

// Clock abstracts time so watchers can be driven deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now().UTC() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config bounds each watcher.
type Config struct {
	TTL          time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// Deps groups the collaborators a Monitor needs.
type Deps struct {
	Repo     Repository
	Ledger   ledger.Ledger
	Network  settlement.Network
	Pool     *chunk.Pool
	Tasks    *tasks.Registry
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Monitor creates deposit wallets and runs one watcher per active wallet.
type Monitor struct {
	repo     Repository
	ledger   ledger.Ledger
	network  settlement.Network
	pool     *chunk.Pool
	tasks    *tasks.Registry
	notifier notification.Notifier
	logger   *slog.Logger
	cfg      Config
	clock    Clock
}

// NewMonitor builds a deposit monitor.
func NewMonitor(d Deps, cfg Config) *Monitor {
	return &Monitor{
		repo:     d.Repo,
		ledger:   d.Ledger,
		network:  d.Network,
		pool:     d.Pool,
		tasks:    d.Tasks,
		notifier: d.Notifier,
		logger:   d.Logger,
		cfg:      cfg,
		clock:    systemClock{},
	}
}

// WithClock replaces the wall clock, for tests.
func (m *Monitor) WithClock(clock Clock) *Monitor {
	m.clock = clock
	return m
}

// RequestAddress creates a deposit wallet for the user and starts watching it.
func (m *Monitor) RequestAddress(ctx context.Context, userID string) (Wallet, error) {
	account, err := m.ledger.AccountByUser(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	cred, err := m.network.CreateAddress(ctx)
	if err != nil {
		return Wallet{}, fmt.Errorf("create deposit address: %w", err)
	}

	now := m.clock.Now()
	wallet := Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		AccountID:  account.ID,
		Address:    cred.Address,
		PrivateKey: cred.PrivateKey,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TTL),
	}
	if err := m.repo.Create(ctx, wallet); err != nil {
		return Wallet{}, err
	}
	if err := m.launch(wallet); err != nil {
		// the address was never handed out; drop it so Resume does not watch it later
		if derr := m.repo.Delete(context.WithoutCancel(ctx), wallet.ID); derr != nil {
			m.logger.Error("discard unwatched deposit wallet", "address", wallet.Address, "error", derr)
		}
		return Wallet{}, err
	}

	m.logger.Info("deposit address issued", "user_id", userID, "address", wallet.Address, "expires_at", wallet.ExpiresAt)
	return wallet, nil
}

// Resume restarts watchers for wallets that were still pending when the
// process last stopped. Expiry is kept; the attempt budget starts over.
func (m *Monitor) Resume(ctx context.Context) (int, error) {
	pending, err := m.repo.Pending(ctx, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list pending deposit wallets: %w", err)
	}
	started := 0
	for _, w := range pending {
		if err := m.launch(w); err != nil {
			m.logger.Error("resume deposit watcher", "address", w.Address, "error", err)
			continue
		}
		started++
	}
	if started > 0 {
		m.logger.Info("deposit watchers resumed", "count", started)
	}
	return started, nil
}

func (m *Monitor) launch(w Wallet) error {
	return m.tasks.Go("deposit:"+w.Address, func(ctx context.Context) error {
		_, err := m.watch(ctx, w)
		return err
	})
}

// watch polls the wallet's confirmed balance until funds arrive, the attempt
// budget runs out, or the wallet expires.
func (m *Monitor) watch(ctx context.Context, w Wallet) (State, error) {
	logger := m.logger.With("address", w.Address, "user_id", w.UserID)
	attempts := 0
	for {
		if attempts >= m.cfg.MaxAttempts || w.Expired(m.clock.Now()) {
			m.expire(ctx, w, attempts)
			return StateExpired, nil
		}
		attempts++

		balance, err := m.network.ConfirmedBalance(ctx, w.Address)
		switch {
		case err != nil:
			logger.Warn("deposit balance check failed", "attempt", attempts, "error", err)
		case balance.Sign() > 0:
			return m.settle(context.WithoutCancel(ctx), w, balance)
		default:
			logger.Debug("no confirmed deposit yet", "attempt", attempts)
		}

		if attempts >= m.cfg.MaxAttempts {
			continue
		}
		select {
		case <-ctx.Done():
			return StateWatching, ctx.Err()
		case <-m.clock.After(m.cfg.PollInterval):
		}
	}
}

// settle credits the observed amount and repackages it into chunks. The
// credit carries the deposit address as external reference, so a repeated
// settlement of the same wallet never credits twice.
func (m *Monitor) settle(ctx context.Context, w Wallet, amount *big.Int) (State, error) {
	logger := m.logger.With("address", w.Address, "user_id", w.UserID)
	value := settlement.FromWei(amount)

	_, err := m.ledger.Credit(ctx, w.AccountID, ledger.Entry{
		Kind:         ledger.KindDeposit,
		Amount:       value,
		Counterparty: w.Address,
		ExternalRef:  "deposit:" + w.Address,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		logger.Error("credit deposit", "amount", value.String(), "error", err)
		m.reconcile(ctx, w, amount, err)
		return StateWatching, fmt.Errorf("credit deposit %s: %w", w.Address, err)
	}

	won, err := m.repo.MarkProcessed(ctx, w.ID)
	if err != nil {
		logger.Error("mark deposit processed", "error", err)
		m.reconcile(ctx, w, amount, err)
		return StateWatching, err
	}
	if !won {
		logger.Info("deposit already settled elsewhere")
		return StateSettled, nil
	}

	res, err := m.pool.Repackage(ctx, settlement.Credential{Address: w.Address, PrivateKey: w.PrivateKey}, amount)
	if err != nil {
		logger.Error("deposit credited but repackaging failed", "amount", value.String(), "chunks", len(res.Chunks), "error", err)
		m.reconcile(ctx, w, amount, err)
		return StateSettled, err
	}

	logger.Info("deposit settled", "amount", value.String(), "chunks", len(res.Chunks))
	m.notify(ctx, notification.Message{
		Kind:        notification.KindDepositSettled,
		Destination: w.UserID,
		Body:        fmt.Sprintf("deposit of %s credited", value.String()),
		Attributes:  map[string]string{"address": w.Address, "amount": value.String()},
	})
	return StateSettled, nil
}

func (m *Monitor) expire(ctx context.Context, w Wallet, attempts int) {
	m.logger.Info("deposit address expired", "address", w.Address, "user_id", w.UserID, "attempts", attempts)
	m.notify(context.WithoutCancel(ctx), notification.Message{
		Kind:        notification.KindDepositExpired,
		Destination: w.UserID,
		Body:        "deposit address expired without a confirmed deposit",
		Attributes:  map[string]string{"address": w.Address},
	})
}

func (m *Monitor) reconcile(ctx context.Context, w Wallet, amount *big.Int, cause error) {
	m.notify(ctx, notification.Message{
		Kind:        notification.KindReconciliationRequired,
		Destination: "operations",
		Body:        cause.Error(),
		Attributes: map[string]string{
			"address":    w.Address,
			"user_id":    w.UserID,
			"amount_wei": amount.String(),
		},
	})
}

func (m *Monitor) notify(ctx context.Context, msg notification.Message) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}
