package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists accounts and transactions in PostgreSQL. The account
// row is locked for the duration of each posting so concurrent credits and
// debits on one account serialize.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const accountColumns = `id, user_id, account_number, balance::text, created_at`

// OpenAccount creates the account for a user, or returns the existing one.
func (l *PostgresLedger) OpenAccount(ctx context.Context, userID string) (Account, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Account{}, fmt.Errorf("parse user id: %w", err)
	}
	if _, err := l.db.Exec(ctx, `INSERT INTO accounts (id, user_id, account_number, balance, created_at)
        VALUES ($1, $2, $3, 0, $4)
        ON CONFLICT (user_id) DO NOTHING`, uuid.New(), uid, uuid.NewString(), time.Now().UTC()); err != nil {
		return Account{}, err
	}
	return l.AccountByUser(ctx, userID)
}

// Account fetches an account by its identifier.
func (l *PostgresLedger) Account(ctx context.Context, accountID string) (Account, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return Account{}, ErrAccountNotFound
	}
	return scanAccount(l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// AccountByUser fetches the account owned by a user.
func (l *PostgresLedger) AccountByUser(ctx context.Context, userID string) (Account, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Account{}, ErrAccountNotFound
	}
	return scanAccount(l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, uid))
}

// Accounts lists every account in creation order.
func (l *PostgresLedger) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := l.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// Credit adds a positive posting to the account.
func (l *PostgresLedger) Credit(ctx context.Context, accountID string, entry Entry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}
	return l.post(ctx, accountID, entry, entry.Amount)
}

// Debit subtracts the entry amount, failing with ErrInsufficientFunds when the
// balance would go negative.
func (l *PostgresLedger) Debit(ctx context.Context, accountID string, entry Entry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}
	return l.post(ctx, accountID, entry, entry.Amount.Neg())
}

func (l *PostgresLedger) post(ctx context.Context, accountID string, entry Entry, amount decimal.Decimal) (Transaction, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return Transaction{}, ErrAccountNotFound
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var balanceText string
	if err := tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balanceText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrAccountNotFound
		}
		return Transaction{}, err
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse balance: %w", err)
	}

	if entry.ExternalRef != "" {
		existing, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+`
            FROM transactions WHERE account_id = $1 AND kind = $2 AND external_ref = $3`, id, string(entry.Kind), entry.ExternalRef))
		if err == nil {
			return existing, ErrDuplicateTransaction
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, err
		}
	}

	next := balance.Add(amount)
	if next.IsNegative() {
		return Transaction{}, ErrInsufficientFunds
	}

	rec := Transaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         entry.Kind,
		Amount:       amount,
		Timestamp:    time.Now().UTC(),
		Counterparty: entry.Counterparty,
		ExternalRef:  entry.ExternalRef,
		Status:       StatusCompleted,
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1::numeric WHERE id = $2`, next.String(), id); err != nil {
		return Transaction{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, account_id, kind, amount, occurred_at, counterparty, external_ref, status)
        VALUES ($1, $2, $3, $4::numeric, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		uuid.MustParse(rec.ID), id, string(rec.Kind), rec.Amount.String(), rec.Timestamp, rec.Counterparty, rec.ExternalRef, string(rec.Status)); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return rec, nil
}

// History returns the opening balance before since and the transactions from since onwards.
func (l *PostgresLedger) History(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, []Transaction, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return decimal.Zero, nil, ErrAccountNotFound
	}
	if _, err := l.Account(ctx, accountID); err != nil {
		return decimal.Zero, nil, err
	}

	var openingText string
	if err := l.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM transactions
        WHERE account_id = $1 AND occurred_at < $2`, id, since.UTC()).Scan(&openingText); err != nil {
		return decimal.Zero, nil, err
	}
	opening, err := decimal.NewFromString(openingText)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("parse opening balance: %w", err)
	}

	rows, err := l.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE account_id = $1 AND occurred_at >= $2
        ORDER BY occurred_at, id`, id, since.UTC())
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return decimal.Zero, nil, err
		}
		txs = append(txs, rec)
	}
	return opening, txs, rows.Err()
}

const transactionColumns = `id, account_id, kind, amount::text, occurred_at, COALESCE(counterparty, ''), COALESCE(external_ref, ''), status`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		id, userID  uuid.UUID
		acct        Account
		balanceText string
	)
	if err := row.Scan(&id, &userID, &acct.Number, &balanceText, &acct.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	acct.ID = id.String()
	acct.UserID = userID.String()
	acct.Balance = balance
	acct.CreatedAt = acct.CreatedAt.UTC()
	return acct, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		id, accountID uuid.UUID
		kind, status  string
		amountText    string
		rec           Transaction
	)
	if err := row.Scan(&id, &accountID, &kind, &amountText, &rec.Timestamp, &rec.Counterparty, &rec.ExternalRef, &status); err != nil {
		return Transaction{}, err
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.ID = id.String()
	rec.AccountID = accountID.String()
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.Amount = amount
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}
