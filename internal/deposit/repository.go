package deposit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists deposit wallets.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	// MarkProcessed flips processed from false to true and reports whether
	// this call made the change.
	MarkProcessed(ctx context.Context, id string) (bool, error)
	// Pending lists unprocessed wallets that have not expired at now.
	Pending(ctx context.Context, now time.Time) ([]Wallet, error)
	// Delete removes an unprocessed wallet that was never handed out.
	Delete(ctx context.Context, id string) error
}

// PostgresRepository stores deposit wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `id, user_id, account_id, address, private_key, created_at, expires_at, processed`

// Create inserts a deposit wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(wallet.UserID)
	if err != nil {
		return err
	}
	accountID, err := uuid.Parse(wallet.AccountID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO deposit_wallets (id, user_id, account_id, address, private_key, created_at, expires_at, processed)
        VALUES ($1, $2, $3, $4, $5, $6, $7, false)`,
		walletID, userID, accountID, wallet.Address, wallet.PrivateKey, wallet.CreatedAt.UTC(), wallet.ExpiresAt.UTC())
	return err
}

// Get fetches a deposit wallet by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM deposit_wallets WHERE id = $1`, walletID))
}

// MarkProcessed sets processed only if it was still false.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id string) (bool, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return false, ErrWalletNotFound
	}
	tag, err := r.db.Exec(ctx, `UPDATE deposit_wallets SET processed = true, processed_at = $2
        WHERE id = $1 AND processed = false`, walletID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a wallet row unless it has already been processed.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return ErrWalletNotFound
	}
	_, err = r.db.Exec(ctx, `DELETE FROM deposit_wallets WHERE id = $1 AND processed = false`, walletID)
	return err
}

// Pending lists unprocessed, unexpired wallets oldest first.
func (r *PostgresRepository) Pending(ctx context.Context, now time.Time) ([]Wallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
        WHERE processed = false AND expires_at > $1
        ORDER BY created_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w                     Wallet
		id, userID, accountID uuid.UUID
	)
	if err := row.Scan(&id, &userID, &accountID, &w.Address, &w.PrivateKey, &w.CreatedAt, &w.ExpiresAt, &w.Processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.ID = id.String()
	w.UserID = userID.String()
	w.AccountID = accountID.String()
	w.CreatedAt = w.CreatedAt.UTC()
	w.ExpiresAt = w.ExpiresAt.UTC()
	return w, nil
}
