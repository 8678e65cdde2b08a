package chunk

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore stores chunk and leftover wallets in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a store backed by PostgreSQL.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const chunkColumns = `id, seq, address, private_key, source_address, denomination::text, state, COALESCE(spend_ref, ''), created_at, used_at`

// AddChunk inserts an available chunk wallet.
func (s *PostgresStore) AddChunk(ctx context.Context, w Wallet) (Wallet, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return Wallet{}, err
	}
	row := s.db.QueryRow(ctx, `INSERT INTO chunk_wallets (id, address, private_key, source_address, denomination, state, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
        RETURNING `+chunkColumns,
		id, w.Address, w.PrivateKey, w.SourceAddress, w.Denomination.String(), string(StateAvailable), w.CreatedAt.UTC())
	return scanChunk(row)
}

// AddLeftover inserts a leftover wallet record.
func (s *PostgresStore) AddLeftover(ctx context.Context, l Leftover) error {
	id, err := uuid.Parse(l.ID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO leftover_wallets (id, address, private_key, amount, created_at)
        VALUES ($1, $2, $3, $4::numeric, $5)`, id, l.Address, l.PrivateKey, l.Amount.String(), l.CreatedAt.UTC())
	return err
}

// Claim locks the n oldest available rows, skipping rows another claimer holds,
// and flips them to reserved in the same transaction.
func (s *PostgresStore) Claim(ctx context.Context, n int) ([]Wallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT id::text FROM chunk_wallets
        WHERE state = $1
        ORDER BY seq
        LIMIT $2
        FOR UPDATE SKIP LOCKED`, string(StateAvailable), n)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) < n {
		return nil, ErrInsufficientInventory
	}

	rows, err = tx.Query(ctx, `UPDATE chunk_wallets SET state = $1
        WHERE id = ANY($2::uuid[]) AND state = $3
        RETURNING `+chunkColumns, string(StateReserved), ids, string(StateAvailable))
	if err != nil {
		return nil, err
	}
	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Wallet, error) {
		return scanChunk(row)
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) < n {
		return nil, ErrInsufficientInventory
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	sortBySeq(claimed)
	return claimed, nil
}

// Release returns reserved chunks to the available set.
func (s *PostgresStore) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE chunk_wallets SET state = $1
        WHERE id = ANY($2::uuid[]) AND state = $3`, string(StateAvailable), ids, string(StateReserved))
	return err
}

// MarkUsed records the spend of a reserved chunk.
func (s *PostgresStore) MarkUsed(ctx context.Context, id, ref string, at time.Time) error {
	chunkID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotReserved
	}
	tag, err := s.db.Exec(ctx, `UPDATE chunk_wallets SET state = $1, spend_ref = $2, used_at = $3
        WHERE id = $4 AND state = $5`, string(StateUsed), ref, at.UTC(), chunkID, string(StateReserved))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

// CountAvailable reports how many chunks can be allocated right now.
func (s *PostgresStore) CountAvailable(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM chunk_wallets WHERE state = $1`, string(StateAvailable)).Scan(&count)
	return count, err
}

// Leftovers lists leftover wallets oldest first.
func (s *PostgresStore) Leftovers(ctx context.Context) ([]Leftover, error) {
	rows, err := s.db.Query(ctx, `SELECT id, address, private_key, amount::text, created_at
        FROM leftover_wallets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Leftover
	for rows.Next() {
		var (
			id         uuid.UUID
			l          Leftover
			amountText string
		)
		if err := rows.Scan(&id, &l.Address, &l.PrivateKey, &amountText, &l.CreatedAt); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(amountText, 10)
		if !ok {
			return nil, fmt.Errorf("parse leftover amount %q", amountText)
		}
		l.ID = id.String()
		l.Amount = amount
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanChunk(row pgx.Row) (Wallet, error) {
	var (
		id        uuid.UUID
		w         Wallet
		denomText string
		state     string
	)
	if err := row.Scan(&id, &w.Seq, &w.Address, &w.PrivateKey, &w.SourceAddress, &denomText, &state, &w.SpendRef, &w.CreatedAt, &w.UsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotReserved
		}
		return Wallet{}, err
	}
	denom, ok := new(big.Int).SetString(denomText, 10)
	if !ok {
		return Wallet{}, fmt.Errorf("parse denomination %q", denomText)
	}
	w.ID = id.String()
	w.Denomination = denom
	w.State = State(state)
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}
