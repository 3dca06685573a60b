package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Ledger is append-only: every wallet mutation writes one row in the same
// transaction as the balance change, never updated or deleted afterward.
type Ledger interface {
	Append(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

type PgLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewPgLedgerRepository(pool *pgxpool.Pool) *PgLedgerRepository {
	return &PgLedgerRepository{pool: pool}
}

func (r *PgLedgerRepository) Append(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) error {
	extra, err := json.Marshal(entry.ExtraData)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO ledger_entries (id, user_id, type, amount, balance_after, description, extra_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, query,
		entry.ID, entry.UserID, entry.Type, entry.Amount, entry.BalanceAfter, entry.Description, extra, entry.CreatedAt,
	)
	return err
}

func (r *PgLedgerRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, user_id, type, amount, balance_after, description, extra_data, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var extra []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter, &e.Description, &extra, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &e.ExtraData); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
