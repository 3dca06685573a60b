package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Wallets backs the credit ledger. GetForUpdate must run inside a transaction
// (see UnitOfWork): it locks the row so the lazy daily-refresh check and the
// deduction that follows it observe a consistent balance.
type Wallets interface {
	Create(ctx context.Context, wallet domain.Wallet) error
	Get(ctx context.Context, userID string) (domain.Wallet, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (domain.Wallet, error)
	Save(ctx context.Context, tx pgx.Tx, wallet domain.Wallet) error
}

type PgWalletRepository struct {
	pool *pgxpool.Pool
}

func NewPgWalletRepository(pool *pgxpool.Pool) *PgWalletRepository {
	return &PgWalletRepository{pool: pool}
}

func (r *PgWalletRepository) Create(ctx context.Context, wallet domain.Wallet) error {
	const query = `
		INSERT INTO wallets (user_id, daily_free_credits, purchased_credits, bonus_credits, daily_refreshed_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		wallet.UserID, wallet.DailyFreeCredits, wallet.PurchasedCredits, wallet.BonusCredits,
		wallet.DailyRefreshedAt, wallet.CreatedAt,
	)
	return err
}

func (r *PgWalletRepository) Get(ctx context.Context, userID string) (domain.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, walletSelectQuery, userID))
}

// GetForUpdate locks the wallet row for the lifetime of tx.
func (r *PgWalletRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (domain.Wallet, error) {
	return scanWallet(tx.QueryRow(ctx, walletSelectQuery+" FOR UPDATE", userID))
}

const walletSelectQuery = `
	SELECT user_id, daily_free_credits, purchased_credits, bonus_credits, daily_refreshed_at, version, created_at, updated_at
	FROM wallets
	WHERE user_id = $1
`

func scanWallet(row pgx.Row) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(
		&w.UserID, &w.DailyFreeCredits, &w.PurchasedCredits, &w.BonusCredits,
		&w.DailyRefreshedAt, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, err
	}
	return w, err
}

// Save writes the wallet back with an optimistic-concurrency version bump,
// failing with domain.ErrVersionConflict if another writer raced it.
func (r *PgWalletRepository) Save(ctx context.Context, tx pgx.Tx, wallet domain.Wallet) error {
	const query = `
		UPDATE wallets
		SET daily_free_credits = $1, purchased_credits = $2, bonus_credits = $3,
			daily_refreshed_at = $4, version = version + 1, updated_at = $5
		WHERE user_id = $6 AND version = $7
	`
	tag, err := tx.Exec(ctx, query,
		wallet.DailyFreeCredits, wallet.PurchasedCredits, wallet.BonusCredits,
		wallet.DailyRefreshedAt, wallet.UpdatedAt, wallet.UserID, wallet.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
