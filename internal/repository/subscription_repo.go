package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Subscriptions stores one billing plan row per user. EffectiveTier's
// expiry-triggered downgrade is computed in the service layer and persisted
// back through Save, never inferred at read time by this repository.
type Subscriptions interface {
	Create(ctx context.Context, sub domain.Subscription) error
	Get(ctx context.Context, userID string) (domain.Subscription, error)
	Save(ctx context.Context, sub domain.Subscription) error
	// SaveTx lets the expiry downgrade commit atomically with its ledger entry.
	SaveTx(ctx context.Context, tx pgx.Tx, sub domain.Subscription) error
}

type PgSubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewPgSubscriptionRepository(pool *pgxpool.Pool) *PgSubscriptionRepository {
	return &PgSubscriptionRepository{pool: pool}
}

func (r *PgSubscriptionRepository) Create(ctx context.Context, sub domain.Subscription) error {
	const query = `
		INSERT INTO subscriptions (user_id, tier, started_at, expires_at, auto_renew, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, sub.UserID, sub.Tier, sub.StartedAt, sub.ExpiresAt, sub.AutoRenew, sub.UpdatedAt)
	return err
}

func (r *PgSubscriptionRepository) Get(ctx context.Context, userID string) (domain.Subscription, error) {
	const query = `
		SELECT user_id, tier, started_at, expires_at, auto_renew, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`
	var s domain.Subscription
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.Tier, &s.StartedAt, &s.ExpiresAt, &s.AutoRenew, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscription{}, err
	}
	return s, err
}

func (r *PgSubscriptionRepository) SaveTx(ctx context.Context, tx pgx.Tx, sub domain.Subscription) error {
	const query = `
		UPDATE subscriptions
		SET tier = $1, started_at = $2, expires_at = $3, auto_renew = $4, updated_at = $5
		WHERE user_id = $6
	`
	_, err := tx.Exec(ctx, query, sub.Tier, sub.StartedAt, sub.ExpiresAt, sub.AutoRenew, sub.UpdatedAt, sub.UserID)
	return err
}

func (r *PgSubscriptionRepository) Save(ctx context.Context, sub domain.Subscription) error {
	const query = `
		UPDATE subscriptions
		SET tier = $1, started_at = $2, expires_at = $3, auto_renew = $4, updated_at = $5
		WHERE user_id = $6
	`
	_, err := r.pool.Exec(ctx, query, sub.Tier, sub.StartedAt, sub.ExpiresAt, sub.AutoRenew, sub.UpdatedAt, sub.UserID)
	return err
}
