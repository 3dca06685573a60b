package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Gifts is the durable record of every gift send, written inside the same
// transaction as the wallet deduction and the XP/effect side effects.
type Gifts interface {
	Create(ctx context.Context, tx pgx.Tx, gift domain.Gift) error
	MarkAcknowledged(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Gift, error)
	ListPending(ctx context.Context, userID, characterID string) ([]domain.Gift, error)
}

type PgGiftRepository struct {
	pool *pgxpool.Pool
}

func NewPgGiftRepository(pool *pgxpool.Pool) *PgGiftRepository {
	return &PgGiftRepository{pool: pool}
}

func (r *PgGiftRepository) Create(ctx context.Context, tx pgx.Tx, gift domain.Gift) error {
	const query = `
		INSERT INTO gifts (id, user_id, character_id, session_id, type, price, xp_reward, tier, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		gift.ID, gift.UserID, gift.CharacterID, gift.SessionID, gift.Type,
		gift.Price, gift.XPReward, gift.Tier, gift.Status, gift.IdempotencyKey, gift.CreatedAt,
	)
	return err
}

func (r *PgGiftRepository) MarkAcknowledged(ctx context.Context, id string) error {
	const query = `UPDATE gifts SET status = $1, acknowledged_at = now() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, domain.GiftStatusAcknowledged, id)
	return err
}

func (r *PgGiftRepository) MarkFailed(ctx context.Context, id string) error {
	const query = `UPDATE gifts SET status = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, domain.GiftStatusFailed, id)
	return err
}

// ListByUser returns a user's gift sends most-recent-first.
func (r *PgGiftRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Gift, error) {
	const query = `
		SELECT id, user_id, character_id, session_id, type, price, xp_reward, tier, status, idempotency_key, created_at, acknowledged_at
		FROM gifts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Gift
	for rows.Next() {
		var g domain.Gift
		var sessionID *string
		if err := rows.Scan(&g.ID, &g.UserID, &g.CharacterID, &sessionID, &g.Type, &g.Price, &g.XPReward, &g.Tier, &g.Status, &g.IdempotencyKey, &g.CreatedAt, &g.AcknowledgedAt); err != nil {
			return nil, err
		}
		if sessionID != nil {
			g.SessionID = *sessionID
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListPending returns gifts for a user/character pair still sitting in
// pending or failed status: a crash between the debit commit and the
// synchronous acknowledgment call leaves a gift at pending forever, and a
// failed acknowledgment call leaves it at failed forever, unless something
// retries it. Both are candidates for GiftService.RetryPendingAcknowledgments.
func (r *PgGiftRepository) ListPending(ctx context.Context, userID, characterID string) ([]domain.Gift, error) {
	const query = `
		SELECT id, user_id, character_id, session_id, type, price, xp_reward, tier, status, idempotency_key, created_at, acknowledged_at
		FROM gifts
		WHERE user_id = $1 AND character_id = $2 AND status IN ($3, $4)
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, characterID, domain.GiftStatusPending, domain.GiftStatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Gift
	for rows.Next() {
		var g domain.Gift
		var sessionID *string
		if err := rows.Scan(&g.ID, &g.UserID, &g.CharacterID, &sessionID, &g.Type, &g.Price, &g.XPReward, &g.Tier, &g.Status, &g.IdempotencyKey, &g.CreatedAt, &g.AcknowledgedAt); err != nil {
			return nil, err
		}
		if sessionID != nil {
			g.SessionID = *sessionID
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
