package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Effects stores the at-most-one-per-type active gift effect for a
// (user, character) pair. Upsert replaces rather than stacks.
type Effects interface {
	Upsert(ctx context.Context, tx pgx.Tx, effect domain.ActiveEffect) error
	ListActive(ctx context.Context, userID, characterID string) ([]domain.ActiveEffect, error)
	Decrement(ctx context.Context, id string) (domain.ActiveEffect, error)
	Delete(ctx context.Context, id string) error
}

type PgEffectRepository struct {
	pool *pgxpool.Pool
}

func NewPgEffectRepository(pool *pgxpool.Pool) *PgEffectRepository {
	return &PgEffectRepository{pool: pool}
}

func (r *PgEffectRepository) Upsert(ctx context.Context, tx pgx.Tx, effect domain.ActiveEffect) error {
	const query = `
		INSERT INTO active_effects (id, user_id, character_id, effect_type, prompt_modifier, remaining_messages, gift_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, character_id, effect_type)
		DO UPDATE SET id = $1, prompt_modifier = $5, remaining_messages = $6, gift_id = $7
	`
	_, err := tx.Exec(ctx, query,
		effect.ID, effect.UserID, effect.CharacterID, effect.EffectType,
		effect.PromptModifier, effect.RemainingMessages, effect.GiftID,
	)
	return err
}

func (r *PgEffectRepository) ListActive(ctx context.Context, userID, characterID string) ([]domain.ActiveEffect, error) {
	const query = `
		SELECT id, user_id, character_id, effect_type, prompt_modifier, remaining_messages, gift_id
		FROM active_effects
		WHERE user_id = $1 AND character_id = $2
	`
	rows, err := r.pool.Query(ctx, query, userID, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var effects []domain.ActiveEffect
	for rows.Next() {
		var e domain.ActiveEffect
		if err := rows.Scan(&e.ID, &e.UserID, &e.CharacterID, &e.EffectType, &e.PromptModifier, &e.RemainingMessages, &e.GiftID); err != nil {
			return nil, err
		}
		effects = append(effects, e)
	}
	return effects, rows.Err()
}

func (r *PgEffectRepository) Decrement(ctx context.Context, id string) (domain.ActiveEffect, error) {
	const query = `
		UPDATE active_effects
		SET remaining_messages = remaining_messages - 1
		WHERE id = $1
		RETURNING id, user_id, character_id, effect_type, prompt_modifier, remaining_messages, gift_id
	`
	var e domain.ActiveEffect
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.UserID, &e.CharacterID, &e.EffectType, &e.PromptModifier, &e.RemainingMessages, &e.GiftID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ActiveEffect{}, err
	}
	return e, err
}

func (r *PgEffectRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM active_effects WHERE id = $1`, id)
	return err
}
