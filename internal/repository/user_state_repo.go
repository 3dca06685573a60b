package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// UserStates is the relationship-state store for a (user, character) pair:
// intimacy XP/level, emotion score/state, streaks and milestone events.
// Save is a compare-and-swap on Version; a mismatch returns
// domain.ErrVersionConflict and the caller re-reads and retries.
type UserStates interface {
	Create(ctx context.Context, state domain.UserState) error
	Get(ctx context.Context, userID, characterID string) (domain.UserState, error)
	Save(ctx context.Context, state domain.UserState) error
	// GetForUpdate and SaveTx let a caller (the gift transaction) fold the
	// intimacy/emotion mutation into the same commit as the wallet debit.
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID, characterID string) (domain.UserState, error)
	SaveTx(ctx context.Context, tx pgx.Tx, state domain.UserState) error
}

type PgUserStateRepository struct {
	pool *pgxpool.Pool
}

func NewPgUserStateRepository(pool *pgxpool.Pool) *PgUserStateRepository {
	return &PgUserStateRepository{pool: pool}
}

func (r *PgUserStateRepository) Create(ctx context.Context, state domain.UserState) error {
	events, err := json.Marshal(state.Events)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO user_states (
			user_id, character_id, intimacy_xp, intimacy_level, stage,
			emotion_score, emotion_state, daily_xp_earned, last_daily_reset,
			streak_days, last_interaction_date, events, version,
			last_emotion_update, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14, $14)
		ON CONFLICT (user_id, character_id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		state.UserID, state.CharacterID, state.IntimacyXP, state.IntimacyLevel, state.Stage,
		state.EmotionScore, state.EmotionState, state.DailyXPEarned, state.LastDailyReset,
		state.StreakDays, state.LastInteractionDate, events,
		state.LastEmotionUpdate, state.CreatedAt,
	)
	return err
}

func (r *PgUserStateRepository) Get(ctx context.Context, userID, characterID string) (domain.UserState, error) {
	const query = `
		SELECT user_id, character_id, intimacy_xp, intimacy_level, stage,
			emotion_score, emotion_state, daily_xp_earned, last_daily_reset,
			streak_days, last_interaction_date, events, version,
			last_emotion_update, created_at, updated_at
		FROM user_states
		WHERE user_id = $1 AND character_id = $2
	`
	var s domain.UserState
	var events []byte
	err := r.pool.QueryRow(ctx, query, userID, characterID).Scan(
		&s.UserID, &s.CharacterID, &s.IntimacyXP, &s.IntimacyLevel, &s.Stage,
		&s.EmotionScore, &s.EmotionState, &s.DailyXPEarned, &s.LastDailyReset,
		&s.StreakDays, &s.LastInteractionDate, &events, &s.Version,
		&s.LastEmotionUpdate, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserState{}, err
	}
	if err != nil {
		return domain.UserState{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return domain.UserState{}, err
		}
	}
	return s, nil
}

func (r *PgUserStateRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID, characterID string) (domain.UserState, error) {
	const query = `
		SELECT user_id, character_id, intimacy_xp, intimacy_level, stage,
			emotion_score, emotion_state, daily_xp_earned, last_daily_reset,
			streak_days, last_interaction_date, events, version,
			last_emotion_update, created_at, updated_at
		FROM user_states
		WHERE user_id = $1 AND character_id = $2
		FOR UPDATE
	`
	var s domain.UserState
	var events []byte
	err := tx.QueryRow(ctx, query, userID, characterID).Scan(
		&s.UserID, &s.CharacterID, &s.IntimacyXP, &s.IntimacyLevel, &s.Stage,
		&s.EmotionScore, &s.EmotionState, &s.DailyXPEarned, &s.LastDailyReset,
		&s.StreakDays, &s.LastInteractionDate, &events, &s.Version,
		&s.LastEmotionUpdate, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserState{}, err
	}
	if err != nil {
		return domain.UserState{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return domain.UserState{}, err
		}
	}
	return s, nil
}

func (r *PgUserStateRepository) SaveTx(ctx context.Context, tx pgx.Tx, state domain.UserState) error {
	events, err := json.Marshal(state.Events)
	if err != nil {
		return err
	}
	const query = `
		UPDATE user_states
		SET intimacy_xp = $1, intimacy_level = $2, stage = $3,
			emotion_score = $4, emotion_state = $5, daily_xp_earned = $6, last_daily_reset = $7,
			streak_days = $8, last_interaction_date = $9, events = $10, version = version + 1,
			last_emotion_update = $11, updated_at = $12
		WHERE user_id = $13 AND character_id = $14 AND version = $15
	`
	tag, err := tx.Exec(ctx, query,
		state.IntimacyXP, state.IntimacyLevel, state.Stage,
		state.EmotionScore, state.EmotionState, state.DailyXPEarned, state.LastDailyReset,
		state.StreakDays, state.LastInteractionDate, events,
		state.LastEmotionUpdate, state.UpdatedAt,
		state.UserID, state.CharacterID, state.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *PgUserStateRepository) Save(ctx context.Context, state domain.UserState) error {
	events, err := json.Marshal(state.Events)
	if err != nil {
		return err
	}
	const query = `
		UPDATE user_states
		SET intimacy_xp = $1, intimacy_level = $2, stage = $3,
			emotion_score = $4, emotion_state = $5, daily_xp_earned = $6, last_daily_reset = $7,
			streak_days = $8, last_interaction_date = $9, events = $10, version = version + 1,
			last_emotion_update = $11, updated_at = $12
		WHERE user_id = $13 AND character_id = $14 AND version = $15
	`
	tag, err := r.pool.Exec(ctx, query,
		state.IntimacyXP, state.IntimacyLevel, state.Stage,
		state.EmotionScore, state.EmotionState, state.DailyXPEarned, state.LastDailyReset,
		state.StreakDays, state.LastInteractionDate, events,
		state.LastEmotionUpdate, state.UpdatedAt,
		state.UserID, state.CharacterID, state.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
