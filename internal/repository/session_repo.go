package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Sessions enforces "at most one active session per (user_id, character_id)":
// Create is an upsert that returns the existing session if present.
type Sessions interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	Get(ctx context.Context, id string) (domain.Session, error)
	GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.Session, error)
	IncrementMessageCount(ctx context.Context, id string, n int) error
	// IncrementMessageCountTx is IncrementMessageCount's transaction-scoped
	// twin, used by the pipeline's single-transaction persist step.
	IncrementMessageCountTx(ctx context.Context, tx pgx.Tx, id string, n int) error
	SetScenario(ctx context.Context, id, scenarioID string) error
	RecordConsent(ctx context.Context, id, tierName string) error
	SoftDelete(ctx context.Context, id string) error
}

type PgSessionRepository struct {
	pool *pgxpool.Pool
}

func NewPgSessionRepository(pool *pgxpool.Pool) *PgSessionRepository {
	return &PgSessionRepository{pool: pool}
}

func (r *PgSessionRepository) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	const query = `
		INSERT INTO sessions (id, user_id, character_id, character_name, total_messages, scenario_id, consented_tiers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, '[]', $6, $6)
		ON CONFLICT (user_id, character_id) WHERE deleted_at IS NULL DO NOTHING
		RETURNING id, user_id, character_id, character_name, total_messages, scenario_id, consented_tiers, created_at, updated_at
	`
	var out domain.Session
	var consented []byte
	err := r.pool.QueryRow(ctx, query,
		session.ID,
		session.UserID,
		session.CharacterID,
		session.CharacterName,
		session.ScenarioID,
		session.CreatedAt,
	).Scan(&out.ID, &out.UserID, &out.CharacterID, &out.CharacterName, &out.TotalMessages, &out.ScenarioID, &consented, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetByUserAndCharacter(ctx, session.UserID, session.CharacterID)
	}
	if err != nil {
		return domain.Session{}, err
	}
	if len(consented) > 0 {
		if err := json.Unmarshal(consented, &out.ConsentedTiers); err != nil {
			return domain.Session{}, err
		}
	}
	return out, nil
}

func (r *PgSessionRepository) Get(ctx context.Context, id string) (domain.Session, error) {
	const query = `
		SELECT id, user_id, character_id, character_name, total_messages, scenario_id, consented_tiers, created_at, updated_at
		FROM sessions
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *PgSessionRepository) GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.Session, error) {
	const query = `
		SELECT id, user_id, character_id, character_name, total_messages, scenario_id, consented_tiers, created_at, updated_at
		FROM sessions
		WHERE user_id = $1 AND character_id = $2 AND deleted_at IS NULL
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, userID, characterID))
}

func (r *PgSessionRepository) scanOne(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	var consented []byte
	if err := row.Scan(&s.ID, &s.UserID, &s.CharacterID, &s.CharacterName, &s.TotalMessages, &s.ScenarioID, &consented, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Session{}, err
	}
	if len(consented) > 0 {
		if err := json.Unmarshal(consented, &s.ConsentedTiers); err != nil {
			return domain.Session{}, err
		}
	}
	return s, nil
}

func (r *PgSessionRepository) IncrementMessageCount(ctx context.Context, id string, n int) error {
	const query = `UPDATE sessions SET total_messages = total_messages + $1, updated_at = now() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, n, id)
	return err
}

func (r *PgSessionRepository) IncrementMessageCountTx(ctx context.Context, tx pgx.Tx, id string, n int) error {
	const query = `UPDATE sessions SET total_messages = total_messages + $1, updated_at = now() WHERE id = $2`
	_, err := tx.Exec(ctx, query, n, id)
	return err
}

func (r *PgSessionRepository) SetScenario(ctx context.Context, id, scenarioID string) error {
	const query = `UPDATE sessions SET scenario_id = $1, updated_at = now() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, scenarioID, id)
	return err
}

// RecordConsent appends tierName to the session's consent record if not
// already present. The read-modify-write is safe without a row lock: consent
// is additive and idempotent, and a lost update only means the caller (or a
// concurrent request) re-records it on the next message.
func (r *PgSessionRepository) RecordConsent(ctx context.Context, id, tierName string) error {
	session, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.HasConsented(tierName) {
		return nil
	}
	session.ConsentedTiers = append(session.ConsentedTiers, tierName)
	encoded, err := json.Marshal(session.ConsentedTiers)
	if err != nil {
		return err
	}
	const query = `UPDATE sessions SET consented_tiers = $1, updated_at = now() WHERE id = $2`
	_, err = r.pool.Exec(ctx, query, encoded, id)
	return err
}

func (r *PgSessionRepository) SoftDelete(ctx context.Context, id string) error {
	const query = `UPDATE sessions SET deleted_at = now(), updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}
