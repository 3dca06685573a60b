package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// CharacterProfiles stores the Big Five trait analysis accumulated for a
// (user, character) pair.
type CharacterProfiles interface {
	Create(ctx context.Context, profile domain.CharacterProfile) error
	GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.CharacterProfile, error)
}

type PgCharacterProfileRepository struct {
	pool *pgxpool.Pool
}

func NewPgCharacterProfileRepository(pool *pgxpool.Pool) *PgCharacterProfileRepository {
	return &PgCharacterProfileRepository{pool: pool}
}

func (r *PgCharacterProfileRepository) Create(ctx context.Context, profile domain.CharacterProfile) error {
	const query = `
		INSERT INTO character_profiles
			(id, user_id, character_id, openness, conscientiousness, extraversion, agreeableness, neuroticism, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, character_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		profile.ID,
		profile.UserID,
		profile.CharacterID,
		profile.Big5.Openness,
		profile.Big5.Conscientiousness,
		profile.Big5.Extraversion,
		profile.Big5.Agreeableness,
		profile.Big5.Neuroticism,
		profile.CreatedAt,
	)
	return err
}

func (r *PgCharacterProfileRepository) GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.CharacterProfile, error) {
	const query = `
		SELECT id, user_id, character_id, openness, conscientiousness, extraversion, agreeableness, neuroticism, created_at
		FROM character_profiles
		WHERE user_id = $1 AND character_id = $2
	`
	var profile domain.CharacterProfile
	err := r.pool.QueryRow(ctx, query, userID, characterID).Scan(
		&profile.ID,
		&profile.UserID,
		&profile.CharacterID,
		&profile.Big5.Openness,
		&profile.Big5.Conscientiousness,
		&profile.Big5.Extraversion,
		&profile.Big5.Agreeableness,
		&profile.Big5.Neuroticism,
		&profile.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CharacterProfile{}, err
	}
	return profile, err
}
