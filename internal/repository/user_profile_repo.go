package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// UserProfiles stores the durable facts the Prompt Builder's memory block
// opens with (name, birthday, likes, ...), separate from the episodic
// Memories store. A missing row is not an error: callers fall back to an
// empty domain.UserProfile and the memory block simply omits the section.
type UserProfiles interface {
	Get(ctx context.Context, userID string) (domain.UserProfile, error)
	Upsert(ctx context.Context, profile domain.UserProfile) error
}

type PgUserProfileRepository struct {
	pool *pgxpool.Pool
}

func NewPgUserProfileRepository(pool *pgxpool.Pool) *PgUserProfileRepository {
	return &PgUserProfileRepository{pool: pool}
}

func (r *PgUserProfileRepository) Get(ctx context.Context, userID string) (domain.UserProfile, error) {
	const query = `
		SELECT user_id, name, birthday, likes, relationship_status, important_dates
		FROM user_profiles
		WHERE user_id = $1
	`
	var p domain.UserProfile
	var likes, dates []byte
	err := r.pool.QueryRow(ctx, query, userID).Scan(&p.UserID, &p.Name, &p.Birthday, &likes, &p.RelationshipStatus, &dates)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if len(likes) > 0 {
		if err := json.Unmarshal(likes, &p.Likes); err != nil {
			return domain.UserProfile{}, err
		}
	}
	if len(dates) > 0 {
		if err := json.Unmarshal(dates, &p.ImportantDates); err != nil {
			return domain.UserProfile{}, err
		}
	}
	return p, nil
}

func (r *PgUserProfileRepository) Upsert(ctx context.Context, profile domain.UserProfile) error {
	likes, err := json.Marshal(profile.Likes)
	if err != nil {
		return err
	}
	dates, err := json.Marshal(profile.ImportantDates)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO user_profiles (user_id, name, birthday, likes, relationship_status, important_dates)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			name = $2, birthday = $3, likes = $4, relationship_status = $5, important_dates = $6
	`
	_, err = r.pool.Exec(ctx, query, profile.UserID, profile.Name, profile.Birthday, likes, profile.RelationshipStatus, dates)
	return err
}
