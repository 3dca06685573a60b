package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Staminas mirrors Wallets' locked read-modify-write shape for the parallel
// free-tier stamina pool.
type Staminas interface {
	Create(ctx context.Context, stamina domain.Stamina) error
	Get(ctx context.Context, userID string) (domain.Stamina, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (domain.Stamina, error)
	Save(ctx context.Context, tx pgx.Tx, stamina domain.Stamina) error
}

type PgStaminaRepository struct {
	pool *pgxpool.Pool
}

func NewPgStaminaRepository(pool *pgxpool.Pool) *PgStaminaRepository {
	return &PgStaminaRepository{pool: pool}
}

func (r *PgStaminaRepository) Create(ctx context.Context, stamina domain.Stamina) error {
	const query = `
		INSERT INTO staminas (user_id, current, max, last_reset_at, version, updated_at)
		VALUES ($1, $2, $3, $4, 0, $4)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, stamina.UserID, stamina.Current, stamina.Max, stamina.LastResetAt)
	return err
}

func (r *PgStaminaRepository) Get(ctx context.Context, userID string) (domain.Stamina, error) {
	const query = `
		SELECT user_id, current, max, last_reset_at, version, updated_at
		FROM staminas
		WHERE user_id = $1
	`
	var s domain.Stamina
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.Current, &s.Max, &s.LastResetAt, &s.Version, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stamina{}, err
	}
	return s, err
}

func (r *PgStaminaRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (domain.Stamina, error) {
	const query = `
		SELECT user_id, current, max, last_reset_at, version, updated_at
		FROM staminas
		WHERE user_id = $1
		FOR UPDATE
	`
	var s domain.Stamina
	err := tx.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.Current, &s.Max, &s.LastResetAt, &s.Version, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stamina{}, err
	}
	return s, err
}

func (r *PgStaminaRepository) Save(ctx context.Context, tx pgx.Tx, stamina domain.Stamina) error {
	const query = `
		UPDATE staminas
		SET current = $1, max = $2, last_reset_at = $3, version = version + 1, updated_at = $4
		WHERE user_id = $5 AND version = $6
	`
	tag, err := tx.Exec(ctx, query, stamina.Current, stamina.Max, stamina.LastResetAt, stamina.UpdatedAt, stamina.UserID, stamina.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
