package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Characters is the catalog slice the engine needs: persona text and the
// running relationship vectors. The full catalog (art, scenarios) lives
// outside the engine's scope.
type Characters interface {
	Create(ctx context.Context, character domain.Character) error
	Update(ctx context.Context, character domain.Character) error
	Get(ctx context.Context, id string) (domain.Character, error)
	FindByName(ctx context.Context, name string) (*domain.Character, error)
}

type PgCharacterRepository struct {
	pool *pgxpool.Pool
}

func NewPgCharacterRepository(pool *pgxpool.Pool) *PgCharacterRepository {
	return &PgCharacterRepository{pool: pool}
}

func (r *PgCharacterRepository) Create(ctx context.Context, character domain.Character) error {
	const query = `
		INSERT INTO characters (id, name, archetype, persona, bond_status, trust, intimacy, respect, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		character.ID,
		character.Name,
		character.Archetype,
		character.Persona,
		character.BondStatus,
		character.Relationship.Trust,
		character.Relationship.Intimacy,
		character.Relationship.Respect,
		character.CreatedAt,
		character.UpdatedAt,
	)
	return err
}

func (r *PgCharacterRepository) Update(ctx context.Context, character domain.Character) error {
	const query = `
		UPDATE characters
		SET name = $1, archetype = $2, persona = $3, bond_status = $4, trust = $5, intimacy = $6, respect = $7, updated_at = $8
		WHERE id = $9
	`
	_, err := r.pool.Exec(ctx, query,
		character.Name,
		character.Archetype,
		character.Persona,
		character.BondStatus,
		character.Relationship.Trust,
		character.Relationship.Intimacy,
		character.Relationship.Respect,
		character.UpdatedAt,
		character.ID,
	)
	return err
}

func (r *PgCharacterRepository) Get(ctx context.Context, id string) (domain.Character, error) {
	const query = `
		SELECT id, name, archetype, persona, bond_status, trust, intimacy, respect, created_at, updated_at
		FROM characters
		WHERE id = $1
	`
	var c domain.Character
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Archetype,
		&c.Persona,
		&c.BondStatus,
		&c.Relationship.Trust,
		&c.Relationship.Intimacy,
		&c.Relationship.Respect,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (r *PgCharacterRepository) FindByName(ctx context.Context, name string) (*domain.Character, error) {
	const query = `
		SELECT id, name, archetype, persona, bond_status, trust, intimacy, respect, created_at, updated_at
		FROM characters
		WHERE LOWER(name) = LOWER($1)
	`
	var c domain.Character
	err := r.pool.QueryRow(ctx, query, strings.TrimSpace(name)).Scan(
		&c.ID,
		&c.Name,
		&c.Archetype,
		&c.Persona,
		&c.BondStatus,
		&c.Relationship.Trust,
		&c.Relationship.Intimacy,
		&c.Relationship.Respect,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
