package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"companion-engine/internal/domain"
)

// Memories is the episodic-memory store backing the Prompt Builder's memory
// block. Exact similarity metric is implementation-defined (pgvector cosine
// distance here via the `<=>` operator) but stable across calls, per the
// memory-store contract: upsert(id, vector, metadata) / search(vector, top_k, filter).
type Memories interface {
	Create(ctx context.Context, memory domain.Memory) error
	Search(ctx context.Context, userID, characterID string, queryEmbedding pgvector.Vector, k int) ([]domain.Memory, error)
	ListByCharacter(ctx context.Context, userID, characterID string) ([]domain.Memory, error)
}

type PgMemoryRepository struct {
	pool *pgxpool.Pool
}

func NewPgMemoryRepository(pool *pgxpool.Pool) *PgMemoryRepository {
	return &PgMemoryRepository{pool: pool}
}

func (r *PgMemoryRepository) Create(ctx context.Context, memory domain.Memory) error {
	intensity := memory.EmotionalIntensity
	if intensity <= 0 {
		intensity = 10
	}
	const query = `
		INSERT INTO memories (
			id, user_id, character_id, content, embedding, importance, emotional_weight, emotional_intensity, emotion_category, happened_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		memory.ID,
		memory.UserID,
		memory.CharacterID,
		memory.Content,
		memory.Embedding,
		memory.Importance,
		memory.EmotionalWeight,
		intensity,
		memory.EmotionCategory,
		memory.HappenedAt,
		memory.CreatedAt,
	)
	return err
}

func (r *PgMemoryRepository) Search(ctx context.Context, userID, characterID string, queryEmbedding pgvector.Vector, k int) ([]domain.Memory, error) {
	if k <= 0 {
		k = 5
	}
	const query = `
		SELECT id, user_id, character_id, content, embedding, importance, emotional_weight, emotional_intensity, emotion_category, happened_at, created_at
		FROM memories
		WHERE user_id = $1 AND character_id = $2
		ORDER BY embedding <=> $3
		LIMIT $4
	`
	rows, err := r.pool.Query(ctx, query, userID, characterID, queryEmbedding, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemories(rows)
}

func (r *PgMemoryRepository) ListByCharacter(ctx context.Context, userID, characterID string) ([]domain.Memory, error) {
	const query = `
		SELECT id, user_id, character_id, content, embedding, importance, emotional_weight, emotional_intensity, emotion_category, happened_at, created_at
		FROM memories
		WHERE user_id = $1 AND character_id = $2
		ORDER BY happened_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemories(rows)
}

func scanMemories(rows pgxRows) ([]domain.Memory, error) {
	var memories []domain.Memory
	for rows.Next() {
		var m domain.Memory
		if err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.CharacterID,
			&m.Content,
			&m.Embedding,
			&m.Importance,
			&m.EmotionalWeight,
			&m.EmotionalIntensity,
			&m.EmotionCategory,
			&m.HappenedAt,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memories, nil
}

// pgxRows is a minimal interface to allow scanning from pgx rows and simplify testing.
type pgxRows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
	Close()
}
