package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Messages persists the turn-by-turn transcript. Ordering is the
// (created_at, message_id) total order: ListBySessionID sorts on both
// columns so same-millisecond inserts still come back deterministically.
type Messages interface {
	Create(ctx context.Context, message domain.Message) error
	// CreateTx is Create's transaction-scoped twin, for the pipeline's single
	// persist step (append user + assistant message, bump the session
	// counter, commit once).
	CreateTx(ctx context.Context, tx pgx.Tx, message domain.Message) error
	ListBySessionID(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) error {
	extra, err := json.Marshal(message.ExtraData)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO messages (id, session_id, role, content, tokens_used, extra_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		message.ID,
		message.SessionID,
		message.Role,
		message.Content,
		message.TokensUsed,
		extra,
		message.CreatedAt,
	)
	return err
}

func (r *PgMessageRepository) CreateTx(ctx context.Context, tx pgx.Tx, message domain.Message) error {
	extra, err := json.Marshal(message.ExtraData)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO messages (id, session_id, role, content, tokens_used, extra_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query,
		message.ID,
		message.SessionID,
		message.Role,
		message.Content,
		message.TokensUsed,
		extra,
		message.CreatedAt,
	)
	return err
}

// ListBySessionID returns the most recent `limit` messages in chronological
// order (oldest first), ready to feed straight into the prompt builder. A
// non-positive limit returns the full transcript.
func (r *PgMessageRepository) ListBySessionID(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, tokens_used, extra_data, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var extra []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokensUsed, &extra, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &m.ExtraData); err != nil {
				return nil, err
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
