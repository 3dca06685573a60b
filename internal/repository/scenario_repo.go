package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"companion-engine/internal/domain"
)

// Scenarios is the optional ambiance-setting catalog bound to a session via
// Sessions.SetScenario.
type Scenarios interface {
	Get(ctx context.Context, id string) (domain.Scenario, error)
	List(ctx context.Context) ([]domain.Scenario, error)
}

type PgScenarioRepository struct {
	pool *pgxpool.Pool
}

func NewPgScenarioRepository(pool *pgxpool.Pool) *PgScenarioRepository {
	return &PgScenarioRepository{pool: pool}
}

func (r *PgScenarioRepository) Get(ctx context.Context, id string) (domain.Scenario, error) {
	const query = `SELECT id, name, description, ambiance_hints FROM scenarios WHERE id = $1`
	var s domain.Scenario
	var hints []byte
	if err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Description, &hints); err != nil {
		return domain.Scenario{}, err
	}
	if len(hints) > 0 {
		if err := json.Unmarshal(hints, &s.AmbianceHints); err != nil {
			return domain.Scenario{}, err
		}
	}
	return s, nil
}

func (r *PgScenarioRepository) List(ctx context.Context) ([]domain.Scenario, error) {
	const query = `SELECT id, name, description, ambiance_hints FROM scenarios ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Scenario
	for rows.Next() {
		var s domain.Scenario
		var hints []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &hints); err != nil {
			return nil, err
		}
		if len(hints) > 0 {
			if err := json.Unmarshal(hints, &s.AmbianceHints); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
