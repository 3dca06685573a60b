package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
	"companion-engine/internal/repository"
)

// StaminaService owns the free-tier stamina pool: daily reset, per-message
// consumption, and the credits-for-stamina purchase pack.
type StaminaService struct {
	staminas repository.Staminas
	wallets  repository.Wallets
	ledger   repository.Ledger
	uow      repository.UnitOfWork
}

func NewStaminaService(staminas repository.Staminas, wallets repository.Wallets, ledger repository.Ledger, uow repository.UnitOfWork) *StaminaService {
	return &StaminaService{staminas: staminas, wallets: wallets, ledger: ledger, uow: uow}
}

// Status returns the pool's current row as last persisted, without applying
// a due daily reset; the next Consume call reconciles that lazily.
func (s *StaminaService) Status(ctx context.Context, userID string) (domain.Stamina, error) {
	return s.staminas.Get(ctx, userID)
}

// Consume applies the daily reset if due and deducts one message's worth of
// stamina, failing with domain.ErrInsufficientStamina if the pool is empty.
func (s *StaminaService) Consume(ctx context.Context, userID string, now time.Time) error {
	return repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		stamina, err := s.staminas.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if stamina.NeedsDailyReset(now) {
			stamina.ApplyDailyReset(now)
		}
		if err := stamina.Consume(domain.StaminaCostPerMessage); err != nil {
			return err
		}
		stamina.UpdatedAt = now
		return s.staminas.Save(ctx, tx, stamina)
	})
}

// Purchase debits StaminaPurchasePrice credits and grants StaminaPurchaseAmount
// stamina, atomically, with a single stamina_purchase ledger entry.
func (s *StaminaService) Purchase(ctx context.Context, userID string, packs int, now time.Time) error {
	if packs <= 0 {
		return domain.ErrInvalidAmount
	}
	cost := float64(domain.StaminaPurchasePrice * packs)
	grant := domain.StaminaPurchaseAmount * packs

	return repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := wallet.Deduct(cost); err != nil {
			return err
		}
		wallet.UpdatedAt = now
		if err := s.wallets.Save(ctx, tx, wallet); err != nil {
			return err
		}

		stamina, err := s.staminas.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if stamina.NeedsDailyReset(now) {
			stamina.ApplyDailyReset(now)
		}
		stamina.Current += grant
		if stamina.Current > stamina.Max {
			stamina.Current = stamina.Max
		}
		stamina.UpdatedAt = now
		if err := s.staminas.Save(ctx, tx, stamina); err != nil {
			return err
		}

		return s.ledger.Append(ctx, tx, domain.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         domain.LedgerStaminaPurchase,
			Amount:       -cost,
			BalanceAfter: wallet.TotalCredits(),
			Description:  "stamina purchase",
			ExtraData:    map[string]any{"packs": packs, "stamina_granted": grant},
			CreatedAt:    now,
		})
	})
}
