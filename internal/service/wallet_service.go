package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
	"companion-engine/internal/repository"
)

// estimatedMessageCost is the conservative pre-check upper bound, in credits,
// charged before the LLM call's actual token usage is known. Post-deduct
// replaces this with the token-exact amount (Open Question resolution).
var estimatedMessageCost = map[domain.SubscriptionTier]float64{
	domain.TierFree:    2,
	domain.TierPremium: 1,
	domain.TierVIP:     1,
}

// creditsFromTokens converts an LLM response's token usage into a credit
// charge: one credit per 500 tokens, rounded up, minimum 1.
func creditsFromTokens(tokensUsed int) float64 {
	if tokensUsed <= 0 {
		return 1
	}
	return math.Ceil(float64(tokensUsed) / 500.0)
}

// WalletService owns credit balance reads/writes: lazy daily refresh,
// pre-check estimation, and token-exact post-deduction, every mutation under
// a row lock inside a single transaction with a matching ledger entry.
type WalletService struct {
	wallets        repository.Wallets
	ledger         repository.Ledger
	uow            repository.UnitOfWork
	dailyAllowance map[domain.SubscriptionTier]float64
}

func NewWalletService(wallets repository.Wallets, ledger repository.Ledger, uow repository.UnitOfWork, dailyFree, dailyPremium, dailyVIP float64) *WalletService {
	return &WalletService{
		wallets: wallets,
		ledger:  ledger,
		uow:     uow,
		dailyAllowance: map[domain.SubscriptionTier]float64{
			domain.TierFree:    dailyFree,
			domain.TierPremium: dailyPremium,
			domain.TierVIP:     dailyVIP,
		},
	}
}

// Balance returns the wallet without locking, for read-only endpoints.
func (s *WalletService) Balance(ctx context.Context, userID string) (domain.Wallet, error) {
	return s.wallets.Get(ctx, userID)
}

// PreCheck applies any due lazy daily refresh and verifies the wallet can
// cover the tier's estimated message cost. Returns the estimate so the
// caller can pass it through to PostDeduct's reconciliation, and
// ErrInsufficientCredits if the (possibly just-refreshed) balance is short.
func (s *WalletService) PreCheck(ctx context.Context, userID string, tier domain.SubscriptionTier, now time.Time) (estimate float64, err error) {
	estimate = estimatedMessageCost[tier]
	if estimate == 0 {
		estimate = estimatedMessageCost[domain.TierFree]
	}

	var insufficient bool
	txErr := repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.refreshIfDue(ctx, tx, &wallet, tier, now); err != nil {
			return err
		}
		insufficient = wallet.TotalCredits() < estimate
		return nil
	})
	if txErr != nil {
		return estimate, txErr
	}
	if insufficient {
		return estimate, domain.ErrInsufficientCredits
	}
	return estimate, nil
}

// PostDeduct deducts the token-exact cost of a completed chat turn and
// records a chat_deduction ledger entry. Called after the LLM response is
// known; rolls back entirely if the wallet cannot cover it (re-verified
// under lock, since time has passed since PreCheck).
func (s *WalletService) PostDeduct(ctx context.Context, userID, sessionID, messageID string, tier domain.SubscriptionTier, tokensUsed int, now time.Time) error {
	cost := creditsFromTokens(tokensUsed)

	return repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.refreshIfDue(ctx, tx, &wallet, tier, now); err != nil {
			return err
		}
		if err := wallet.Deduct(cost); err != nil {
			return err
		}
		wallet.UpdatedAt = now
		if err := s.wallets.Save(ctx, tx, wallet); err != nil {
			return err
		}
		return s.ledger.Append(ctx, tx, domain.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         domain.LedgerChatDeduction,
			Amount:       -cost,
			BalanceAfter: wallet.TotalCredits(),
			Description:  "chat completion",
			ExtraData: map[string]any{
				"tokens_used": tokensUsed,
				"session_id":  sessionID,
				"message_id":  messageID,
				"tier":        tier,
			},
			CreatedAt: now,
		})
	})
}

// Purchase credits a user's PurchasedCredits with a real-money package;
// actual payment capture is out of scope (mirrors the teacher's MOCK_PAYMENT
// flag) — this records the grant as already-settled.
func (s *WalletService) Purchase(ctx context.Context, userID string, amount float64, now time.Time) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		wallet.PurchasedCredits += amount
		wallet.UpdatedAt = now
		if err := s.wallets.Save(ctx, tx, wallet); err != nil {
			return err
		}
		return s.ledger.Append(ctx, tx, domain.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         domain.LedgerCreditPurchase,
			Amount:       amount,
			BalanceAfter: wallet.TotalCredits(),
			Description:  "credit purchase",
			CreatedAt:    now,
		})
	})
}

// refreshIfDue applies the lazy daily credit refresh in place and appends its
// ledger entry, mutating wallet and persisting it if a refresh occurred.
// Caller must already hold the row lock (wallet came from GetForUpdate).
func (s *WalletService) refreshIfDue(ctx context.Context, tx pgx.Tx, wallet *domain.Wallet, tier domain.SubscriptionTier, now time.Time) error {
	nowUTC := now.UTC()
	if !wallet.DailyRefreshedAt.UTC().Before(startOfUTCDay(nowUTC)) {
		return nil
	}
	allowance := s.dailyAllowance[tier]
	delta := allowance - wallet.DailyFreeCredits
	wallet.DailyFreeCredits = allowance
	wallet.DailyRefreshedAt = nowUTC
	wallet.UpdatedAt = nowUTC
	if err := s.wallets.Save(ctx, tx, *wallet); err != nil {
		return err
	}
	wallet.Version++
	return s.ledger.Append(ctx, tx, domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       wallet.UserID,
		Type:         domain.LedgerDailyRefresh,
		Amount:       delta,
		BalanceAfter: wallet.TotalCredits(),
		Description:  "daily free credit refresh",
		CreatedAt:    nowUTC,
	})
}

func startOfUTCDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

