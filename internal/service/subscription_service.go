package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
	"companion-engine/internal/repository"
)

// SubscriptionService is the single source of truth for tier-gated behavior:
// every other service asks EffectiveTier/HasFeature rather than branching on
// the raw stored tier, so an expired plan downgrades transparently.
type SubscriptionService struct {
	subs   repository.Subscriptions
	ledger repository.Ledger
	uow    repository.UnitOfWork
}

func NewSubscriptionService(subs repository.Subscriptions, ledger repository.Ledger, uow repository.UnitOfWork) *SubscriptionService {
	return &SubscriptionService{subs: subs, ledger: ledger, uow: uow}
}

// EffectiveTier returns the subscription's tier, downgrading to TierFree and
// recording a subscription_expired ledger entry, atomically, if ExpiresAt has
// passed.
func (s *SubscriptionService) EffectiveTier(ctx context.Context, userID string, now time.Time) (domain.SubscriptionTier, error) {
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return domain.TierFree, err
	}
	if !sub.Expired(now) {
		return sub.Tier, nil
	}
	expiredTier := sub.Tier
	sub.Tier = domain.TierFree
	sub.AutoRenew = false
	sub.UpdatedAt = now

	err = repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		if err := s.subs.SaveTx(ctx, tx, sub); err != nil {
			return err
		}
		return s.ledger.Append(ctx, tx, domain.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        domain.LedgerSubscriptionExpired,
			Amount:      0,
			Description: "subscription expired, downgraded to free",
			ExtraData:   map[string]any{"previous_tier": expiredTier},
			CreatedAt:   now,
		})
	})
	if err != nil {
		return domain.TierFree, err
	}
	return domain.TierFree, nil
}

// HasFeature reports whether the effective tier's benefits include feature.
// feature selects one of TierBenefits' boolean fields by name.
func (s *SubscriptionService) HasFeature(ctx context.Context, userID, feature string, now time.Time) (bool, error) {
	tier, err := s.EffectiveTier(ctx, userID, now)
	if err != nil {
		return false, err
	}
	benefits := domain.Benefits[tier]
	switch feature {
	case "nsfw":
		return benefits.NSFWEnabled, nil
	case "premium_characters":
		return benefits.PremiumCharacters, nil
	case "priority_response":
		return benefits.PriorityResponse, nil
	case "extended_memory":
		return benefits.ExtendedMemory, nil
	case "early_access":
		return benefits.EarlyAccess, nil
	default:
		return false, nil
	}
}

// AtLeast reports whether a user's effective tier meets or exceeds required,
// using domain.TierHierarchy's ordering.
func (s *SubscriptionService) AtLeast(ctx context.Context, userID string, required domain.SubscriptionTier, now time.Time) (bool, error) {
	tier, err := s.EffectiveTier(ctx, userID, now)
	if err != nil {
		return false, err
	}
	return domain.TierHierarchy[tier] >= domain.TierHierarchy[required], nil
}
