package domain

import "time"

type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
	TierVIP     SubscriptionTier = "vip"
)

// TierHierarchy orders tiers for >= comparisons (has_feature-style checks).
var TierHierarchy = map[SubscriptionTier]int{
	TierFree:    0,
	TierPremium: 1,
	TierVIP:     2,
}

// TierBenefits is the tier -> capability table. Consumers never branch on raw
// tier; they go through SubscriptionService.HasFeature.
type TierBenefits struct {
	DailyCredits      float64
	NSFWEnabled       bool
	PremiumCharacters bool
	PriorityResponse  bool
	ExtendedMemory    bool
	EarlyAccess       bool
}

var Benefits = map[SubscriptionTier]TierBenefits{
	TierFree: {
		DailyCredits: 0,
	},
	TierPremium: {
		DailyCredits:      100,
		NSFWEnabled:       true,
		PremiumCharacters: true,
		PriorityResponse:  true,
		ExtendedMemory:    true,
	},
	TierVIP: {
		DailyCredits:      300,
		NSFWEnabled:       true,
		PremiumCharacters: true,
		PriorityResponse:  true,
		ExtendedMemory:    true,
		EarlyAccess:       true,
	},
}

// Subscription is a user's billing plan. EffectiveTier is derived, not stored:
// it equals Tier unless ExpiresAt has passed, in which case it is TierFree and
// the caller (SubscriptionService) performs a downgrade-in-place.
type Subscription struct {
	UserID     string           `json:"user_id"`
	Tier       SubscriptionTier `json:"tier"`
	StartedAt  time.Time        `json:"started_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	AutoRenew  bool             `json:"auto_renew"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Expired reports whether the subscription has lapsed as of now.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.UTC().After(s.ExpiresAt.UTC())
}
