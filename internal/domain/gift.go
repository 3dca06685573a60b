package domain

import "time"

// GiftTier: 1 consumable, 2 state-effect (applies an ActiveEffect), 3 speed-dating
// (relationship accelerator), 4 luxury (force-positive emotion).
type GiftTier int

const (
	GiftTierConsumable    GiftTier = 1
	GiftTierStateEffect   GiftTier = 2
	GiftTierSpeedDating   GiftTier = 3
	GiftTierLuxury        GiftTier = 4
)

type GiftStatus string

const (
	GiftStatusPending      GiftStatus = "pending"
	GiftStatusAcknowledged GiftStatus = "acknowledged"
	GiftStatusFailed       GiftStatus = "failed"
)

// GiftDefinition is a catalog entry (external collaborator content, but the shape
// is specified here since the billing core validates against it).
type GiftDefinition struct {
	Type              string   `json:"type"`
	Name              string   `json:"name"`
	Price             float64  `json:"price"`
	XPReward          float64  `json:"xp_reward"`
	Tier              GiftTier `json:"tier"`
	EffectType        string   `json:"effect_type,omitempty"`
	PromptModifier    string   `json:"prompt_modifier,omitempty"`
	EffectDurationMsg int      `json:"effect_duration_messages,omitempty"`
	ClearsColdWar     bool     `json:"clears_cold_war"`
	EmotionBoost      int      `json:"emotion_boost,omitempty"`
	ForceEmotion      bool     `json:"force_emotion"`
}

// Gift is one send of a catalog item by a user to a character.
type Gift struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CharacterID     string     `json:"character_id"`
	SessionID       string     `json:"session_id,omitempty"`
	Type            string     `json:"type"`
	Price           float64    `json:"price"`
	XPReward        float64    `json:"xp_reward"`
	Tier            GiftTier   `json:"tier"`
	Status          GiftStatus `json:"status"`
	IdempotencyKey  string     `json:"idempotency_key"`
	CreatedAt       time.Time  `json:"created_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// IdempotencyRecord caches the full serialized result of a gift send so repeat
// calls with the same key replay the prior outcome without re-executing it.
// 24h TTL, scoped to the owning user: a mismatched user is treated as not found.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	GiftID    string    `json:"gift_id"`
	Result    []byte    `json:"result"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

const IdempotencyKeyTTL = 24 * time.Hour
