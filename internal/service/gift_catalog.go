package service

import "companion-engine/internal/domain"

// GiftCatalog resolves a gift type to its pricing/reward/effect definition.
// The catalog itself is external collaborator content (spec.md leaves its
// authoring out of scope); this in-memory table seeds the tiers the billing
// core needs to exercise every branch of the gift transaction.
type GiftCatalog interface {
	Lookup(giftType string) (domain.GiftDefinition, bool)
	List() []domain.GiftDefinition
}

type staticGiftCatalog map[string]domain.GiftDefinition

func NewStaticGiftCatalog() GiftCatalog {
	return staticGiftCatalog{
		"chocolate": {
			Type: "chocolate", Name: "Box of Chocolates",
			Price: 20, XPReward: 20, Tier: domain.GiftTierConsumable,
		},
		"rose": {
			Type: "rose", Name: "Single Rose",
			Price: 10, XPReward: 10, Tier: domain.GiftTierConsumable,
		},
		"wine": {
			Type: "wine", Name: "Glass of Wine",
			Price: 50, XPReward: 15, Tier: domain.GiftTierStateEffect,
			EffectType: "tipsy", PromptModifier: "slightly tipsy, warmer and less guarded than usual",
			EffectDurationMsg: 10,
		},
		"apology_scroll": {
			Type: "apology_scroll", Name: "Apology Scroll",
			Price: 100, XPReward: 5, Tier: domain.GiftTierConsumable,
			ClearsColdWar: true, EmotionBoost: 50,
		},
		"speed_dating_pass": {
			Type: "speed_dating_pass", Name: "Speed Dating Pass",
			Price: 150, XPReward: 80, Tier: domain.GiftTierSpeedDating,
			EmotionBoost: 15,
		},
		"diamond_ring": {
			Type: "diamond_ring", Name: "Diamond Ring",
			Price: 2000, XPReward: 500, Tier: domain.GiftTierLuxury,
			ForceEmotion: true,
		},
	}
}

func (c staticGiftCatalog) Lookup(giftType string) (domain.GiftDefinition, bool) {
	def, ok := c[giftType]
	return def, ok
}

// List returns the full catalog in no particular order; callers that need a
// stable display order (the REST catalog endpoint) sort it themselves.
func (c staticGiftCatalog) List() []domain.GiftDefinition {
	out := make([]domain.GiftDefinition, 0, len(c))
	for _, def := range c {
		out = append(out, def)
	}
	return out
}
