package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
)

var ErrUnknownGiftType = errors.New("service: unknown gift type")

// GiftRequest is the inbound send-gift call.
type GiftRequest struct {
	UserID         string
	CharacterID    string
	SessionID      string
	GiftType       string
	IdempotencyKey string
}

// GiftResult is the outcome persisted under the idempotency key and returned
// to the caller verbatim on replay.
type GiftResult struct {
	GiftID          string  `json:"gift_id"`
	NewBalance      float64 `json:"new_balance"`
	XPAwarded       float64 `json:"xp_awarded"`
	LevelUp         bool    `json:"level_up"`
	NewLevel        int     `json:"new_level"`
	ColdWarCleared  bool    `json:"cold_war_cleared"`
	EffectApplied   string  `json:"effect_applied,omitempty"`
	Acknowledgment  string  `json:"acknowledgment"`
	IsDuplicate     bool    `json:"is_duplicate"`
}

// GiftService runs the five-step atomic gift transaction: idempotency
// replay, catalog validation, locked wallet debit + gift/ledger/XP/effect
// writes, then a synchronous post-commit LLM acknowledgment.
type GiftService struct {
	catalog   GiftCatalog
	idempo    repository.IdempotencyStore
	wallets   repository.Wallets
	gifts     repository.Gifts
	effects   repository.Effects
	ledger    repository.Ledger
	states    repository.UserStates
	messages  repository.Messages
	uow       repository.UnitOfWork
	llmClient llm.LLMClient
}

func NewGiftService(
	catalog GiftCatalog,
	idempo repository.IdempotencyStore,
	wallets repository.Wallets,
	gifts repository.Gifts,
	effects repository.Effects,
	ledger repository.Ledger,
	states repository.UserStates,
	messages repository.Messages,
	uow repository.UnitOfWork,
	llmClient llm.LLMClient,
) *GiftService {
	return &GiftService{
		catalog: catalog, idempo: idempo, wallets: wallets, gifts: gifts,
		effects: effects, ledger: ledger, states: states, messages: messages,
		uow: uow, llmClient: llmClient,
	}
}

// Send executes the gift transaction, replaying a cached result if
// IdempotencyKey was already used by this user.
func (s *GiftService) Send(ctx context.Context, req GiftRequest, now time.Time) (GiftResult, error) {
	if cached, err := s.idempo.Get(ctx, req.IdempotencyKey, req.UserID); err == nil {
		var result GiftResult
		if jsonErr := json.Unmarshal(cached.Result, &result); jsonErr != nil {
			return GiftResult{}, jsonErr
		}
		result.IsDuplicate = true
		return result, nil
	} else if !errors.Is(err, repository.ErrIdempotencyKeyNotFound) {
		return GiftResult{}, err
	}

	def, ok := s.catalog.Lookup(req.GiftType)
	if !ok {
		return GiftResult{}, ErrUnknownGiftType
	}

	if wallet, err := s.wallets.Get(ctx, req.UserID); err == nil && wallet.TotalCredits() < def.Price {
		return GiftResult{}, domain.ErrInsufficientCredits
	}

	giftID := uuid.NewString()
	var result GiftResult

	txErr := repository.WithTx(ctx, s.uow, func(tx pgx.Tx) error {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if err := wallet.Deduct(def.Price); err != nil {
			return err
		}
		wallet.UpdatedAt = now
		if err := s.wallets.Save(ctx, tx, wallet); err != nil {
			return err
		}

		gift := domain.Gift{
			ID: giftID, UserID: req.UserID, CharacterID: req.CharacterID,
			SessionID: req.SessionID, Type: req.GiftType, Price: def.Price,
			XPReward: def.XPReward, Tier: def.Tier, Status: domain.GiftStatusPending,
			IdempotencyKey: req.IdempotencyKey, CreatedAt: now,
		}
		if err := s.gifts.Create(ctx, tx, gift); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx, domain.LedgerEntry{
			ID: uuid.NewString(), UserID: req.UserID, Type: domain.LedgerGift,
			Amount: -def.Price, BalanceAfter: wallet.TotalCredits(),
			Description: fmt.Sprintf("sent gift: %s", def.Name),
			ExtraData:   map[string]any{"gift_id": giftID, "character_id": req.CharacterID, "gift_type": req.GiftType},
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		state, err := s.states.GetForUpdate(ctx, tx, req.UserID, req.CharacterID)
		if err != nil {
			return err
		}
		var award AwardResult
		state, award = ApplyDirectXP(state, def.XPReward, now)
		state.RecordEvent(domain.EventFirstGift)

		var coldWarCleared bool
		switch {
		case def.ClearsColdWar && EmotionScoreState(state.EmotionScore) == domain.EmotionColdWar:
			state = ApplyDirectDelta(state, def.EmotionBoost, now)
			coldWarCleared = EmotionScoreState(state.EmotionScore) != domain.EmotionColdWar
		case def.ForceEmotion:
			state = ApplyDirectDelta(state, 100, now)
		case def.EmotionBoost != 0:
			state = ApplyDirectDelta(state, def.EmotionBoost, now)
		}

		if err := s.states.SaveTx(ctx, tx, state); err != nil {
			return err
		}

		var effectApplied string
		if def.Tier == domain.GiftTierStateEffect && def.EffectType != "" {
			effect := domain.ActiveEffect{
				ID: uuid.NewString(), UserID: req.UserID, CharacterID: req.CharacterID,
				EffectType: def.EffectType, PromptModifier: def.PromptModifier,
				RemainingMessages: def.EffectDurationMsg, GiftID: giftID,
			}
			if err := s.effects.Upsert(ctx, tx, effect); err != nil {
				return err
			}
			effectApplied = def.EffectType
		}

		result = GiftResult{
			GiftID: giftID, NewBalance: wallet.TotalCredits(), XPAwarded: award.Awarded,
			LevelUp: award.LevelUp, NewLevel: award.LevelAfter,
			ColdWarCleared: coldWarCleared, EffectApplied: effectApplied,
		}

		serialized, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return s.idempo.Put(ctx, domain.IdempotencyRecord{
			Key: req.IdempotencyKey, UserID: req.UserID, GiftID: giftID,
			Result: serialized, ExpiresAt: now.Add(domain.IdempotencyKeyTTL), CreatedAt: now,
		})
	})
	if txErr != nil {
		return GiftResult{}, txErr
	}

	result.Acknowledgment = s.acknowledge(ctx, req, def, result, now)
	return result, nil
}

// acknowledge makes the one synchronous LLM call outside a regular chat turn:
// an in-character reaction to the gift. Failure never rolls back the gift
// (it already committed); it falls back to a canned line and the gift is
// marked failed so a later retry can re-acknowledge it without re-charging.
func (s *GiftService) acknowledge(ctx context.Context, req GiftRequest, def domain.GiftDefinition, result GiftResult, now time.Time) string {
	prompt := fmt.Sprintf(
		"The user just sent you a gift: %s (tier %d). React briefly, in character, with warmth proportional to the gift's value. Do not mention game mechanics like XP or credits.",
		def.Name, def.Tier,
	)
	reply, err := s.llmClient.Generate(ctx, prompt)
	if err != nil || reply == "" {
		_ = s.gifts.MarkFailed(ctx, result.GiftID)
		return cannedGiftAcknowledgment(def)
	}

	if s.messages != nil && req.SessionID != "" {
		_ = s.messages.Create(ctx, domain.Message{
			ID: uuid.NewString(), SessionID: req.SessionID, Role: domain.RoleAssistant,
			Content: reply, CreatedAt: now,
			ExtraData: map[string]any{"gift_id": result.GiftID},
		})
	}
	_ = s.gifts.MarkAcknowledged(ctx, result.GiftID)
	return reply
}

// RetryPendingAcknowledgments re-attempts the synchronous acknowledgment step
// for any gift still stuck at pending (crashed between debit-commit and the
// acknowledgment call) or failed (the acknowledgment LLM call errored) for
// this user/character pair. The debit and XP/effect writes already committed
// in Send's transaction, so retrying here only ever regenerates the
// acknowledgment text and flips the gift's status — it never re-charges the
// wallet. Errors are swallowed; the caller (the pipeline's post-update stage)
// treats this as best-effort and will simply try again on the next turn.
func (s *GiftService) RetryPendingAcknowledgments(ctx context.Context, userID, characterID string, now time.Time) {
	pending, err := s.gifts.ListPending(ctx, userID, characterID)
	if err != nil {
		return
	}
	for _, gift := range pending {
		def, ok := s.catalog.Lookup(gift.Type)
		if !ok {
			continue
		}
		req := GiftRequest{
			UserID: userID, CharacterID: characterID,
			SessionID: gift.SessionID, GiftType: gift.Type,
		}
		result := GiftResult{GiftID: gift.ID}
		s.acknowledge(ctx, req, def, result, now)
	}
}

func cannedGiftAcknowledgment(def domain.GiftDefinition) string {
	switch {
	case def.Tier == domain.GiftTierLuxury:
		return "I... I don't know what to say. Thank you, truly."
	case def.ClearsColdWar:
		return "Okay. I accept your apology."
	default:
		return "Thank you for the " + def.Name + "."
	}
}
