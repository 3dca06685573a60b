package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
)

type fakeGiftCatalog map[string]domain.GiftDefinition

func (c fakeGiftCatalog) Lookup(giftType string) (domain.GiftDefinition, bool) {
	def, ok := c[giftType]
	return def, ok
}

func (c fakeGiftCatalog) List() []domain.GiftDefinition {
	out := make([]domain.GiftDefinition, 0, len(c))
	for _, def := range c {
		out = append(out, def)
	}
	return out
}

func newFakeGiftCatalog() fakeGiftCatalog {
	return fakeGiftCatalog{
		"rose": {Type: "rose", Name: "a rose", Price: 10, XPReward: 10, Tier: domain.GiftTierConsumable},
		"truce": {
			Type: "truce", Name: "a white flag", Price: 50, XPReward: 15,
			Tier: domain.GiftTierStateEffect, ClearsColdWar: true, EmotionBoost: 40,
			EffectType: "truce_glow", EffectDurationMsg: 3,
		},
		"diamond": {Type: "diamond", Name: "a diamond", Price: 2000, XPReward: 500, Tier: domain.GiftTierLuxury, ForceEmotion: true},
	}
}

type fakeIdempotencyStore struct {
	records map[string]domain.IdempotencyRecord
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: make(map[string]domain.IdempotencyRecord)}
}

func (s *fakeIdempotencyStore) Get(_ context.Context, key, userID string) (domain.IdempotencyRecord, error) {
	record, ok := s.records[key]
	if !ok || record.UserID != userID {
		return domain.IdempotencyRecord{}, repository.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (s *fakeIdempotencyStore) Put(_ context.Context, record domain.IdempotencyRecord) error {
	s.records[record.Key] = record
	return nil
}

type fakeGifts struct {
	gifts map[string]domain.Gift
}

func newFakeGifts() *fakeGifts {
	return &fakeGifts{gifts: make(map[string]domain.Gift)}
}

func (f *fakeGifts) Create(_ context.Context, _ pgx.Tx, gift domain.Gift) error {
	f.gifts[gift.ID] = gift
	return nil
}

func (f *fakeGifts) MarkAcknowledged(_ context.Context, id string) error {
	g := f.gifts[id]
	g.Status = domain.GiftStatusAcknowledged
	f.gifts[id] = g
	return nil
}

func (f *fakeGifts) MarkFailed(_ context.Context, id string) error {
	g := f.gifts[id]
	g.Status = domain.GiftStatusFailed
	f.gifts[id] = g
	return nil
}

func (f *fakeGifts) ListByUser(_ context.Context, userID string, limit int) ([]domain.Gift, error) {
	var out []domain.Gift
	for _, g := range f.gifts {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGifts) ListPending(_ context.Context, userID, characterID string) ([]domain.Gift, error) {
	var out []domain.Gift
	for _, g := range f.gifts {
		if g.UserID == userID && g.CharacterID == characterID &&
			(g.Status == domain.GiftStatusPending || g.Status == domain.GiftStatusFailed) {
			out = append(out, g)
		}
	}
	return out, nil
}

type fakeEffects struct {
	effects map[string]domain.ActiveEffect
}

func newFakeEffects() *fakeEffects {
	return &fakeEffects{effects: make(map[string]domain.ActiveEffect)}
}

func (f *fakeEffects) Upsert(_ context.Context, _ pgx.Tx, effect domain.ActiveEffect) error {
	f.effects[effect.ID] = effect
	return nil
}

func (f *fakeEffects) ListActive(_ context.Context, userID, characterID string) ([]domain.ActiveEffect, error) {
	var out []domain.ActiveEffect
	for _, e := range f.effects {
		if e.UserID == userID && e.CharacterID == characterID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEffects) Decrement(_ context.Context, id string) (domain.ActiveEffect, error) {
	e := f.effects[id]
	e.RemainingMessages--
	f.effects[id] = e
	return e, nil
}

func (f *fakeEffects) Delete(_ context.Context, id string) error {
	delete(f.effects, id)
	return nil
}

type fakeGiftUserStates struct {
	states map[string]domain.UserState
}

func newFakeGiftUserStates() *fakeGiftUserStates {
	return &fakeGiftUserStates{states: make(map[string]domain.UserState)}
}

func (f *fakeGiftUserStates) Create(_ context.Context, state domain.UserState) error {
	f.states[stateKey(state.UserID, state.CharacterID)] = state
	return nil
}

func (f *fakeGiftUserStates) Get(_ context.Context, userID, characterID string) (domain.UserState, error) {
	state, ok := f.states[stateKey(userID, characterID)]
	if !ok {
		return domain.UserState{}, pgx.ErrNoRows
	}
	return state, nil
}

func (f *fakeGiftUserStates) Save(_ context.Context, state domain.UserState) error {
	f.states[stateKey(state.UserID, state.CharacterID)] = state
	return nil
}

func (f *fakeGiftUserStates) GetForUpdate(_ context.Context, _ pgx.Tx, userID, characterID string) (domain.UserState, error) {
	return f.Get(context.Background(), userID, characterID)
}

func (f *fakeGiftUserStates) SaveTx(_ context.Context, _ pgx.Tx, state domain.UserState) error {
	return f.Save(context.Background(), state)
}

type fakeGiftMessages struct {
	created []domain.Message
}

func (f *fakeGiftMessages) Create(_ context.Context, message domain.Message) error {
	f.created = append(f.created, message)
	return nil
}

func (f *fakeGiftMessages) CreateTx(_ context.Context, _ pgx.Tx, message domain.Message) error {
	f.created = append(f.created, message)
	return nil
}

func (f *fakeGiftMessages) ListBySessionID(_ context.Context, _ string, _ int) ([]domain.Message, error) {
	return f.created, nil
}

func newTestGiftService(llmClient llm.LLMClient) (*GiftService, *fakeWallets, *fakeGifts, *fakeGiftUserStates, *fakeEffects) {
	wallets := newFakeWallets()
	gifts := newFakeGifts()
	states := newFakeGiftUserStates()
	effects := newFakeEffects()
	svc := NewGiftService(
		newFakeGiftCatalog(), newFakeIdempotencyStore(), wallets, gifts, effects,
		&fakeLedger{}, states, &fakeGiftMessages{}, fakeUnitOfWork{}, llmClient,
	)
	return svc, wallets, gifts, states, effects
}

func TestGiftServiceSendDebitsWalletAndAwardsXP(t *testing.T) {
	svc, wallets, gifts, states, _ := newTestGiftService(&llm.MockClient{Response: "Aww, thank you!"})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := states.Create(context.Background(), domain.UserState{UserID: "user-1", CharacterID: "char-1"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", SessionID: "session-1",
		GiftType: "rose", IdempotencyKey: "key-1",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.XPAwarded != 10 {
		t.Fatalf("expected xp award 10, got %v", result.XPAwarded)
	}
	if result.Acknowledgment != "Aww, thank you!" {
		t.Fatalf("expected the llm acknowledgment text, got %q", result.Acknowledgment)
	}

	wallet, _ := wallets.Get(context.Background(), "user-1")
	if wallet.PurchasedCredits != 90 {
		t.Fatalf("expected 10 credits debited, got balance %v", wallet.PurchasedCredits)
	}

	gift := gifts.gifts[result.GiftID]
	if gift.Status != domain.GiftStatusAcknowledged {
		t.Fatalf("expected gift marked acknowledged, got %v", gift.Status)
	}
}

func TestGiftServiceSendReplaysOnDuplicateIdempotencyKey(t *testing.T) {
	svc, wallets, _, states, _ := newTestGiftService(&llm.MockClient{Response: "Thank you!"})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := states.Create(context.Background(), domain.UserState{UserID: "user-1", CharacterID: "char-1"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	req := GiftRequest{UserID: "user-1", CharacterID: "char-1", GiftType: "rose", IdempotencyKey: "key-1"}
	first, err := svc.Send(context.Background(), req, now)
	if err != nil {
		t.Fatalf("unexpected error on first send: %v", err)
	}

	second, err := svc.Send(context.Background(), req, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if !second.IsDuplicate {
		t.Fatalf("expected the replay to be flagged as a duplicate")
	}
	if second.GiftID != first.GiftID {
		t.Fatalf("expected the replay to return the original gift id")
	}

	wallet, _ := wallets.Get(context.Background(), "user-1")
	if wallet.PurchasedCredits != 90 {
		t.Fatalf("expected the wallet debited only once (90 remaining), got %v", wallet.PurchasedCredits)
	}
}

func TestGiftServiceSendRejectsUnknownGiftType(t *testing.T) {
	svc, wallets, _, _, _ := newTestGiftService(&llm.MockClient{Response: "ok"})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	_, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", GiftType: "nonexistent", IdempotencyKey: "key-1",
	}, now)
	if err != ErrUnknownGiftType {
		t.Fatalf("expected ErrUnknownGiftType, got %v", err)
	}
}

func TestGiftServiceSendRejectsInsufficientCredits(t *testing.T) {
	svc, wallets, _, _, _ := newTestGiftService(&llm.MockClient{Response: "ok"})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 5, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	_, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", GiftType: "diamond", IdempotencyKey: "key-1",
	}, now)
	if err != domain.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestGiftServiceSendClearsColdWarAndAppliesEffect(t *testing.T) {
	svc, wallets, _, states, effects := newTestGiftService(&llm.MockClient{Response: "I accept."})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := states.Create(context.Background(), domain.UserState{
		UserID: "user-1", CharacterID: "char-1", EmotionScore: -90,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", GiftType: "truce", IdempotencyKey: "key-1",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ColdWarCleared {
		t.Fatalf("expected the truce gift to clear cold war")
	}
	if result.EffectApplied != "truce_glow" {
		t.Fatalf("expected the state-effect gift to apply its effect, got %q", result.EffectApplied)
	}
	if len(effects.effects) != 1 {
		t.Fatalf("expected exactly one active effect recorded, got %d", len(effects.effects))
	}
}

func TestGiftServiceSendMarksGiftFailedWhenAcknowledgmentErrors(t *testing.T) {
	svc, wallets, gifts, states, _ := newTestGiftService(&llm.MockClient{Response: "", Err: context.DeadlineExceeded})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := states.Create(context.Background(), domain.UserState{UserID: "user-1", CharacterID: "char-1"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", GiftType: "rose", IdempotencyKey: "key-1",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Acknowledgment == "" {
		t.Fatalf("expected a canned fallback acknowledgment")
	}

	gift := gifts.gifts[result.GiftID]
	if gift.Status != domain.GiftStatusFailed {
		t.Fatalf("expected gift marked failed after the acknowledgment call errored, got %v", gift.Status)
	}
}

func TestGiftServiceRetryPendingAcknowledgmentsFlipsStatusWithoutRecharging(t *testing.T) {
	svc, wallets, gifts, states, _ := newTestGiftService(&llm.MockClient{Response: "", Err: context.DeadlineExceeded})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{UserID: "user-1", PurchasedCredits: 100, DailyRefreshedAt: now}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := states.Create(context.Background(), domain.UserState{UserID: "user-1", CharacterID: "char-1"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.Send(context.Background(), GiftRequest{
		UserID: "user-1", CharacterID: "char-1", GiftType: "rose", IdempotencyKey: "key-1",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gifts.gifts[result.GiftID].Status != domain.GiftStatusFailed {
		t.Fatalf("expected the gift to start at failed")
	}

	wallet, _ := wallets.Get(context.Background(), "user-1")
	balanceBeforeRetry := wallet.PurchasedCredits

	svc.llmClient = &llm.MockClient{Response: "Thank you, on second thought."}
	svc.RetryPendingAcknowledgments(context.Background(), "user-1", "char-1", now.Add(time.Hour))

	retried := gifts.gifts[result.GiftID]
	if retried.Status != domain.GiftStatusAcknowledged {
		t.Fatalf("expected the retry to flip the gift to acknowledged, got %v", retried.Status)
	}

	wallet, _ = wallets.Get(context.Background(), "user-1")
	if wallet.PurchasedCredits != balanceBeforeRetry {
		t.Fatalf("expected the retry to never re-debit the wallet, got %v want %v", wallet.PurchasedCredits, balanceBeforeRetry)
	}
}
