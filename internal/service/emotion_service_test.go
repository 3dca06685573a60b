package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"companion-engine/internal/domain"
)

type fakeCharacterProfileRepo struct {
	profiles map[string]domain.CharacterProfile
}

func newFakeCharacterProfileRepo() *fakeCharacterProfileRepo {
	return &fakeCharacterProfileRepo{profiles: make(map[string]domain.CharacterProfile)}
}

func (r *fakeCharacterProfileRepo) GetByUserAndCharacter(_ context.Context, userID, characterID string) (domain.CharacterProfile, error) {
	profile, ok := r.profiles[stateKey(userID, characterID)]
	if !ok {
		return domain.CharacterProfile{}, errProfileNotFound
	}
	return profile, nil
}

var errProfileNotFound = errors.New("character profile not found")

func TestEmotionScoreStateBuckets(t *testing.T) {
	cases := []struct {
		score int
		want  domain.EmotionState
	}{
		{100, domain.EmotionLoving},
		{50, domain.EmotionHappy},
		{20, domain.EmotionContent},
		{0, domain.EmotionNeutral},
		{-19, domain.EmotionNeutral},
		{-20, domain.EmotionAnnoyed},
		{-50, domain.EmotionAngry},
		{-80, domain.EmotionColdWar},
		{-100, domain.EmotionBlocked},
	}
	for _, c := range cases {
		if got := EmotionScoreState(c.score); got != c.want {
			t.Fatalf("EmotionScoreState(%d) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestProcessMessageStrongPositiveRaisesScore(t *testing.T) {
	states := newFakeUserStateRepo()
	profiles := newFakeCharacterProfileRepo()
	svc := NewEmotionService(states, profiles, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := states.Create(context.Background(), domain.UserState{
		UserID: "user-1", CharacterID: "char-1", EmotionScore: 0, EmotionState: domain.EmotionNeutral,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.ProcessMessage(context.Background(), "user-1", "char-1", "I love you, you're the best", nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DeltaApplied <= 0 {
		t.Fatalf("expected a positive delta for a strong-positive message, got %d", result.DeltaApplied)
	}
	if result.Intent != "compliment" {
		t.Fatalf("expected intent compliment, got %q", result.Intent)
	}
	if result.NewScore != result.PreviousScore+result.DeltaApplied {
		t.Fatalf("new score %d does not match previous+delta (%d+%d)", result.NewScore, result.PreviousScore, result.DeltaApplied)
	}
}

func TestProcessMessageColdWarLockoutIgnoresNormalDelta(t *testing.T) {
	states := newFakeUserStateRepo()
	profiles := newFakeCharacterProfileRepo()
	svc := NewEmotionService(states, profiles, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := states.Create(context.Background(), domain.UserState{
		UserID: "user-1", CharacterID: "char-1", EmotionScore: -90, EmotionState: domain.EmotionColdWar,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.ProcessMessage(context.Background(), "user-1", "char-1", "I love you, you're the best", nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ColdWarActive {
		t.Fatalf("expected cold-war lockout to stay active, got %+v", result)
	}
	if result.DeltaApplied != 0 {
		t.Fatalf("expected no delta applied during cold-war lockout, got %d", result.DeltaApplied)
	}
	if result.CannedReply == "" {
		t.Fatalf("expected a canned reply during cold-war lockout")
	}
}

func TestProcessMessageColdWarApologyRecoversButRequiresGift(t *testing.T) {
	states := newFakeUserStateRepo()
	profiles := newFakeCharacterProfileRepo()
	svc := NewEmotionService(states, profiles, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := states.Create(context.Background(), domain.UserState{
		UserID: "user-1", CharacterID: "char-1", EmotionScore: -90, EmotionState: domain.EmotionColdWar,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.ProcessMessage(context.Background(), "user-1", "char-1", "I'm so sorry, please forgive me", nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.RequiresGift {
		t.Fatalf("expected an apology during cold-war to still require a gift to fully recover")
	}
	if result.DeltaApplied <= 0 {
		t.Fatalf("expected the apology to nudge the score up, got delta %d", result.DeltaApplied)
	}
	if result.NewScore > -50 {
		t.Fatalf("expected recovery to be capped at -50, got %d", result.NewScore)
	}
}

func TestProcessMessageBlockedLockoutNeverRecovers(t *testing.T) {
	states := newFakeUserStateRepo()
	profiles := newFakeCharacterProfileRepo()
	svc := NewEmotionService(states, profiles, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := states.Create(context.Background(), domain.UserState{
		UserID: "user-1", CharacterID: "char-1", EmotionScore: -100, EmotionState: domain.EmotionBlocked,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.ProcessMessage(context.Background(), "user-1", "char-1", "I'm sorry, please forgive me", nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DeltaApplied != 0 || result.RequiresGift {
		t.Fatalf("expected blocked state to ignore even an apology, got %+v", result)
	}
}

func TestApplyNaturalDecayMovesNegativeScoreTowardZero(t *testing.T) {
	svc := NewEmotionService(nil, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	state := domain.UserState{
		UserID: "user-1", CharacterID: "char-1",
		EmotionScore: -30, LastEmotionUpdate: now.Add(-3 * time.Hour),
	}

	updated := svc.ApplyNaturalDecay(state, now)
	if updated.EmotionScore <= -30 || updated.EmotionScore > 0 {
		t.Fatalf("expected decay to move the score toward zero, got %d", updated.EmotionScore)
	}
}

func TestApplyNaturalDecaySkipsColdWar(t *testing.T) {
	svc := NewEmotionService(nil, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	state := domain.UserState{
		UserID: "user-1", CharacterID: "char-1",
		EmotionScore: -90, LastEmotionUpdate: now.Add(-5 * time.Hour),
	}

	updated := svc.ApplyNaturalDecay(state, now)
	if updated.EmotionScore != -90 {
		t.Fatalf("expected cold-war score to never decay on its own, got %d", updated.EmotionScore)
	}
}

func TestApplyDirectDeltaClampsAndUpdatesState(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := domain.UserState{UserID: "user-1", CharacterID: "char-1", EmotionScore: 95}

	updated := ApplyDirectDelta(state, 20, now)
	if updated.EmotionScore != 100 {
		t.Fatalf("expected score clamped to 100, got %d", updated.EmotionScore)
	}
	if updated.EmotionState != domain.EmotionLoving {
		t.Fatalf("expected state recomputed to loving, got %v", updated.EmotionState)
	}
	if !updated.LastEmotionUpdate.Equal(now) {
		t.Fatalf("expected LastEmotionUpdate to be set to now")
	}
}
