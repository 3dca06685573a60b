package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
)

type fakeUserStateRepo struct {
	states map[string]domain.UserState
}

func newFakeUserStateRepo() *fakeUserStateRepo {
	return &fakeUserStateRepo{states: make(map[string]domain.UserState)}
}

func stateKey(userID, characterID string) string { return userID + "|" + characterID }

func (r *fakeUserStateRepo) Get(_ context.Context, userID, characterID string) (domain.UserState, error) {
	state, ok := r.states[stateKey(userID, characterID)]
	if !ok {
		return domain.UserState{}, pgx.ErrNoRows
	}
	return state, nil
}

func (r *fakeUserStateRepo) Create(_ context.Context, state domain.UserState) error {
	r.states[stateKey(state.UserID, state.CharacterID)] = state
	return nil
}

func (r *fakeUserStateRepo) Save(_ context.Context, state domain.UserState) error {
	r.states[stateKey(state.UserID, state.CharacterID)] = state
	return nil
}

func TestLevelFromXPMonotonicAcrossFixedTableBoundary(t *testing.T) {
	// thresholds[9] = 750 (the fixed table's last entry); the geometric tail
	// must not dip below it for any level 10-50, or levelFromXP's bisection
	// skips levels that were reachable under the fixed table alone.
	for level := 1; level < len(intimacyThresholds); level++ {
		if intimacyThresholds[level] < intimacyThresholds[level-1] {
			t.Fatalf("thresholds not monotonic at level %d: %v < %v", level, intimacyThresholds[level], intimacyThresholds[level-1])
		}
	}

	cases := []struct {
		xp          float64
		expectLevel int
	}{
		{xp: 500, expectLevel: 7},  // below threshold(8)=550, still at level 7
		{xp: 550, expectLevel: 8},  // exactly threshold(8), before the fix this returned 12
		{xp: 750, expectLevel: 9},  // exactly threshold(9), before the fix this returned 14
		{xp: 0, expectLevel: 0},
		{xp: 10, expectLevel: 1},
	}
	for _, c := range cases {
		if got := levelFromXP(c.xp); got != c.expectLevel {
			t.Fatalf("levelFromXP(%v) = %d, want %d", c.xp, got, c.expectLevel)
		}
	}
}

func TestIntimacyServiceAwardAccumulatesXP(t *testing.T) {
	states := newFakeUserStateRepo()
	svc := NewIntimacyService(states, NewInMemoryActionLog())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	result, err := svc.Award(context.Background(), "user-1", "char-1", ActionMessage, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Awarded != actionRewards[ActionMessage].XP {
		t.Fatalf("expected awarded %v, got %v", actionRewards[ActionMessage].XP, result.Awarded)
	}
	if result.LevelAfter != 0 {
		t.Fatalf("expected still level 0 after a single message, got %d", result.LevelAfter)
	}

	state, err := states.Get(context.Background(), "user-1", "char-1")
	if err != nil {
		t.Fatalf("expected persisted state, got error: %v", err)
	}
	if state.IntimacyXP != 2 {
		t.Fatalf("expected persisted xp 2, got %v", state.IntimacyXP)
	}
}

func TestIntimacyServiceAwardRespectsDailyCap(t *testing.T) {
	states := newFakeUserStateRepo()
	svc := NewIntimacyService(states, NewInMemoryActionLog())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Seed the day's earned XP one short of the cap, so the next award is
	// clipped to the remaining 1 XP and the one after it awards 0.
	seeded := domain.UserState{
		UserID: "user-1", CharacterID: "char-1",
		DailyXPEarned: intimacyDailyXPCap - 1, LastDailyReset: now,
		Stage: domain.StageStrangers, CreatedAt: now, UpdatedAt: now,
	}
	if err := states.Create(context.Background(), seeded); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := svc.Award(context.Background(), "user-1", "char-1", ActionEmotional, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Awarded != 1 {
		t.Fatalf("expected award clipped to remaining daily cap (1), got %v", result.Awarded)
	}

	result2, err := svc.Award(context.Background(), "user-1", "char-1", ActionEmotional, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2.Awarded != 0 || result2.Reason != "daily_cap" {
		t.Fatalf("expected zero award with daily_cap reason once the cap is exhausted, got %+v", result2)
	}
}

func TestIntimacyServiceAwardCooldownBlocksRepeat(t *testing.T) {
	states := newFakeUserStateRepo()
	svc := NewIntimacyService(states, NewInMemoryActionLog())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := svc.Award(context.Background(), "user-1", "char-1", ActionVoice, now); err != nil {
		t.Fatalf("unexpected error on first award: %v", err)
	}

	result, err := svc.Award(context.Background(), "user-1", "char-1", ActionVoice, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error on cooldown hit: %v", err)
	}
	if result.Awarded != 0 || result.Reason != "cooldown" {
		t.Fatalf("expected cooldown to block the award, got %+v", result)
	}
}

func TestApplyDirectXPBypassesDailyCapAndCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := domain.UserState{
		UserID: "user-1", CharacterID: "char-1",
		DailyXPEarned: intimacyDailyXPCap, LastDailyReset: now,
		Stage: domain.StageStrangers,
	}

	newState, result := ApplyDirectXP(state, 50, now)
	if result.Awarded != 50 {
		t.Fatalf("expected the full direct award despite an exhausted daily cap, got %v", result.Awarded)
	}
	if newState.IntimacyXP != 50 {
		t.Fatalf("expected xp 50, got %v", newState.IntimacyXP)
	}
}
