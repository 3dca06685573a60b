package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"companion-engine/internal/domain"
)

const (
	intimacyBaseXP      = 100.0
	intimacyMultiplier  = 1.15
	intimacyMaxLevel    = 50
	intimacyDailyXPCap  = 500.0
)

// intimacyThresholds[level] is the cumulative XP required to reach level.
// Levels 0-9 are fixed (the early curve the source hand-tunes for pacing);
// levels 10-50 continue geometrically from the level-9 value as
// 750*1.15^(level-9).
var intimacyThresholds = buildIntimacyThresholds()

func buildIntimacyThresholds() []float64 {
	fixed := []float64{0, 10, 20, 50, 100, 180, 280, 400, 550, 750}
	thresholds := make([]float64, intimacyMaxLevel+1)
	copy(thresholds, fixed)
	// The geometric tail picks up from the fixed table's last entry instead of
	// restarting at 100*1.15^level, which would undercut it until level 15 and
	// make the merged table non-monotonic.
	lastFixedLevel := len(fixed) - 1
	lastFixedValue := fixed[lastFixedLevel]
	for level := len(fixed); level <= intimacyMaxLevel; level++ {
		thresholds[level] = lastFixedValue * math.Pow(intimacyMultiplier, float64(level-lastFixedLevel))
	}
	return thresholds
}

// levelFromXP returns the highest level L such that threshold(L) <= xp,
// found by integer bisection over the threshold table rather than the
// log-based inversion the threshold formula would otherwise suggest.
func levelFromXP(xp float64) int {
	// sort.Search finds the first index where the predicate is true; we want
	// the last index where threshold <= xp, i.e. one before the first failure.
	idx := sort.Search(len(intimacyThresholds), func(i int) bool {
		return intimacyThresholds[i] > xp
	})
	level := idx - 1
	if level < 0 {
		level = 0
	}
	if level > intimacyMaxLevel {
		level = intimacyMaxLevel
	}
	return level
}

type IntimacyStageRange struct {
	Stage    domain.IntimacyStage
	MinLevel int
	MaxLevel int
}

var intimacyStages = []IntimacyStageRange{
	{domain.StageStrangers, 0, 3},
	{domain.StageAcquaintances, 4, 10},
	{domain.StageCloseFriends, 11, 25},
	{domain.StageAmbiguous, 26, 40},
	{domain.StageSoulmates, 41, 50},
}

func stageFromLevel(level int) domain.IntimacyStage {
	for _, r := range intimacyStages {
		if level >= r.MinLevel && level <= r.MaxLevel {
			return r.Stage
		}
	}
	return domain.StageStrangers
}

// IntimacyAction is a reward-table key.
type IntimacyAction string

const (
	ActionMessage         IntimacyAction = "message"
	ActionContinuousChat  IntimacyAction = "continuous_chat"
	ActionCheckin         IntimacyAction = "checkin"
	ActionEmotional       IntimacyAction = "emotional"
	ActionVoice           IntimacyAction = "voice"
	ActionShare           IntimacyAction = "share"
)

type actionRewardRow struct {
	XP         float64
	DailyLimit int // 0 = unlimited
	Cooldown   time.Duration
}

var actionRewards = map[IntimacyAction]actionRewardRow{
	ActionMessage:        {XP: 2, DailyLimit: 0, Cooldown: 0},
	ActionContinuousChat: {XP: 5, DailyLimit: 0, Cooldown: 0},
	ActionCheckin:        {XP: 20, DailyLimit: 1, Cooldown: 24 * time.Hour},
	ActionEmotional:      {XP: 10, DailyLimit: 5, Cooldown: 0},
	ActionVoice:          {XP: 15, DailyLimit: 3, Cooldown: 5 * time.Minute},
	ActionShare:          {XP: 50, DailyLimit: 1, Cooldown: 7 * 24 * time.Hour},
}

// featureUnlocks is a fixed level -> feature table; "newly unlocked" on an
// award is every feature whose level falls in (levelBefore, levelAfter].
var featureUnlocks = map[int]string{
	4:  "pet_names",
	10: "voice_messages",
	11: "date_invitations",
	20: "gift_wishlist",
	26: "nsfw_eligible",
	30: "scenario_selection",
	41: "exclusive_scenarios",
	50: "soulmate_ending",
}

var ErrActionCooldown = errors.New("service: action is still cooling down")
var ErrActionDailyLimit = errors.New("service: action daily limit reached")

// AwardResult mirrors spec.md's award-algorithm return shape.
type AwardResult struct {
	Awarded               float64
	XPBefore, XPAfter     float64
	LevelBefore, LevelAfter int
	StageBefore, StageAfter domain.IntimacyStage
	LevelUp               bool
	NewlyUnlockedFeatures []string
	DailyRemaining        float64
	Reason                string
}

// ActionLog tracks the per-(user,character,action) cooldown/daily-count
// bookkeeping the award algorithm needs. In-memory, rebuildable from the
// action history if ever lost (mirrors the emotion buffer's own lifetime
// policy).
type ActionLog interface {
	LastUsed(ctx context.Context, userID, characterID string, action IntimacyAction) (time.Time, error)
	CountToday(ctx context.Context, userID, characterID string, action IntimacyAction, now time.Time) (int, error)
	Record(ctx context.Context, userID, characterID string, action IntimacyAction, at time.Time) error
}

type IntimacyService struct {
	states UserStateRepo
	log    ActionLog
}

// UserStateRepo narrows repository.UserStates to what the intimacy and
// emotion engines both need, so either can be tested against a hand-rolled
// fake without pulling in pgx.
type UserStateRepo interface {
	Get(ctx context.Context, userID, characterID string) (domain.UserState, error)
	Create(ctx context.Context, state domain.UserState) error
	Save(ctx context.Context, state domain.UserState) error
}

func NewIntimacyService(states UserStateRepo, log ActionLog) *IntimacyService {
	return &IntimacyService{states: states, log: log}
}

// InMemoryActionLog is the default ActionLog: process-scoped and mutex-guarded,
// mirroring the emotion engine's own bufferCache lifetime policy. Losing it on
// restart only resets cooldowns/daily caps early, never double-applies a reward.
type InMemoryActionLog struct {
	mu      sync.Mutex
	lastUse map[string]time.Time
	counts  map[string]map[string]int
}

func NewInMemoryActionLog() *InMemoryActionLog {
	return &InMemoryActionLog{
		lastUse: make(map[string]time.Time),
		counts:  make(map[string]map[string]int),
	}
}

func actionLogKey(userID, characterID string, action IntimacyAction) string {
	return userID + ":" + characterID + ":" + string(action)
}

func (l *InMemoryActionLog) LastUsed(ctx context.Context, userID, characterID string, action IntimacyAction) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUse[actionLogKey(userID, characterID, action)], nil
}

func (l *InMemoryActionLog) CountToday(ctx context.Context, userID, characterID string, action IntimacyAction, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := actionLogKey(userID, characterID, action)
	day := now.UTC().Format("2006-01-02")
	return l.counts[key][day], nil
}

func (l *InMemoryActionLog) Record(ctx context.Context, userID, characterID string, action IntimacyAction, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := actionLogKey(userID, characterID, action)
	l.lastUse[key] = at

	day := at.UTC().Format("2006-01-02")
	if l.counts[key] == nil {
		l.counts[key] = make(map[string]int)
	}
	l.counts[key][day]++
	return nil
}

// GetOrCreate returns the running state for a pair, creating a fresh
// strangers/neutral row on first contact.
func (s *IntimacyService) GetOrCreate(ctx context.Context, userID, characterID string, now time.Time) (domain.UserState, error) {
	state, err := s.states.Get(ctx, userID, characterID)
	if err == nil {
		return state, nil
	}
	fresh := domain.UserState{
		UserID:         userID,
		CharacterID:    characterID,
		Stage:          domain.StageStrangers,
		EmotionState:   domain.EmotionNeutral,
		LastDailyReset: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if createErr := s.states.Create(ctx, fresh); createErr != nil {
		return domain.UserState{}, createErr
	}
	return fresh, nil
}

// Award runs the full award algorithm for one action, persisting the result
// with a bounded optimistic-concurrency retry (3 attempts, jittered) against
// UserState.Version.
func (s *IntimacyService) Award(ctx context.Context, userID, characterID string, action IntimacyAction, now time.Time) (AwardResult, error) {
	row, ok := actionRewards[action]
	if !ok {
		return AwardResult{}, errors.New("service: unknown intimacy action")
	}

	var result AwardResult
	err := retryOnVersionConflict(func() error {
		state, err := s.GetOrCreate(ctx, userID, characterID, now)
		if err != nil {
			return err
		}

		if row.Cooldown > 0 {
			last, err := s.log.LastUsed(ctx, userID, characterID, action)
			if err == nil && !last.IsZero() && now.Sub(last) < row.Cooldown {
				result = AwardResult{Reason: "cooldown", DailyRemaining: remainingDailyCap(state, now)}
				return ErrActionCooldown
			}
		}
		if row.DailyLimit > 0 {
			count, err := s.log.CountToday(ctx, userID, characterID, action, now)
			if err == nil && count >= row.DailyLimit {
				result = AwardResult{Reason: "action_limit", DailyRemaining: remainingDailyCap(state, now)}
				return ErrActionDailyLimit
			}
		}

		if state.LastDailyReset.IsZero() || !sameUTCDate(state.LastDailyReset, now) {
			state.DailyXPEarned = 0
			state.LastDailyReset = now
		}

		capRemaining := intimacyDailyXPCap - state.DailyXPEarned
		if capRemaining < 0 {
			capRemaining = 0
		}
		awarded := math.Min(row.XP, capRemaining)

		xpBefore := state.IntimacyXP
		levelBefore := state.IntimacyLevel
		stageBefore := state.Stage

		state.IntimacyXP += awarded
		state.DailyXPEarned += awarded
		state.IntimacyLevel = levelFromXP(state.IntimacyXP)
		state.Stage = stageFromLevel(state.IntimacyLevel)
		state.StreakDays = nextStreak(state.StreakDays, state.LastInteractionDate, now)
		state.LastInteractionDate = now
		state.UpdatedAt = now

		result = AwardResult{
			Awarded:               awarded,
			XPBefore:              xpBefore,
			XPAfter:               state.IntimacyXP,
			LevelBefore:           levelBefore,
			LevelAfter:            state.IntimacyLevel,
			StageBefore:           stageBefore,
			StageAfter:            state.Stage,
			LevelUp:               state.IntimacyLevel > levelBefore,
			NewlyUnlockedFeatures: unlockedBetween(levelBefore, state.IntimacyLevel),
			DailyRemaining:        intimacyDailyXPCap - state.DailyXPEarned,
			Reason:                "",
		}
		if awarded == 0 {
			result.Reason = "daily_cap"
		}

		if saveErr := s.states.Save(ctx, state); saveErr != nil {
			return saveErr
		}
		return s.log.Record(ctx, userID, characterID, action, now)
	})

	if errors.Is(err, ErrActionCooldown) || errors.Is(err, ErrActionDailyLimit) {
		return result, nil
	}
	if err != nil {
		return AwardResult{}, err
	}
	return result, nil
}

// ApplyDirectXP awards xp to state without the cooldown/daily-limit/daily-cap
// checks the action-reward table enforces: gifts are a direct purchase, not a
// rate-limited action. Pure function; the caller persists the result inside
// its own transaction (see GiftService).
func ApplyDirectXP(state domain.UserState, xp float64, now time.Time) (domain.UserState, AwardResult) {
	xpBefore := state.IntimacyXP
	levelBefore := state.IntimacyLevel
	stageBefore := state.Stage

	state.IntimacyXP += xp
	state.IntimacyLevel = levelFromXP(state.IntimacyXP)
	state.Stage = stageFromLevel(state.IntimacyLevel)
	state.StreakDays = nextStreak(state.StreakDays, state.LastInteractionDate, now)
	state.LastInteractionDate = now
	state.UpdatedAt = now

	result := AwardResult{
		Awarded:               xp,
		XPBefore:              xpBefore,
		XPAfter:                state.IntimacyXP,
		LevelBefore:           levelBefore,
		LevelAfter:            state.IntimacyLevel,
		StageBefore:           stageBefore,
		StageAfter:            state.Stage,
		LevelUp:               state.IntimacyLevel > levelBefore,
		NewlyUnlockedFeatures: unlockedBetween(levelBefore, state.IntimacyLevel),
	}
	return state, result
}

func remainingDailyCap(state domain.UserState, now time.Time) float64 {
	if state.LastDailyReset.IsZero() || !sameUTCDate(state.LastDailyReset, now) {
		return intimacyDailyXPCap
	}
	remaining := intimacyDailyXPCap - state.DailyXPEarned
	if remaining < 0 {
		return 0
	}
	return remaining
}

func unlockedBetween(before, after int) []string {
	if after <= before {
		return nil
	}
	var features []string
	for level := before + 1; level <= after; level++ {
		if feature, ok := featureUnlocks[level]; ok {
			features = append(features, feature)
		}
	}
	return features
}

// nextStreak applies 1-day-grace streak logic: same UTC day keeps the streak,
// exactly one day later increments it, anything else resets to 1.
func nextStreak(current int, last, now time.Time) int {
	if last.IsZero() {
		return 1
	}
	if sameUTCDate(last, now) {
		if current == 0 {
			return 1
		}
		return current
	}
	if daysBetweenUTC(last, now) == 1 {
		return current + 1
	}
	return 1
}

func sameUTCDate(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func daysBetweenUTC(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	return int(b.Truncate(24*time.Hour).Sub(a.Truncate(24 * time.Hour)).Hours() / 24)
}
