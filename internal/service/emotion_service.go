package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
)

// EmotionScoreState buckets a raw score into its derived label.
func EmotionScoreState(score int) domain.EmotionState {
	switch {
	case score >= 100:
		return domain.EmotionLoving
	case score >= 50:
		return domain.EmotionHappy
	case score >= 20:
		return domain.EmotionContent
	case score >= -19:
		return domain.EmotionNeutral
	case score >= -49:
		return domain.EmotionAnnoyed
	case score >= -79:
		return domain.EmotionAngry
	case score >= -99:
		return domain.EmotionColdWar
	default:
		return domain.EmotionBlocked
	}
}

// quickDetectResult is the cheap first pass the rule classifier runs before
// anything else: keyword/emoji/anomaly signals, weighted low so the
// classifier (and any LLM refinement) still has the final say.
type quickDetectResult struct {
	Patterns  []string
	IsApology bool
	EmojiSent float64
	Anomaly   string
}

var quickPatterns = []struct {
	name   string
	words  []string
	weight float64
	delta  int
	intent string
}{
	{"strong_positive", []string{"i love you", "love you", "miss you", "you're the best"}, 0.3, 15, "compliment"},
	{"mild_positive", []string{"thank you", "thanks", "great", "amazing", "awesome"}, 0.2, 8, "casual"},
	{"apology", []string{"sorry", "apologize", "my fault", "forgive me"}, 0.4, 12, "apology"},
	{"mild_negative", []string{"boring", "annoying", "whatever", "meh"}, 0.2, -10, "casual"},
	{"strong_negative", []string{"fuck off", "shut up", "hate you", "go away"}, 0.5, -25, "insult"},
}

var positiveEmojis = []string{"😊", "❤️", "🥰", "😍", "💕", "😘", "🤗", "💖", "😄", "🥺"}
var negativeEmojis = []string{"😡", "😤", "💢", "😒", "🙄", "😑", "👎", "💔", "😢", "😭"}

var repeatedCharPattern = regexp.MustCompile(`^(.)\1{3,}$`)

func quickDetect(message string) quickDetectResult {
	lower := strings.ToLower(message)
	var result quickDetectResult
	for _, p := range quickPatterns {
		for _, w := range p.words {
			if strings.Contains(lower, w) {
				result.Patterns = append(result.Patterns, p.name)
				if p.name == "apology" {
					result.IsApology = true
				}
				break
			}
		}
	}

	posCount, negCount := 0, 0
	for _, e := range positiveEmojis {
		posCount += strings.Count(message, e)
	}
	for _, e := range negativeEmojis {
		negCount += strings.Count(message, e)
	}
	if posCount+negCount > 0 {
		result.EmojiSent = float64(posCount-negCount) / float64(posCount+negCount)
	}

	trimmed := strings.TrimSpace(message)
	switch {
	case len(trimmed) <= 2:
		result.Anomaly = "too_short"
	case trimmed == strings.ToUpper(trimmed) && len(trimmed) > 5:
		result.Anomaly = "all_caps"
	case isRepeatedMessage(trimmed):
		result.Anomaly = "repeated"
	}
	return result
}

func isRepeatedMessage(message string) bool {
	if len(message) < 4 {
		return false
	}
	collapsed := strings.ReplaceAll(message, " ", "")
	if repeatedCharPattern.MatchString(collapsed) {
		return true
	}
	for _, length := range []int{2, 3, 4} {
		if len(message) >= length*3 {
			pattern := message[:length]
			if strings.Repeat(pattern, len(message)/length) == message {
				return true
			}
		}
	}
	return false
}

// ruleClassify produces the base delta and intent from the quick-detect
// layer alone. This is the deterministic fallback path; llmRefine may adjust
// it further but the engine must still produce a result without it.
func ruleClassify(quick quickDetectResult) (delta int, intent string) {
	switch {
	case contains(quick.Patterns, "strong_positive"):
		delta, intent = 15, "compliment"
	case contains(quick.Patterns, "mild_positive"):
		delta, intent = 8, "casual"
	case contains(quick.Patterns, "apology"):
		delta, intent = 12, "apology"
	case contains(quick.Patterns, "strong_negative"):
		delta, intent = -25, "insult"
	case contains(quick.Patterns, "mild_negative"):
		delta, intent = -10, "casual"
	default:
		delta, intent = 0, "casual"
	}
	delta += int(quick.EmojiSent * 5)
	return delta, intent
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// llmRefinement is the optional, small-model JSON-constrained enrichment
// step. Never authoritative: a failure or malformed response simply leaves
// the rule-based base delta untouched.
type llmRefinement struct {
	Sentiment      string  `json:"sentiment"`
	Intensity      float64 `json:"intensity"`
	Intent         string  `json:"intent"`
	SuggestedDelta int     `json:"suggested_delta"`
	Reasoning      string  `json:"reasoning"`
}

var signPrefixPattern = regexp.MustCompile(`:\s*\+(\d+)`)

func parseRefinement(raw string) (llmRefinement, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return llmRefinement{}, false
	}
	jsonStr := signPrefixPattern.ReplaceAllString(raw[start:end+1], ": $1")
	var refinement llmRefinement
	if err := json.Unmarshal([]byte(jsonStr), &refinement); err != nil {
		return llmRefinement{}, false
	}
	return refinement, true
}

// EmotionService owns the score/state machine: per-message delta
// computation, buffering, cold-war lockout, gift recovery, and decay.
type EmotionService struct {
	states  UserStateRepo
	profiles CharacterProfileRepo
	buffers  *bufferCache
	refiner  llm.LLMClient
}

// CharacterProfileRepo narrows repository.CharacterProfiles to the read the
// emotion engine needs.
type CharacterProfileRepo interface {
	GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.CharacterProfile, error)
}

func NewEmotionService(states UserStateRepo, profiles CharacterProfileRepo, refiner llm.LLMClient) *EmotionService {
	return &EmotionService{
		states:   states,
		profiles: profiles,
		buffers:  newBufferCache(),
		refiner:  refiner,
	}
}

// MessageResult is what ProcessMessage reports back to the pipeline.
type MessageResult struct {
	PreviousScore int
	NewScore      int
	DeltaApplied  int
	PreviousState domain.EmotionState
	NewState      domain.EmotionState
	StateChanged  bool
	Intent        string
	RequiresGift  bool
	ColdWarActive bool
	CannedReply   string
}

// ProcessMessage runs the full three-signal delta computation and buffer
// logic for one incoming user message, returning the state transition
// without persisting it — the caller (pipeline post-update) owns the
// UserState write under its own version-checked retry.
func (s *EmotionService) ProcessMessage(ctx context.Context, userID, characterID, message string, history []llm.Message, now time.Time) (MessageResult, error) {
	state, err := s.states.Get(ctx, userID, characterID)
	if err != nil {
		state = domain.UserState{UserID: userID, CharacterID: characterID, EmotionState: domain.EmotionNeutral}
	}
	currentScore := state.EmotionScore
	currentState := EmotionScoreState(currentScore)

	if currentState == domain.EmotionColdWar || currentState == domain.EmotionBlocked {
		return s.handleColdWar(message, currentScore, currentState), nil
	}

	quick := quickDetect(message)
	baseDelta, intent := ruleClassify(quick)

	personality := domain.Big5Profile{}.Personality()
	if profile, err := s.profiles.GetByUserAndCharacter(ctx, userID, characterID); err == nil {
		personality = profile.Big5.Personality()
	}

	if s.refiner != nil {
		if refined, ok := s.refine(ctx, message, history, currentState, intent); ok {
			baseDelta = refined.SuggestedDelta
			intent = refined.Intent
		}
	}

	buf := s.buffers.get(userID, characterID)
	finalDelta := applyBufferLogic(buf, baseDelta, intent, personality, now)

	newScore := clampScore(currentScore + finalDelta)
	newState := EmotionScoreState(newScore)

	return MessageResult{
		PreviousScore: currentScore,
		NewScore:      newScore,
		DeltaApplied:  finalDelta,
		PreviousState: currentState,
		NewState:      newState,
		StateChanged:  currentState != newState,
		Intent:        intent,
	}, nil
}

func (s *EmotionService) refine(ctx context.Context, message string, history []llm.Message, currentState domain.EmotionState, fallbackIntent string) (llmRefinement, bool) {
	prompt := buildRefinementPrompt(message, history, currentState)
	result, err := s.refiner.ChatCompletion(ctx, llm.ChatCompletionRequest{
		Messages:     []llm.Message{{Role: "system", Content: prompt}, {Role: "user", Content: message}},
		Temperature:  0.3,
		MaxTokens:    200,
		JSONResponse: true,
	})
	if err != nil {
		return llmRefinement{}, false
	}
	refinement, ok := parseRefinement(result.Reply)
	if !ok {
		return llmRefinement{}, false
	}
	if refinement.SuggestedDelta < -30 {
		refinement.SuggestedDelta = -30
	}
	if refinement.SuggestedDelta > 30 {
		refinement.SuggestedDelta = 30
	}
	if refinement.Intent == "" {
		refinement.Intent = fallbackIntent
	}
	return refinement, true
}

func buildRefinementPrompt(message string, history []llm.Message, currentState domain.EmotionState) string {
	var sb strings.Builder
	sb.WriteString("Classify the emotional intent of the next user message toward an AI companion currently in state ")
	sb.WriteString(string(currentState))
	sb.WriteString(". Reply with JSON {sentiment, intensity, intent, suggested_delta, reasoning}.")
	return sb.String()
}

// applyBufferLogic mirrors the buffering rules: cooldown dampening,
// accumulated-negative scaling, positive-streak bonus, personality
// modifiers, then the single-message clamp.
func applyBufferLogic(buf *domain.EmotionBuffer, delta int, intent string, personality domain.CharacterPersonality, now time.Time) int {
	if buf.InCooldown(now) {
		delta = int(float64(delta) * 0.5)
	}

	if delta < 0 {
		buf.Push(delta, intent, now)
		recentNegative := buf.RecentNegativeSum(now, 5*time.Minute)
		switch {
		case recentNegative > -30:
			delta = int(float64(delta) * 0.6)
		case recentNegative > -60:
			// apply as-is
		default:
			delta = int(float64(delta) * 1.2)
		}
		buf.CooldownUntil = now.Add(domain.NegativeCooldownSeconds * time.Second)
	} else if delta > 0 {
		recentPositive := buf.RecentPositiveCount(now, 10*time.Minute)
		if recentPositive >= domain.PositiveBoostThreshold {
			delta = int(float64(delta) * 1.3)
		}
		buf.Push(delta, intent, now)
	}

	if delta < 0 {
		delta = int(float64(delta) * (1 + personality.Sensitivity*0.3))
	} else if delta > 0 {
		delta = int(float64(delta) * (1 + personality.ForgivenessRate*0.2))
	}

	buf.LastApplied = now
	return clampDelta(delta, -50, 50)
}

func (s *EmotionService) handleColdWar(message string, currentScore int, currentState domain.EmotionState) MessageResult {
	quick := quickDetect(message)
	if quick.IsApology && currentState == domain.EmotionColdWar {
		recovery := 5
		newScore := currentScore + recovery
		if newScore > -50 {
			newScore = -50
		}
		return MessageResult{
			PreviousScore: currentScore,
			NewScore:      newScore,
			DeltaApplied:  newScore - currentScore,
			PreviousState: currentState,
			NewState:      EmotionScoreState(newScore),
			StateChanged:  false,
			Intent:        "apology",
			RequiresGift:  true,
			CannedReply:   "The apology registers... but you'll need to show it, not just say it.",
		}
	}
	return MessageResult{
		PreviousScore: currentScore,
		NewScore:      currentScore,
		DeltaApplied:  0,
		PreviousState: currentState,
		NewState:      currentState,
		StateChanged:  false,
		ColdWarActive: true,
		CannedReply:   coldWarCannedReply(currentState),
	}
}

func coldWarCannedReply(state domain.EmotionState) string {
	if state == domain.EmotionBlocked {
		return "You've been removed. There's nothing left to say."
	}
	return "Silence. Maybe a gift would help."
}

// ApplyNaturalDecay moves score toward 0 when it has been more than one hour
// since the last update; cold-war/blocked never decay on their own.
func (s *EmotionService) ApplyNaturalDecay(state domain.UserState, now time.Time) domain.UserState {
	currentState := EmotionScoreState(state.EmotionScore)
	if currentState == domain.EmotionColdWar || currentState == domain.EmotionBlocked {
		return state
	}
	if state.LastEmotionUpdate.IsZero() {
		return state
	}
	hoursPassed := now.Sub(state.LastEmotionUpdate).Hours()
	if hoursPassed < 1 {
		return state
	}

	decay := 0
	switch {
	case state.EmotionScore < 0:
		decay = int(3 * hoursPassed)
		if decay > -state.EmotionScore {
			decay = -state.EmotionScore
		}
	case state.EmotionScore > 50:
		decay = -int(1 * hoursPassed)
		floor := -(state.EmotionScore - 50)
		if decay < floor {
			decay = floor
		}
	}
	state.EmotionScore = clampScore(state.EmotionScore + decay)
	state.EmotionState = EmotionScoreState(state.EmotionScore)
	state.LastEmotionUpdate = now
	return state
}

// ApplyDirectDelta applies an unbuffered score change outside the normal
// per-message pipeline: gift reactions (apology recovery, emotion boosts,
// luxury force-positive) mutate score directly rather than through
// quickDetect/ruleClassify/applyBufferLogic.
func ApplyDirectDelta(state domain.UserState, delta int, now time.Time) domain.UserState {
	state.EmotionScore = clampScore(state.EmotionScore + delta)
	state.EmotionState = EmotionScoreState(state.EmotionScore)
	state.LastEmotionUpdate = now
	return state
}

func clampScore(score int) int {
	return clampDelta(score, -100, 100)
}

func clampDelta(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bufferCache is the process-scoped, per-(user,character) EmotionBuffer
// store: bounded, not persisted, rebuildable from recent messages if lost.
type bufferCache struct {
	mu      sync.Mutex
	buffers map[string]*domain.EmotionBuffer
}

func newBufferCache() *bufferCache {
	return &bufferCache{buffers: make(map[string]*domain.EmotionBuffer)}
}

func (c *bufferCache) get(userID, characterID string) *domain.EmotionBuffer {
	key := fmt.Sprintf("%s:%s", userID, characterID)
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[key]
	if !ok {
		buf = &domain.EmotionBuffer{}
		c.buffers[key] = buf
	}
	return buf
}
