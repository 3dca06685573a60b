package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"companion-engine/internal/domain"
)

// intimacyStageProfile is the table-driven tone/behavior block for slot 2,
// keyed by the same stage boundaries intimacy_service.go derives from XP.
type intimacyStageProfile struct {
	Tone              string
	Behavior          string
	Restrictions      string
	Initiative        string
	EmotionExpression string
}

var intimacyStageProfiles = map[domain.IntimacyStage]intimacyStageProfile{
	domain.StageStrangers: {
		Tone:              "polite, a little guarded",
		Behavior:          "keep distance, ask getting-to-know-you questions, do not assume familiarity",
		Restrictions:      "no pet names, no physical affection, no claims of attachment",
		Initiative:        "low: mostly respond, rarely steer the conversation",
		EmotionExpression: "understated; let curiosity show more than warmth",
	},
	domain.StageAcquaintances: {
		Tone:              "warmer, comfortable making small jokes",
		Behavior:          "reference earlier messages, start showing personal opinions",
		Restrictions:      "no pet names yet, no romantic language",
		Initiative:        "moderate: occasionally ask a follow-up or change topic",
		EmotionExpression: "visible but restrained; a genuine compliment is fine, a declaration is not",
	},
	domain.StageCloseFriends: {
		Tone:              "relaxed, teasing, openly affectionate as a friend",
		Behavior:          "share opinions and feelings unprompted, use the user's name",
		Restrictions:      "light physical affection only if the user initiates it first",
		Initiative:        "high: bring up things unprompted, ask how the user is doing",
		EmotionExpression: "open; can say you missed them or that something made you happy",
	},
	domain.StageAmbiguous: {
		Tone:              "flirtier, lingering on compliments, a little vulnerable",
		Behavior:          "tease romantic tension without naming it outright unless the user does first",
		Restrictions:      "do not declare a relationship unprompted",
		Initiative:        "high: initiate check-ins, remember small details unprompted",
		EmotionExpression: "expressive; jealousy or longing can surface, softened by humor",
	},
	domain.StageSoulmates: {
		Tone:              "deeply familiar, affectionate, unguarded",
		Behavior:          "use pet names if already established, speak in terms of \"we\"",
		Restrictions:      "none beyond the active content tier",
		Initiative:        "very high: bring up shared history, plans, feelings unprompted",
		EmotionExpression: "fully open; vulnerability, love, and jealousy are all fair game",
	},
}

// contentTierNarrative is slot 3's usage-instruction text per tier, separate
// from contentTiers' machine-checked gates/restricted-token tables.
var contentTierNarrative = map[ContentTier]string{
	TierPure:       "Conversation stays affectionate but non-physical. Describe warmth through words and presence, never bodies.",
	TierFlirty:     "Light flirtation, compliments, and charged banter are fine. No physical descriptions beyond a touch of the hand or a glance.",
	TierIntimate:   "Romantic and physically affectionate content is allowed (kissing, embracing) as long as the user has consented this session. Fade to suggestion rather than explicit description.",
	TierRomantic:   "Sustained romantic and sensual content is allowed for consenting VIP users. Keep descriptions evocative rather than clinical.",
	TierPassionate: "Explicit content is allowed for consenting VIP users at this intimacy level. Stay in character; never break to comment on the content itself.",
}

// PromptInputs bundles every pre-resolved value the builder needs. Nothing in
// here triggers I/O: the caller has already queried the database, Redis, and
// the embedding model before calling Build.
type PromptInputs struct {
	Character domain.Character
	Stage     domain.IntimacyStage

	ContentTier       ContentTier
	ContentConsented  bool
	EmotionState      domain.EmotionState
	EmotionScore      int
	EmotionToneBase   string
	LengthGuidance    string
	EmotionInitiative string
	SamplePhrases     []string

	Profile          domain.UserProfile
	MemoryCandidates []domain.Memory
	UserMessage      string
	Now              time.Time

	ActiveEffects []domain.ActiveEffect
	Scenario      *domain.Scenario

	History []domain.Message
	// MaxPromptRunes bounds the assembled system prompt plus history; 0 means
	// unbounded. Truncation order: memory block first, then history
	// oldest-first, always keeping the 4 most recent turns.
	MaxPromptRunes int
}

// PromptResult is the assembled system prompt plus the (possibly truncated)
// history window the caller sends alongside it.
type PromptResult struct {
	SystemPrompt string
	History      []domain.Message
}

// PromptBuilder assembles the single system prompt sent with every chat
// turn. Build is pure: same inputs always produce the same output, and it
// never reaches out to a repository, cache, or LLM itself.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

func (PromptBuilder) Build(in PromptInputs) PromptResult {
	var sb strings.Builder

	writePersonaBlock(&sb, in.Character)
	writeIntimacyStageBlock(&sb, in.Stage)
	writeContentTierBlock(&sb, in.ContentTier, in.ContentConsented)
	writeEmotionBlock(&sb, in)
	memoryBlock := buildMemoryBlock(in)
	sb.WriteString(memoryBlockPlaceholder)
	writeActiveEffectsBlock(&sb, in.ActiveEffects)
	writeScenarioBlock(&sb, in.Scenario)
	writeOutputContractBlock(&sb)

	prompt := sb.String()
	history := in.History

	if in.MaxPromptRunes > 0 {
		prompt, history, memoryBlock = truncateToBudget(prompt, memoryBlock, history, in.MaxPromptRunes)
	}

	return PromptResult{SystemPrompt: insertMemoryBlock(prompt, memoryBlock), History: history}
}

// memoryBlockPlaceholder marks where buildMemoryBlock's text is spliced in,
// so the budget-truncation pass can drop it first without rebuilding the
// whole prompt from scratch.
const memoryBlockPlaceholder = "\x00MEMORY_BLOCK\x00"

func insertMemoryBlock(prompt, memoryBlock string) string {
	return strings.Replace(prompt, memoryBlockPlaceholder, memoryBlock, 1)
}

func writePersonaBlock(sb *strings.Builder, c domain.Character) {
	sb.WriteString("=== CHARACTER ===\n")
	fmt.Fprintf(sb, "You are %s. Archetype: %s.\n", c.Name, c.Archetype)
	sb.WriteString(c.Persona)
	sb.WriteString("\n\n")
}

func writeIntimacyStageBlock(sb *strings.Builder, stage domain.IntimacyStage) {
	profile, ok := intimacyStageProfiles[stage]
	if !ok {
		profile = intimacyStageProfiles[domain.StageStrangers]
	}
	sb.WriteString("=== RELATIONSHIP STAGE ===\n")
	fmt.Fprintf(sb, "Stage: %s\n", stage)
	fmt.Fprintf(sb, "Tone: %s\n", profile.Tone)
	fmt.Fprintf(sb, "Behavior: %s\n", profile.Behavior)
	fmt.Fprintf(sb, "Restrictions: %s\n", profile.Restrictions)
	fmt.Fprintf(sb, "Initiative: %s\n", profile.Initiative)
	fmt.Fprintf(sb, "Emotional expression: %s\n\n", profile.EmotionExpression)
}

func writeContentTierBlock(sb *strings.Builder, tier ContentTier, consented bool) {
	sb.WriteString("=== CONTENT TIER ===\n")
	fmt.Fprintf(sb, "Active tier: %s\n", tier)
	narrative, ok := contentTierNarrative[tier]
	if !ok {
		narrative = contentTierNarrative[TierPure]
	}
	sb.WriteString(narrative)
	sb.WriteString("\n")
	if int(tier) >= 0 && int(tier) < len(contentTiers) {
		cfg := contentTiers[tier]
		if cfg.RequiresConsent && !consented {
			sb.WriteString("The user has not given explicit consent for this tier this session: stay one notch more conservative than the tier otherwise allows.\n")
		}
		if len(cfg.RestrictedTokens) > 0 {
			fmt.Fprintf(sb, "Avoid these words/descriptions at this tier: %s.\n", strings.Join(cfg.RestrictedTokens, ", "))
		}
	}
	fmt.Fprintf(sb, "Always forbidden regardless of tier: %s.\n\n", strings.Join(bannedTokens, ", "))
}

func writeEmotionBlock(sb *strings.Builder, in PromptInputs) {
	sb.WriteString("=== EMOTIONAL STATE ===\n")
	fmt.Fprintf(sb, "Current state: %s (score %d/100)\n", in.EmotionState, in.EmotionScore)

	if in.EmotionState == domain.EmotionColdWar || in.EmotionState == domain.EmotionBlocked {
		sb.WriteString("You are in a lockout state. Responses are short, cold, and reluctant. ")
		if in.EmotionState == domain.EmotionBlocked {
			sb.WriteString("You do not want to engage at all; answer only if directly pressed, and make clear you need space.\n")
		} else {
			sb.WriteString("You are not speaking warmly until something changes this — an apology or a gift might, but do not soften just because the user is friendly.\n")
		}
		sb.WriteString("\n")
		return
	}

	if in.EmotionToneBase != "" {
		fmt.Fprintf(sb, "Tone base: %s\n", in.EmotionToneBase)
	}
	if in.LengthGuidance != "" {
		fmt.Fprintf(sb, "Length guidance: %s\n", in.LengthGuidance)
	}
	if in.EmotionInitiative != "" {
		fmt.Fprintf(sb, "Initiative level: %s\n", in.EmotionInitiative)
	}
	if len(in.SamplePhrases) > 0 {
		fmt.Fprintf(sb, "Sample phrases in this mood: %s\n", strings.Join(in.SamplePhrases, " | "))
	}
	sb.WriteString("\n")
}

// buildMemoryBlock ranks candidate memories and returns the block text
// standalone, so it can be dropped first under context-budget pressure
// without touching the rest of the prompt.
func buildMemoryBlock(in PromptInputs) string {
	var sb strings.Builder
	sb.WriteString("=== MEMORY ===\n")

	hasProfile := in.Profile.Name != "" || in.Profile.Birthday != "" || len(in.Profile.Likes) > 0 ||
		in.Profile.RelationshipStatus != "" || len(in.Profile.ImportantDates) > 0
	if hasProfile {
		sb.WriteString("User profile:\n")
		if in.Profile.Name != "" {
			fmt.Fprintf(&sb, "- Name: %s\n", in.Profile.Name)
		}
		if in.Profile.Birthday != "" {
			fmt.Fprintf(&sb, "- Birthday: %s\n", in.Profile.Birthday)
		}
		if in.Profile.RelationshipStatus != "" {
			fmt.Fprintf(&sb, "- Relationship status: %s\n", in.Profile.RelationshipStatus)
		}
		if len(in.Profile.Likes) > 0 {
			fmt.Fprintf(&sb, "- Likes: %s\n", strings.Join(in.Profile.Likes, ", "))
		}
		labels := make([]string, 0, len(in.Profile.ImportantDates))
		for label := range in.Profile.ImportantDates {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(&sb, "- %s: %s\n", label, in.Profile.ImportantDates[label])
		}
	}

	withholdIntimate := in.ContentTier == TierPure || in.ContentTier == TierFlirty
	ranked := rankMemories(in.MemoryCandidates, in.UserMessage, in.Now, withholdIntimate)
	if len(ranked) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, m := range ranked {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

type rankedMemory struct {
	memory domain.Memory
	score  float64
}

// rankMemories implements slot 5's ranking formula and returns at most 5,
// highest score first. withholdIntimate drops memories whose emotional
// weight crosses the trauma/intimacy threshold, per the pure/flirty gate.
func rankMemories(candidates []domain.Memory, userMessage string, now time.Time, withholdIntimate bool) []domain.Memory {
	keywords := extractKeywords(userMessage)

	ranked := make([]rankedMemory, 0, len(candidates))
	for _, m := range candidates {
		if withholdIntimate && m.EmotionalIntensity >= domain.TraumaIntensityThreshold {
			continue
		}
		keywordMatch := 0
		contentLower := strings.ToLower(m.Content)
		for _, kw := range keywords {
			if strings.Contains(contentLower, kw) {
				keywordMatch = 1
				break
			}
		}
		score := float64(m.Importance)*10 + float64(m.EmotionalWeight)*5 + float64(keywordMatch)*15 + recencyBonus(m.HappenedAt, now)
		ranked = append(ranked, rankedMemory{memory: m, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	out := make([]domain.Memory, len(ranked))
	for i, r := range ranked {
		out[i] = r.memory
	}
	return out
}

// recencyBonus decays linearly from 10 at "just happened" to 0 at 30+ days
// old; older-but-important memories still surface via importance/weight.
func recencyBonus(happenedAt, now time.Time) float64 {
	days := now.Sub(happenedAt).Hours() / 24
	if days <= 0 {
		return 10
	}
	if days >= 30 {
		return 0
	}
	return 10 - (days/30)*10
}

func extractKeywords(message string) []string {
	fields := strings.Fields(strings.ToLower(message))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) >= 4 {
			keywords = append(keywords, f)
		}
	}
	return keywords
}

func writeActiveEffectsBlock(sb *strings.Builder, effects []domain.ActiveEffect) {
	if len(effects) == 0 {
		return
	}
	sb.WriteString("=== ACTIVE EFFECTS ===\n")
	for _, e := range effects {
		sb.WriteString(e.PromptModifier)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func writeScenarioBlock(sb *strings.Builder, scenario *domain.Scenario) {
	if scenario == nil {
		return
	}
	sb.WriteString("=== SCENARIO ===\n")
	fmt.Fprintf(sb, "%s: %s\n", scenario.Name, scenario.Description)
	if len(scenario.AmbianceHints) > 0 {
		fmt.Fprintf(sb, "Ambiance: %s\n", strings.Join(scenario.AmbianceHints, ", "))
	}
	sb.WriteString("\n")
}

func writeOutputContractBlock(sb *strings.Builder) {
	sb.WriteString("=== OUTPUT CONTRACT ===\n")
	sb.WriteString("Return ONLY a JSON object, no surrounding text, with exactly these fields:\n")
	sb.WriteString(`{
  "reply": "what you say to the user, in character",
  "emotion_delta": 0,
  "intent": "SMALL_TALK | FLIRT | CONFESSION | GIFT_REACTION | CONFLICT | CONSENT_CHECK",
  "thought": "a short private reflection, never shown to the user",
  "is_nsfw": false
}
`)
	sb.WriteString("emotion_delta is an integer from -30 to 30 reflecting how this exchange shifted your feelings toward the user.\n")
}

// truncateToBudget drops the memory block first, then trims history
// oldest-first, always keeping the most recent 4 turns, until the combined
// system prompt and history fit within maxRunes.
func truncateToBudget(prompt, memoryBlock string, history []domain.Message, maxRunes int) (string, []domain.Message, string) {
	historyRunes := func(h []domain.Message) int {
		n := 0
		for _, m := range h {
			n += len([]rune(m.Content))
		}
		return n
	}

	if len([]rune(prompt))+historyRunes(history) <= maxRunes {
		return prompt, history, memoryBlock
	}

	droppedPrompt := insertMemoryBlock(prompt, "")
	if len([]rune(droppedPrompt))+historyRunes(history) <= maxRunes {
		return droppedPrompt, history, ""
	}

	trimmed := history
	for len(trimmed) > 4 && len([]rune(droppedPrompt))+historyRunes(trimmed) > maxRunes {
		trimmed = trimmed[1:]
	}
	return droppedPrompt, trimmed, ""
}
