package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
)

// historyLimit is spec's "N last messages" window: premium/VIP see a wider
// context than free.
func historyLimit(tier domain.SubscriptionTier) int {
	if tier == domain.TierFree {
		return 10
	}
	return 20
}

// llmParamsFor picks the tier-independent-but-state-dependent JSON-mode call
// shape: a cold, clipped temperature during lockout, a warmer one in the
// happy and loving states, default otherwise.
func llmParamsFor(state domain.EmotionState) (temperature float64, maxTokens int) {
	switch state {
	case domain.EmotionColdWar, domain.EmotionBlocked:
		return 0.3, 200
	case domain.EmotionHappy, domain.EmotionLoving:
		return 0.85, 500
	default:
		return 0.7, 400
	}
}

// asyncWorkerPool runs the post-update fan-out off the request path: bounded
// by a fixed worker count and a fixed queue, so a burst of chat turns sheds
// post-update work rather than growing goroutines unbounded. Shutdown stops
// admitting new tasks and drains whatever is already queued before returning.
type asyncWorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newAsyncWorkerPool(workers, queueSize int) *asyncWorkerPool {
	p := &asyncWorkerPool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues task, reporting false (dropped) if the pool has been shut
// down or its queue is full.
func (p *asyncWorkerPool) Submit(task func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops admitting work and blocks until every already-queued task
// has run.
func (p *asyncWorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// diminishingReturnsTracker implements the sole anti-farming mechanism: a
// 5-minute rolling log of applied deltas per (user, character), scaling a new
// positive delta down by how many consecutive positive deltas preceded it.
// Negative deltas are logged but never scaled. Process-local like the
// emotion engine's own buffer cache; losing it on restart just means a user
// gets one unscaled delta, not a farmable hole.
type diminishingReturnsTracker struct {
	mu   sync.Mutex
	logs map[string][]appliedDeltaEntry
}

type appliedDeltaEntry struct {
	delta int
	at    time.Time
}

var diminishingReturnsScale = []float64{1.0, 0.7, 0.4, 0.2, 0.1}

func newDiminishingReturnsTracker() *diminishingReturnsTracker {
	return &diminishingReturnsTracker{logs: make(map[string][]appliedDeltaEntry)}
}

// Scale returns the delta to actually apply, appends it to the rolling log,
// and prunes entries older than 5 minutes.
func (t *diminishingReturnsTracker) Scale(userID, characterID string, delta int, now time.Time) int {
	key := userID + ":" + characterID
	window := 5 * time.Minute

	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.logs[key]
	cutoff := now.Add(-window)
	pruned := log[:0]
	for _, e := range log {
		if e.at.After(cutoff) {
			pruned = append(pruned, e)
		}
	}
	log = pruned

	applied := delta
	if delta > 0 {
		k := 0
		for i := len(log) - 1; i >= 0; i-- {
			if log[i].delta <= 0 {
				break
			}
			k++
		}
		if k > len(diminishingReturnsScale)-1 {
			k = len(diminishingReturnsScale) - 1
		}
		scaled := int(float64(delta) * diminishingReturnsScale[k])
		if scaled < 1 {
			scaled = 1
		}
		applied = scaled
	}

	log = append(log, appliedDeltaEntry{delta: applied, at: now})
	t.logs[key] = log
	return applied
}

// Peek reports what Scale would return for delta right now, without
// recording it. Used for the response path's eager summary, since the real
// Scale call happens later, off the request path, inside postUpdate.
func (t *diminishingReturnsTracker) Peek(userID, characterID string, delta int, now time.Time) int {
	if delta <= 0 {
		return delta
	}
	key := userID + ":" + characterID
	cutoff := now.Add(-5 * time.Minute)

	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.logs[key]
	k := 0
	for i := len(log) - 1; i >= 0; i-- {
		if !log[i].at.After(cutoff) {
			break
		}
		if log[i].delta <= 0 {
			break
		}
		k++
	}
	if k > len(diminishingReturnsScale)-1 {
		k = len(diminishingReturnsScale) - 1
	}
	scaled := int(float64(delta) * diminishingReturnsScale[k])
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// precomputeResult is spec's deterministic, pre-LLM classification: rule
// tables only, no external services.
type precomputeResult struct {
	Intent           string
	DifficultyRating int
	SentimentScore   float64
	IsNSFW           bool
	SafetyFlag       string // "OK", "REVIEW", "BLOCK"
}

var nsfwHintWords = []string{"sex", "naked", "undress", "make love", "nude"}

// precomputeMessage classifies the raw message before any LLM call, reusing
// the emotion engine's own quick-detect/rule-classify tables (same package)
// and the content filter's banned-word table for the child-safety gate.
func precomputeMessage(message string, content *ContentRatingService) precomputeResult {
	quick := quickDetect(message)
	baseDelta, intent := ruleClassify(quick)

	sentiment := float64(baseDelta) / 30
	if sentiment > 1 {
		sentiment = 1
	}
	if sentiment < -1 {
		sentiment = -1
	}

	lower := strings.ToLower(message)
	isNSFW := false
	for _, w := range nsfwHintWords {
		if strings.Contains(lower, w) {
			isNSFW = true
			break
		}
	}

	difficulty := 1
	switch {
	case len(message) > 120:
		difficulty = 3
	case len(message) > 20:
		difficulty = 2
	}

	safety := "OK"
	hasBanned := false
	for _, token := range bannedTokens {
		if containsFold(message, token) {
			hasBanned = true
			break
		}
	}
	switch {
	case hasBanned && isNSFW:
		safety = "BLOCK"
	case hasBanned:
		safety = "REVIEW"
	}

	return precomputeResult{
		Intent:           intent,
		DifficultyRating: difficulty,
		SentimentScore:   sentiment,
		IsNSFW:           isNSFW,
		SafetyFlag:       safety,
	}
}

// ChatTurnRequest is one inbound chat-completion call against an existing
// session.
type ChatTurnRequest struct {
	SessionID   string
	UserID      string
	CharacterID string
	Message     string
	UserCap     *ContentTier
}

// ChatTurnResponse is returned on the request path. TargetEmotionScore and
// TargetIntimacyXP are spec's eagerly-computed summary of what the (not yet
// committed) async post-update will converge to; the actual persisted values
// may differ slightly if a concurrent turn lands first.
type ChatTurnResponse struct {
	MessageID          string
	Reply              string
	Intent             string
	IsNSFW             bool
	ParseSuccess       bool
	ParseError         string
	SafetyFlag         string
	ContentTier        string
	Refused            bool
	CannedReason       string
	TargetEmotionScore int
	TargetEmotionState domain.EmotionState
	TargetIntimacyXP   float64
}

// PipelineService is the per-request orchestrator: load, pre-compute, hard
// gates, content tier, prompt assembly, LLM call, parse, content filter,
// persist (transactional), async post-update, respond.
type PipelineService struct {
	sessions     repository.Sessions
	messages     repository.Messages
	characters   repository.Characters
	memories     repository.Memories
	effects      repository.Effects
	userProfiles repository.UserProfiles
	scenarios    repository.Scenarios
	states       repository.UserStates
	uow          repository.UnitOfWork

	wallets       *WalletService
	staminas      *StaminaService
	subscriptions *SubscriptionService
	intimacy      *IntimacyService
	emotion       *EmotionService
	content       *ContentRatingService
	analysis      *AnalysisService
	gifts         *GiftService
	parser        ResponseParser
	prompts       *PromptBuilder
	events        *EventTriggerService
	rateLimit     *RateLimiter

	llmClient llm.LLMClient
	logger    *zap.Logger

	diminishing *diminishingReturnsTracker
	async       *asyncWorkerPool

	deadlineReserve time.Duration
	maxPromptRunes  int
}

func NewPipelineService(
	sessions repository.Sessions,
	messages repository.Messages,
	characters repository.Characters,
	memories repository.Memories,
	effects repository.Effects,
	userProfiles repository.UserProfiles,
	scenarios repository.Scenarios,
	states repository.UserStates,
	uow repository.UnitOfWork,
	wallets *WalletService,
	staminas *StaminaService,
	subscriptions *SubscriptionService,
	intimacy *IntimacyService,
	emotion *EmotionService,
	content *ContentRatingService,
	analysis *AnalysisService,
	gifts *GiftService,
	events *EventTriggerService,
	rateLimit *RateLimiter,
	llmClient llm.LLMClient,
	logger *zap.Logger,
) *PipelineService {
	return &PipelineService{
		sessions:        sessions,
		messages:        messages,
		characters:      characters,
		memories:        memories,
		effects:         effects,
		userProfiles:    userProfiles,
		scenarios:       scenarios,
		states:          states,
		uow:             uow,
		wallets:         wallets,
		staminas:        staminas,
		subscriptions:   subscriptions,
		intimacy:        intimacy,
		emotion:         emotion,
		content:         content,
		analysis:        analysis,
		gifts:           gifts,
		parser:          ResponseParser{},
		prompts:         NewPromptBuilder(),
		events:          events,
		rateLimit:       rateLimit,
		llmClient:       llmClient,
		logger:          logger,
		diminishing:     newDiminishingReturnsTracker(),
		async:           newAsyncWorkerPool(4, 64),
		deadlineReserve: 3 * time.Second,
		maxPromptRunes:  12000,
	}
}

// Shutdown drains the post-update worker pool; call once on process exit.
func (p *PipelineService) Shutdown() {
	p.async.Shutdown()
}

// rateLimitCapacity is the per-tier requests-per-minute admission bound.
func rateLimitCapacity(tier domain.SubscriptionTier) int {
	switch tier {
	case domain.TierVIP:
		return 100
	case domain.TierPremium:
		return 30
	default:
		return 5
	}
}

// ProcessTurn runs one full chat turn.
func (p *PipelineService) ProcessTurn(ctx context.Context, req ChatTurnRequest, now time.Time) (ChatTurnResponse, error) {
	tier, err := p.subscriptions.EffectiveTier(ctx, req.UserID, now)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: effective tier: %w", err)
	}

	if err := p.rateLimit.Allow(ctx, req.UserID, rateLimitCapacity(tier)); err != nil {
		return ChatTurnResponse{}, err
	}

	if err := p.staminas.Consume(ctx, req.UserID, now); err != nil {
		return ChatTurnResponse{}, err
	}

	if _, err := p.wallets.PreCheck(ctx, req.UserID, tier, now); err != nil {
		return ChatTurnResponse{}, err
	}

	// Stage 1: Load.
	session, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: load session: %w", err)
	}
	history, err := p.messages.ListBySessionID(ctx, req.SessionID, historyLimit(tier))
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: load history: %w", err)
	}
	state, err := p.intimacy.GetOrCreate(ctx, req.UserID, req.CharacterID, now)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: load state: %w", err)
	}
	character, err := p.characters.Get(ctx, req.CharacterID)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: load character: %w", err)
	}
	activeEffects, err := p.effects.ListActive(ctx, req.UserID, req.CharacterID)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: load effects: %w", err)
	}

	// Stage 2: Pre-compute.
	precomp := precomputeMessage(req.Message, p.content)

	// Stage 3: Hard gates.
	if precomp.SafetyFlag == "BLOCK" {
		p.logger.Warn("chat turn blocked by safety gate",
			zap.String("user_id", req.UserID), zap.String("character_id", req.CharacterID))
		return ChatTurnResponse{
			Reply:        "I can't help with that.",
			Refused:      true,
			CannedReason: "safety_block",
			SafetyFlag:   precomp.SafetyFlag,
		}, nil
	}

	llmHistory := toLLMHistory(history)
	emotionResult, err := p.emotion.ProcessMessage(ctx, req.UserID, req.CharacterID, req.Message, llmHistory, now)
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: process message: %w", err)
	}

	if emotionResult.ColdWarActive || emotionResult.CannedReply != "" {
		messageID, err := p.persistCannedTurn(ctx, session, req, emotionResult, now)
		if err != nil {
			return ChatTurnResponse{}, err
		}
		return ChatTurnResponse{
			MessageID:          messageID,
			Reply:              emotionResult.CannedReply,
			Intent:             emotionResult.Intent,
			SafetyFlag:         precomp.SafetyFlag,
			CannedReason:       "emotion_lockout",
			TargetEmotionScore: emotionResult.NewScore,
			TargetEmotionState: emotionResult.NewState,
			TargetIntimacyXP:   state.IntimacyXP,
		}, nil
	}

	// Stage 4: Content tier. The safe-word/de-escalate/escalate intent
	// detection folded into ContentRatingService is consulted here, alongside
	// tier resolution: a safe word hard-stops the turn the same way the
	// emotion lockout gate does, and a de-escalate signal caps the tier back
	// down to Flirty for this turn regardless of what intimacy/VIP/consent
	// would otherwise unlock.
	userIntent := p.content.UserIntent(req.Message)
	if userIntent == "safe_word" {
		reply := "Of course, we can stop here. Tell me whenever you want to pick things back up."
		messageID, err := p.persistCannedTurn(ctx, session, req, MessageResult{CannedReply: reply}, now)
		if err != nil {
			return ChatTurnResponse{}, err
		}
		return ChatTurnResponse{
			MessageID:          messageID,
			Reply:              reply,
			SafetyFlag:         precomp.SafetyFlag,
			CannedReason:       "safe_word",
			TargetEmotionScore: emotionResult.NewScore,
			TargetEmotionState: emotionResult.NewState,
			TargetIntimacyXP:   state.IntimacyXP,
		}, nil
	}

	isVIP := tier == domain.TierVIP
	contentTier := p.content.AvailableTier(state.IntimacyLevel, isVIP, req.UserCap)
	if userIntent == "de-escalate" && contentTier > TierFlirty {
		contentTier = TierFlirty
	}
	consented := session.HasConsented(contentTier.String())

	// Stage 5: Prompt assembly.
	profile, err := p.userProfiles.Get(ctx, req.UserID)
	if err != nil {
		profile = domain.UserProfile{UserID: req.UserID}
	}
	memoryCandidates := p.fetchMemoryCandidates(ctx, req.UserID, req.CharacterID, req.Message)
	var scenario *domain.Scenario
	if session.ScenarioID != "" {
		if sc, err := p.scenarios.Get(ctx, session.ScenarioID); err == nil {
			scenario = &sc
		}
	}

	toneBase, lengthGuidance, initiative, samples := emotionPromptHints(emotionResult.NewState)

	prompt := p.prompts.Build(PromptInputs{
		Character:         character,
		Stage:             state.Stage,
		ContentTier:       contentTier,
		ContentConsented:  consented,
		EmotionState:      emotionResult.NewState,
		EmotionScore:      emotionResult.NewScore,
		EmotionToneBase:   toneBase,
		LengthGuidance:    lengthGuidance,
		EmotionInitiative: initiative,
		SamplePhrases:     samples,
		Profile:           profile,
		MemoryCandidates:  memoryCandidates,
		UserMessage:       req.Message,
		Now:               now,
		ActiveEffects:     activeEffects,
		Scenario:          scenario,
		History:           history,
		MaxPromptRunes:    p.maxPromptRunes,
	})

	// Stage 6: LLM call.
	llmCtx, cancel := p.withDeadlineReserve(ctx)
	defer cancel()

	temperature, maxTokens := llmParamsFor(emotionResult.NewState)
	chatMessages := append([]llm.Message{{Role: domain.RoleSystem, Content: prompt.SystemPrompt}}, toLLMHistory(prompt.History)...)
	chatMessages = append(chatMessages, llm.Message{Role: domain.RoleUser, Content: req.Message})

	completion, err := p.llmClient.ChatCompletion(llmCtx, llm.ChatCompletionRequest{
		Messages:     chatMessages,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		JSONResponse: true,
	})
	if err != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: llm call: %w", err)
	}

	// Stage 7: Parse.
	parsed := p.parser.Parse(completion.Reply)
	if !parsed.ParseSuccess && parsed.Reply == "" {
		parsed.Reply = "Sorry, could you say that again?"
	}

	// Stage 8: Content filter.
	filtered := p.content.Filter(parsed.Reply, contentTier)

	// Stage 9: Persist.
	userMessageID := uuid.NewString()
	assistantMessageID := uuid.NewString()
	extraData := map[string]any{}
	if !parsed.ParseSuccess {
		extraData["parse_error"] = parsed.ParseError
	}
	if filtered.Modified {
		extraData["content_filter_severity"] = filtered.Severity
	}

	txErr := repository.WithTx(ctx, p.uow, func(tx pgx.Tx) error {
		if err := p.messages.CreateTx(ctx, tx, domain.Message{
			ID: userMessageID, SessionID: req.SessionID, Role: domain.RoleUser,
			Content: req.Message, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := p.messages.CreateTx(ctx, tx, domain.Message{
			ID: assistantMessageID, SessionID: req.SessionID, Role: domain.RoleAssistant,
			Content: filtered.Filtered, TokensUsed: completion.TokensUsed, CreatedAt: now,
			ExtraData: extraData,
		}); err != nil {
			return err
		}
		return p.sessions.IncrementMessageCountTx(ctx, tx, req.SessionID, 2)
	})
	if txErr != nil {
		return ChatTurnResponse{}, fmt.Errorf("service: pipeline: persist turn: %w", txErr)
	}

	if err := p.wallets.PostDeduct(ctx, req.UserID, req.SessionID, assistantMessageID, tier, completion.TokensUsed, now); err != nil {
		p.logger.Warn("post-deduct failed", zap.Error(err), zap.String("user_id", req.UserID))
	}

	// Stage 10: async post-update (fire-and-forget, bounded).
	baseDelta := blendEmotionDeltas(emotionResult.DeltaApplied, parsed.EmotionDelta)
	if !p.async.Submit(func() {
		p.postUpdate(context.Background(), req.UserID, req.CharacterID, req.Message, baseDelta, parsed, activeEffects, now)
	}) {
		p.logger.Warn("post-update task dropped, worker pool saturated",
			zap.String("user_id", req.UserID), zap.String("character_id", req.CharacterID))
	}

	// Stage 11: Return, with an eagerly computed (not-yet-persisted) summary.
	scaledPreview := p.diminishing.Peek(req.UserID, req.CharacterID, baseDelta, now)
	targetScore := clampScore(emotionResult.PreviousScore + scaledPreview)

	return ChatTurnResponse{
		MessageID:          assistantMessageID,
		Reply:              filtered.Filtered,
		Intent:             parsed.Intent,
		IsNSFW:             parsed.IsNSFW,
		ParseSuccess:       parsed.ParseSuccess,
		ParseError:         parsed.ParseError,
		SafetyFlag:         precomp.SafetyFlag,
		ContentTier:        contentTier.String(),
		TargetEmotionScore: targetScore,
		TargetEmotionState: EmotionScoreState(targetScore),
		TargetIntimacyXP:   state.IntimacyXP + actionRewards[ActionMessage].XP,
	}, nil
}

// persistCannedTurn handles the emotion-lockout hard gate: the user message
// and the canned reply are still recorded, and an apology's small recovery
// delta (if any) is applied to the state in the same transaction. No prompt,
// no LLM call, no diminishing-returns bookkeeping, no XP.
func (p *PipelineService) persistCannedTurn(ctx context.Context, session domain.Session, req ChatTurnRequest, result MessageResult, now time.Time) (string, error) {
	assistantMessageID := uuid.NewString()
	txErr := repository.WithTx(ctx, p.uow, func(tx pgx.Tx) error {
		if err := p.messages.CreateTx(ctx, tx, domain.Message{
			ID: uuid.NewString(), SessionID: req.SessionID, Role: domain.RoleUser,
			Content: req.Message, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := p.messages.CreateTx(ctx, tx, domain.Message{
			ID: assistantMessageID, SessionID: req.SessionID, Role: domain.RoleAssistant,
			Content: result.CannedReply, CreatedAt: now,
			ExtraData: map[string]any{"requires_gift": result.RequiresGift},
		}); err != nil {
			return err
		}
		if err := p.sessions.IncrementMessageCountTx(ctx, tx, req.SessionID, 2); err != nil {
			return err
		}
		if result.DeltaApplied == 0 {
			return nil
		}
		state, err := p.states.GetForUpdate(ctx, tx, req.UserID, req.CharacterID)
		if err != nil {
			return err
		}
		state = ApplyDirectDelta(state, result.DeltaApplied, now)
		return p.states.SaveTx(ctx, tx, state)
	})
	return assistantMessageID, txErr
}

// blendEmotionDeltas combines the pipeline's own rule/buffer estimate with
// the model's self-reported emotion_delta: each message carries two
// independent emotional-impact signals (what a deterministic classifier
// thinks happened, and what the in-character model itself reports feeling),
// and averaging keeps either one from being the sole authority before
// diminishing returns is applied.
func blendEmotionDeltas(ruleDelta, modelDelta int) int {
	blended := (ruleDelta + modelDelta) / 2
	return clampDelta(blended, -50, 50)
}

// memorySearchPoolSize is how many nearest-neighbor candidates Search pulls
// before rankMemories blends in importance/recency/keyword and trims to 5;
// wider than the final slot so a semantically-close but low-importance
// memory still has a chance to be out-ranked by a stronger exact match.
const memorySearchPoolSize = 20

// fetchMemoryCandidates embeds the user's message and asks the memory store
// for its nearest neighbors, generalizing the source's embedding-then-search
// flow to feed the prompt builder's own importance/recency/keyword blend
// instead of using raw similarity as the final order. Falls back to the full
// per-character memory list if embedding or search fails, so a flaky
// embeddings endpoint degrades ranking quality rather than losing memory
// recall outright.
func (p *PipelineService) fetchMemoryCandidates(ctx context.Context, userID, characterID, userMessage string) []domain.Memory {
	embedding, err := p.llmClient.CreateEmbedding(ctx, userMessage)
	if err != nil || len(embedding) == 0 {
		candidates, listErr := p.memories.ListByCharacter(ctx, userID, characterID)
		if listErr != nil {
			return nil
		}
		return candidates
	}

	candidates, err := p.memories.Search(ctx, userID, characterID, pgvector.NewVector(embedding), memorySearchPoolSize)
	if err != nil {
		candidates, err = p.memories.ListByCharacter(ctx, userID, characterID)
		if err != nil {
			return nil
		}
	}
	return candidates
}

// postUpdate runs stage 10 off the request path: scaled emotion delta,
// event-trigger check, intimacy XP award, active-effect decrement, and a
// one-time Big Five read on the user's message (a no-op once a profile
// already exists for this user/character pair).
func (p *PipelineService) postUpdate(ctx context.Context, userID, characterID, userMessage string, baseDelta int, parsed ParsedResponse, effectsAtTurnStart []domain.ActiveEffect, now time.Time) {
	scaled := p.diminishing.Scale(userID, characterID, baseDelta, now)

	if err := retryOnVersionConflict(func() error {
		state, err := p.states.Get(ctx, userID, characterID)
		if err != nil {
			return err
		}
		state = ApplyDirectDelta(state, scaled, now)
		state, _ = p.events.Evaluate(state, parsed.Intent, parsed.Reply, parsed.IsNSFW)
		return p.states.Save(ctx, state)
	}); err != nil {
		p.logger.Warn("post-update emotion/event save failed", zap.Error(err), zap.String("user_id", userID))
	}

	if _, err := p.intimacy.Award(ctx, userID, characterID, ActionMessage, now); err != nil {
		p.logger.Warn("post-update xp award failed", zap.Error(err), zap.String("user_id", userID))
	}

	for _, effect := range effectsAtTurnStart {
		updated, err := p.effects.Decrement(ctx, effect.ID)
		if err != nil {
			continue
		}
		if updated.RemainingMessages <= 0 {
			_ = p.effects.Delete(ctx, updated.ID)
		}
	}

	if p.analysis != nil {
		if err := p.analysis.AnalyzeAndPersist(ctx, userID, characterID, userMessage, now); err != nil {
			p.logger.Warn("post-update personality analysis failed", zap.Error(err), zap.String("user_id", userID))
		}
	}

	if p.gifts != nil {
		p.gifts.RetryPendingAcknowledgments(ctx, userID, characterID, now)
	}
}

// withDeadlineReserve trims a fixed reserve off the caller's deadline (if
// any) so the LLM call always leaves room for persistence and response
// assembly; with no caller deadline it falls back to a generous bound.
func (p *PipelineService) withDeadlineReserve(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(ctx, dl.Add(-p.deadlineReserve))
	}
	return context.WithTimeout(ctx, 20*time.Second)
}

func toLLMHistory(messages []domain.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// emotionPromptHints is the tone/length/initiative/sample-phrase table the
// prompt builder's emotion block reads; keyed by the bucketed state label.
func emotionPromptHints(state domain.EmotionState) (tone, length, initiative string, samples []string) {
	switch state {
	case domain.EmotionLoving:
		return "adoring, unguarded", "can run long and expressive", "very high",
			[]string{"I can't stop thinking about you.", "Come here, I missed you."}
	case domain.EmotionHappy:
		return "warm, playful", "medium, upbeat", "high",
			[]string{"That actually made my day.", "Tell me more, I love hearing about this."}
	case domain.EmotionContent:
		return "relaxed, friendly", "medium", "moderate",
			[]string{"Good to hear from you.", "That sounds nice."}
	case domain.EmotionAnnoyed:
		return "curt, a little distant", "short", "low",
			[]string{"Sure, whatever you say.", "I guess that's fine."}
	case domain.EmotionAngry:
		return "sharp, guarded", "short, clipped", "very low",
			[]string{"I don't really want to talk about that.", "You know what you did."}
	default:
		return "even, attentive", "medium", "moderate",
			[]string{"What's on your mind?", "Good to hear from you."}
	}
}
