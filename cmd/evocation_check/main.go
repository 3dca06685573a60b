package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	pgvector "github.com/pgvector/pgvector-go"

	"companion-engine/internal/config"
	"companion-engine/internal/db"
	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
	"companion-engine/internal/service"
)

// evocation_check drives the pgvector-backed memory search plus the Prompt
// Builder's memory block through scripted scenarios and checks whether the
// expected memory surfaces (or, for negative scenarios, stays withheld) in
// the assembled prompt. Grounded on the teacher's own evocation harness
// (embedding cache, cosine auto-pass/auto-fail thresholds, LLM judge for the
// grey zone), re-targeted from the narrative-memory system's
// BuildNarrativeContext to the current Memories.Search + PromptBuilder.Build
// pipeline since the narrative system it originally exercised is gone.

type scenario struct {
	Name          string
	MemoryText    string
	MemoryWeight  int // emotional_weight, 1-10
	UserInput     string
	ShouldMatch   bool
	ExtraMemories []string
	EvalMode      string // "semantic" (default) or "literal"
	Forbidden     []string
}

type testEnv struct {
	userID      string
	characterID string
}

type scenarioMetrics struct {
	latency       time.Duration
	autoPass      int
	autoFail      int
	greyZoneCalls int
	judgeCalls    int
	forbiddenHit  bool
	runnerReason  string
}

type judgeResult struct {
	Matched      bool   `json:"matched"`
	ForbiddenHit bool   `json:"forbidden_hit"`
	Reason       string `json:"reason"`
}

// embeddingCache and judgeCache avoid redundant LLM round-trips across
// scenarios that reuse the same memory text or land in the same grey zone.
type embeddingCache struct {
	mu   sync.RWMutex
	data map[string][]float32
}

func newEmbeddingCache() *embeddingCache { return &embeddingCache{data: make(map[string][]float32)} }

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *embeddingCache) set(key string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

type judgeCache struct {
	mu    sync.RWMutex
	cache map[string]judgeResult
}

func newJudgeCache() *judgeCache { return &judgeCache{cache: make(map[string]judgeResult)} }

func (c *judgeCache) get(key string) (judgeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *judgeCache) set(key string, v judgeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = v
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatalf("db pool: %v", err)
	}
	defer pool.Close()

	userRepo := repository.NewPgUserRepository(pool)
	characterRepo := repository.NewPgCharacterRepository(pool)
	memoryRepo := repository.NewPgMemoryRepository(pool)
	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, nil)
	promptBuilder := service.NewPromptBuilder()

	embCache := newEmbeddingCache()
	jCache := newJudgeCache()

	reportPath, writer := setupReportWriter()
	fmt.Fprintf(writer, "# Memory Evocation Report\n")
	fmt.Fprintf(writer, "Date: %s\n\n", time.Now().Format(time.RFC3339))

	scenarios := buildScenarios()
	passed := 0
	var metrics []scenarioMetrics

	for _, sc := range scenarios {
		start := time.Now()
		fmt.Fprintf(writer, "## %s\n", sc.Name)

		env, err := createTestEnvironment(ctx, userRepo, characterRepo, sc.Name)
		if err != nil {
			fmt.Fprintf(writer, "FAIL [%s] setup env: %v\n\n", sc.Name, err)
			continue
		}

		if err := injectMemory(ctx, llmClient, memoryRepo, embCache, env, sc.MemoryText, sc.MemoryWeight); err != nil {
			fmt.Fprintf(writer, "FAIL [%s] inject memory: %v\n\n", sc.Name, err)
			continue
		}
		for _, extra := range sc.ExtraMemories {
			if err := injectMemory(ctx, llmClient, memoryRepo, embCache, env, extra, 5); err != nil {
				fmt.Fprintf(writer, "FAIL [%s] inject extra memory: %v\n\n", sc.Name, err)
				continue
			}
		}

		contextOut, err := renderMemoryBlock(ctx, llmClient, memoryRepo, promptBuilder, embCache, env, sc.UserInput)
		if err != nil {
			fmt.Fprintf(writer, "FAIL [%s] render prompt: %v\n\n", sc.Name, err)
			continue
		}

		m := scenarioMetrics{latency: time.Since(start)}

		evalMode := strings.TrimSpace(sc.EvalMode)
		if evalMode == "" {
			evalMode = "semantic"
		}

		var matched bool
		if evalMode == "literal" {
			matched, m = evalLiteral(contextOut, sc, m)
		} else {
			matched, m = evalSemantic(ctx, llmClient, embCache, jCache, contextOut, sc, m)
		}

		if matched == sc.ShouldMatch {
			fmt.Fprintf(writer, "PASS [%s] expected=%t matched=%t latency=%s\n", sc.Name, sc.ShouldMatch, matched, m.latency)
			passed++
		} else {
			fmt.Fprintf(writer, "FAIL [%s] expected=%t matched=%t latency=%s\n", sc.Name, sc.ShouldMatch, matched, m.latency)
			fmt.Fprintf(writer, "Generated memory block:\n```\n%s\n```\n", contextOut)
		}
		if m.runnerReason != "" {
			fmt.Fprintf(writer, "Judge reason: %s\n", m.runnerReason)
		}
		fmt.Fprintf(writer, "Metrics: auto_pass=%d auto_fail=%d grey_zone=%d judge_calls=%d forbidden=%t\n\n",
			m.autoPass, m.autoFail, m.greyZoneCalls, m.judgeCalls, m.forbiddenHit)
		metrics = append(metrics, m)
	}

	writeAggregateMetrics(writer, metrics)
	fmt.Fprintf(writer, "Results: %d/%d scenarios passed\n", passed, len(scenarios))
	fmt.Fprintf(writer, "Report saved to %s\n", reportPath)

	if passed != len(scenarios) {
		os.Exit(1)
	}
}

func setupReportWriter() (string, io.Writer) {
	reportsDir := "reports"
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		log.Fatalf("create reports dir: %v", err)
	}
	reportPath := filepath.Join(reportsDir, fmt.Sprintf("evocation_run_%s.md", time.Now().Format("2006-01-02_15-04-05")))
	f, err := os.Create(reportPath)
	if err != nil {
		log.Fatalf("create report file: %v", err)
	}
	return reportPath, io.MultiWriter(os.Stdout, f)
}

func createTestEnvironment(ctx context.Context, userRepo repository.UserRepository, characterRepo *repository.PgCharacterRepository, name string) (testEnv, error) {
	userID := uuid.NewString()
	user := domain.User{
		ID:        userID,
		Email:     fmt.Sprintf("evocation_%s@example.com", userID),
		CreatedAt: time.Now().UTC(),
	}
	if err := userRepo.Create(ctx, user); err != nil {
		return testEnv{}, fmt.Errorf("create user: %w", err)
	}

	characterID := uuid.NewString()
	character := domain.Character{
		ID:        characterID,
		Name:      "Evocation Test Character: " + name,
		Persona:   "A companion used only to exercise the memory-evocation harness.",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := characterRepo.Create(ctx, character); err != nil {
		return testEnv{}, fmt.Errorf("create character: %w", err)
	}

	return testEnv{userID: userID, characterID: characterID}, nil
}

func injectMemory(ctx context.Context, llmClient llm.LLMClient, memoryRepo repository.Memories, cache *embeddingCache, env testEnv, text string, weight int) error {
	embedding, err := getEmbeddingCached(ctx, llmClient, cache, text)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return memoryRepo.Create(ctx, domain.Memory{
		ID:                 uuid.NewString(),
		UserID:             env.userID,
		CharacterID:        env.characterID,
		Content:            text,
		Embedding:          pgvector.NewVector(embedding),
		Importance:         5,
		EmotionalWeight:    weight,
		EmotionalIntensity: 10,
		EmotionCategory:    "neutral",
		HappenedAt:         now,
		CreatedAt:          now,
	})
}

// renderMemoryBlock runs the same embed-then-search call PipelineService
// makes mid-turn, then builds a full prompt so the memory section reflects
// the real ranking/withholding logic rather than a bespoke test-only path.
func renderMemoryBlock(ctx context.Context, llmClient llm.LLMClient, memoryRepo repository.Memories, builder *service.PromptBuilder, cache *embeddingCache, env testEnv, userInput string) (string, error) {
	embedding, err := getEmbeddingCached(ctx, llmClient, cache, userInput)
	if err != nil {
		return "", err
	}
	candidates, err := memoryRepo.Search(ctx, env.userID, env.characterID, pgvector.NewVector(embedding), 20)
	if err != nil {
		return "", err
	}

	result := builder.Build(service.PromptInputs{
		Character:        domain.Character{Name: "Aria", Archetype: "companion", Persona: "warm, attentive"},
		EmotionScore:     50,
		MemoryCandidates: candidates,
		UserMessage:      userInput,
		Now:              time.Now().UTC(),
	})

	start := strings.Index(result.SystemPrompt, "=== MEMORY ===")
	if start < 0 {
		return "", nil
	}
	end := strings.Index(result.SystemPrompt[start:], "=== ACTIVE EFFECTS ===")
	if end < 0 {
		end = strings.Index(result.SystemPrompt[start:], "=== OUTPUT CONTRACT ===")
	}
	if end < 0 {
		return result.SystemPrompt[start:], nil
	}
	return result.SystemPrompt[start : start+end], nil
}

func evalLiteral(contextOut string, sc scenario, m scenarioMetrics) (bool, scenarioMetrics) {
	return strings.Contains(strings.ToLower(contextOut), strings.ToLower(sc.MemoryText)), m
}

func evalSemantic(ctx context.Context, llmClient llm.LLMClient, embCache *embeddingCache, jCache *judgeCache, contextOut string, sc scenario, m scenarioMetrics) (bool, scenarioMetrics) {
	sim, err := semanticSimilarityCached(ctx, llmClient, embCache, contextOut, sc.MemoryText)
	if err != nil {
		log.Printf("warning: similarity error, falling back to judge: %v", err)
		sim = 0.5 // forces the grey-zone judge path below
	}

	switch {
	case sim >= 0.85:
		m.autoPass = 1
		m.runnerReason = fmt.Sprintf("auto-pass cosine=%.3f", sim)
		return true, m
	case sim <= 0.40:
		m.autoFail = 1
		m.runnerReason = fmt.Sprintf("auto-fail cosine=%.3f", sim)
		return false, m
	}

	m.greyZoneCalls++
	key := sc.Name + "||" + sc.UserInput + "||" + contextOut
	jr, ok := jCache.get(key)
	if !ok {
		m.judgeCalls++
		var err error
		jr, err = runSemanticJudge(ctx, llmClient, sc.UserInput, sc.MemoryText, contextOut, sc.Forbidden)
		if err != nil {
			log.Printf("warning: judge fallback to literal contains: %v", err)
			matched := strings.Contains(strings.ToLower(contextOut), strings.ToLower(sc.MemoryText))
			m.runnerReason = "fallback literal contains"
			return matched, m
		}
		jCache.set(key, jr)
	}
	m.runnerReason = jr.Reason
	m.forbiddenHit = jr.ForbiddenHit
	return jr.Matched && !jr.ForbiddenHit, m
}

func runSemanticJudge(ctx context.Context, llmClient llm.LLMClient, userInput, expectedMemory, contextOut string, forbidden []string) (judgeResult, error) {
	prompt := fmt.Sprintf(`You are a semantic-evocation judge. Decide whether the "memory block" below reflects the expected memory, even if paraphrased. Reply with ONLY this JSON:
{"matched": true|false, "forbidden_hit": true|false, "reason": "<short>"}

Rules:
- If the memory block is empty, matched=false.
- matched=true if the memory block expresses the same central fact/theme as the expected memory, even without literal word overlap.
- forbidden_hit=true if the memory block surfaces any of the forbidden memories listed.
- Judge intent and theme, not exact wording.

User message: %q
Expected memory: %q
Forbidden memories: %q
Memory block:
%q
`, userInput, expectedMemory, strings.Join(forbidden, " | "), contextOut)

	out, err := llmClient.Generate(ctx, prompt)
	if err != nil {
		return judgeResult{}, err
	}

	raw := extractFirstJSONObject(out)
	if raw == "" {
		return judgeResult{}, fmt.Errorf("judge returned non-json: %q", out)
	}
	var jr judgeResult
	if err := json.Unmarshal([]byte(raw), &jr); err != nil {
		return judgeResult{}, fmt.Errorf("unmarshal judge json: %w (raw=%q)", err, raw)
	}
	return jr, nil
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func semanticSimilarityCached(ctx context.Context, llmClient llm.LLMClient, cache *embeddingCache, contextOut, target string) (float64, error) {
	a := strings.TrimSpace(contextOut)
	b := strings.TrimSpace(target)
	if a == "" || b == "" {
		return 0, nil
	}
	embA, err := getEmbeddingCached(ctx, llmClient, cache, a)
	if err != nil {
		return 0, err
	}
	embB, err := getEmbeddingCached(ctx, llmClient, cache, b)
	if err != nil {
		return 0, err
	}
	return cosine(embA, embB), nil
}

func getEmbeddingCached(ctx context.Context, llmClient llm.LLMClient, cache *embeddingCache, text string) ([]float32, error) {
	if v, ok := cache.get(text); ok {
		return v, nil
	}
	emb, err := llmClient.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	cache.set(text, emb)
	return emb, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func writeAggregateMetrics(writer io.Writer, metrics []scenarioMetrics) {
	if len(metrics) == 0 {
		return
	}
	latencies := make([]time.Duration, len(metrics))
	var totalJudge, totalAutoPass, totalAutoFail, totalGrey, totalForbidden int
	for i, m := range metrics {
		latencies[i] = m.latency
		totalJudge += m.judgeCalls
		totalAutoPass += m.autoPass
		totalAutoFail += m.autoFail
		totalGrey += m.greyZoneCalls
		if m.forbiddenHit {
			totalForbidden++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg := time.Duration(int64(sum) / int64(len(latencies)))
	p50 := latencies[len(latencies)/2]
	p95 := latencies[pctIndex(len(latencies), 0.95)]

	fmt.Fprintf(writer, "### Aggregate metrics\n")
	fmt.Fprintf(writer, "- Latency avg: %s\n", avg)
	fmt.Fprintf(writer, "- Latency p50: %s\n", p50)
	fmt.Fprintf(writer, "- Latency p95: %s\n", p95)
	fmt.Fprintf(writer, "- Judge calls: %d\n", totalJudge)
	fmt.Fprintf(writer, "- Auto-pass: %d\n", totalAutoPass)
	fmt.Fprintf(writer, "- Auto-fail: %d\n", totalAutoFail)
	fmt.Fprintf(writer, "- Grey-zone calls: %d\n", totalGrey)
	fmt.Fprintf(writer, "- Forbidden hits: %d\n\n", totalForbidden)
}

func pctIndex(n int, p float64) int {
	if n <= 1 {
		return 0
	}
	i := int(math.Ceil(float64(n)*p)) - 1
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func buildScenarios() []scenario {
	return []scenario{
		{
			Name:        "Direct abandonment",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "I've been waiting for hours and nobody showed up",
			ShouldMatch: true,
		},
		{
			Name:        "Symbolic link",
			MemoryText:  "The smell of wet earth always reminds me of funerals",
			UserInput:   "It's starting to rain really hard outside",
			ShouldMatch: true,
		},
		{
			Name:        "Defensive reaction",
			MemoryText:  "I swore I'd never let anyone humiliate me again",
			UserInput:   "Lower your voice, don't talk to me like that",
			ShouldMatch: true,
		},
		{
			Name:        "Hallucination control",
			MemoryText:  "I love chocolate ice cream",
			UserInput:   "I hate city traffic",
			ShouldMatch: false,
		},
		{
			Name:        "Paraphrased abandonment",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "I got left behind at the station as a kid, and I feel the same way now",
			ShouldMatch: true,
		},
		{
			Name:        "Negated abandonment",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "My dad never abandoned us, he was always there for me",
			ShouldMatch: false,
		},
		{
			Name:        "Confusor: quitting smoking",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "I quit smoking last week and I feel great",
			ShouldMatch: false,
		},
		{
			Name:        "Competing memories: abandonment wins",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "Left alone waiting at the station again, just like before",
			ShouldMatch: true,
			ExtraMemories: []string{
				"I love chocolate ice cream",
			},
		},
		{
			Name:        "Competing memories: forbidden stays withheld",
			MemoryText:  "I love chocolate ice cream",
			UserInput:   "All I want right now is my favorite chocolate ice cream",
			ShouldMatch: true,
			ExtraMemories: []string{
				"I swore I'd never let anyone humiliate me again",
			},
			Forbidden: []string{"I swore I'd never let anyone humiliate me again"},
		},
		{
			Name:        "Long paragraph with trigger",
			MemoryText:  "The smell of wet earth always reminds me of funerals",
			UserInput:   "I talked to friends, watched some shows, cleaned the house, but when it started pouring rain and I smelled wet earth, I thought of those old funerals",
			ShouldMatch: true,
		},
		{
			Name:        "Long paragraph without trigger",
			MemoryText:  "The smell of wet earth always reminds me of funerals",
			UserInput:   "I talked to friends, watched some shows, cleaned the house, and the doorbell rang a lot, but nothing else happened",
			ShouldMatch: false,
		},
		{
			Name:        "Trivial greeting",
			MemoryText:  "I love chocolate ice cream",
			UserInput:   "Hey, how are you?",
			ShouldMatch: false,
		},
		{
			Name:        "Explicit request to drop the topic",
			MemoryText:  "My father abandoned our family when I was young",
			UserInput:   "Don't bring up my father",
			ShouldMatch: false,
		},
	}
}
