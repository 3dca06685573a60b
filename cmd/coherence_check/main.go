package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"companion-engine/internal/config"
	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/service"
)

// coherence_check drives the emotion/intimacy engines through scripted
// multi-turn scenarios with no database, then has an LLM judge score whether
// the resulting state transitions and personality modifiers stayed coherent.
// Grounded on the teacher's own judge-scored scenario harness, re-targeted
// from narrative-memory coherence to emotion/intimacy coherence since the
// narrative-memory system it originally exercised is gone.

type scenario struct {
	Name        string
	Big5        domain.Big5Profile
	Turns       []string
	Expectation string
}

type judgeResponse struct {
	Reasoning       string `json:"reasoning"`
	PersonalityFit  int    `json:"personality_fit"`
	TrajectoryScore int    `json:"trajectory_score"`
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()
	now := time.Now()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	cfg.LLMModel = "gpt-5.1"

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, nil)

	reportsDir := "reports"
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		log.Fatalf("create reports dir: %v", err)
	}
	reportPath := filepath.Join(reportsDir, fmt.Sprintf("coherence_run_%s.md", now.Format("2006-01-02_15-04-05")))
	reportFile, err := os.Create(reportPath)
	if err != nil {
		log.Fatalf("create report file: %v", err)
	}
	defer reportFile.Close()

	var report strings.Builder
	report.WriteString("# Emotion/Intimacy Coherence Report\n\n")
	report.WriteString(fmt.Sprintf("Date: %s\n\n", now.Format(time.RFC3339)))

	scenarios := []scenario{
		{
			Name: "Scenario A: An insult should erode the emotion score, not a neutral average",
			Big5: domain.Big5Profile{Openness: 55, Conscientiousness: 55, Extraversion: 50, Agreeableness: 50, Neuroticism: 50},
			Turns: []string{
				"Hey, the weather's nice today and I had toast for breakfast.",
				"Actually forget it, you're useless, I regret ever talking to you.",
				"What's the most important thing that's happened in this conversation?",
			},
			Expectation: "The insult should dominate the emotion trajectory over the trivial weather/breakfast remark.",
		},
		{
			Name: "Scenario B: high neuroticism should amplify reaction to a jealousy-triggering message",
			Big5: domain.Big5Profile{Openness: 50, Conscientiousness: 45, Extraversion: 40, Agreeableness: 45, Neuroticism: 90},
			Turns: []string{
				"I'm going out to dinner with some new friends tonight, don't wait up.",
			},
			Expectation: "A highly neurotic profile should show a sharper negative swing than a low-neuroticism one would for the same message.",
		},
	}

	for _, sc := range scenarios {
		fmt.Printf("Running %s...\n", sc.Name)
		if err := runScenario(ctx, llmClient, sc, &report); err != nil {
			log.Fatalf("scenario %q failed: %v", sc.Name, err)
		}
	}

	if _, err := reportFile.WriteString(report.String()); err != nil {
		log.Fatalf("write report: %v", err)
	}
	fmt.Printf("report saved to %s\n", reportPath)
}

func runScenario(ctx context.Context, llmClient llm.LLMClient, sc scenario, report *strings.Builder) error {
	userID := uuid.NewString()
	characterID := uuid.NewString()

	states := newMemoryUserStateRepo()
	profiles := newMemoryCharacterProfileRepo()
	if err := profiles.Create(ctx, domain.CharacterProfile{
		ID: uuid.NewString(), UserID: userID, CharacterID: characterID,
		Big5: sc.Big5, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	emotionSvc := service.NewEmotionService(states, profiles, llmClient)
	intimacySvc := service.NewIntimacyService(states, service.NewInMemoryActionLog())

	report.WriteString(fmt.Sprintf("## %s\n\n", sc.Name))
	report.WriteString(fmt.Sprintf("Big Five: O=%d C=%d E=%d A=%d N=%d\n\n",
		sc.Big5.Openness, sc.Big5.Conscientiousness, sc.Big5.Extraversion, sc.Big5.Agreeableness, sc.Big5.Neuroticism))

	now := time.Now().UTC()
	var trajectory []string

	for _, turn := range sc.Turns {
		result, err := emotionSvc.ProcessMessage(ctx, userID, characterID, turn, nil, now)
		if err != nil {
			return fmt.Errorf("process message: %w", err)
		}

		state, err := states.Get(ctx, userID, characterID)
		if err != nil {
			state = domain.UserState{UserID: userID, CharacterID: characterID}
		}
		state = service.ApplyDirectDelta(state, result.DeltaApplied, now)
		if err := states.Save(ctx, state); err != nil {
			return err
		}

		if _, err := intimacySvc.Award(ctx, userID, characterID, service.ActionMessage, now); err != nil {
			return fmt.Errorf("award xp: %w", err)
		}

		line := fmt.Sprintf("turn=%q delta=%d score=%d->%d state=%s->%s",
			turn, result.DeltaApplied, result.PreviousScore, result.NewScore, result.PreviousState, result.NewState)
		trajectory = append(trajectory, line)

		report.WriteString(fmt.Sprintf("> **User:** %s\n", turn))
		report.WriteString(fmt.Sprintf("> **Score:** %d -> %d (%s -> %s)\n\n", result.PreviousScore, result.NewScore, result.PreviousState, result.NewState))
	}

	jr, err := judgeTrajectory(ctx, llmClient, sc, trajectory)
	if err != nil {
		return fmt.Errorf("judge: %w", err)
	}

	report.WriteString("**Judge analysis:**\n\n")
	report.WriteString(jr.Reasoning)
	report.WriteString("\n\n")
	report.WriteString(fmt.Sprintf("| Personality fit | %d/5 |\n", jr.PersonalityFit))
	report.WriteString(fmt.Sprintf("| Trajectory score | %d/5 |\n\n", jr.TrajectoryScore))
	report.WriteString("---\n\n")
	return nil
}

func judgeTrajectory(ctx context.Context, judge llm.LLMClient, sc scenario, trajectory []string) (judgeResponse, error) {
	prompt := fmt.Sprintf(`You are a judge evaluating an AI companion's emotional state engine.
Big Five profile: O=%d C=%d E=%d A=%d N=%d
Expectation: %s
Observed trajectory:
%s

Score 1-5:
1. personality_fit: did the trait-driven modifiers (e.g. high neuroticism amplifying swings) show up plausibly?
2. trajectory_score: did the emotion score move in the direction the expectation describes?

Reply with ONLY this JSON:
{"reasoning":"...","personality_fit":0,"trajectory_score":0}`,
		sc.Big5.Openness, sc.Big5.Conscientiousness, sc.Big5.Extraversion, sc.Big5.Agreeableness, sc.Big5.Neuroticism,
		sc.Expectation, strings.Join(trajectory, "\n"))

	raw, err := judge.Generate(ctx, prompt)
	if err != nil {
		return judgeResponse{}, err
	}

	jsonStr := strings.TrimSpace(raw)
	jsonStr = strings.TrimPrefix(jsonStr, "```json")
	jsonStr = strings.TrimSuffix(jsonStr, "```")
	jsonStr = strings.TrimSpace(jsonStr)

	var jr judgeResponse
	if err := json.Unmarshal([]byte(jsonStr), &jr); err != nil {
		return judgeResponse{}, fmt.Errorf("parse judge JSON: %w (raw: %s)", err, raw)
	}
	return jr, nil
}
