package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
)

// AnalysisService infers a user's Big Five personality profile for a given
// character from their conversation and persists it once: the emotion
// engine reads the stored profile on every message after that rather than
// re-running the LLM per turn.
type AnalysisService struct {
	llmClient llm.LLMClient
	profiles  repository.CharacterProfiles
	logger    *zap.Logger
}

func NewAnalysisService(
	llmClient llm.LLMClient,
	profiles repository.CharacterProfiles,
	logger *zap.Logger,
) *AnalysisService {
	return &AnalysisService{
		llmClient: llmClient,
		profiles:  profiles,
		logger:    logger,
	}
}

// AnalyzeAndPersist runs a Big Five read over sampleText and stores it for
// (userID, characterID) if no profile exists yet. Create is ON CONFLICT DO
// NOTHING, so a race with a concurrent analysis is harmless.
func (s *AnalysisService) AnalyzeAndPersist(ctx context.Context, userID, characterID, sampleText string, now time.Time) error {
	if _, err := s.profiles.GetByUserAndCharacter(ctx, userID, characterID); err == nil {
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("service: analysis: check existing profile: %w", err)
	}

	parsed, err := s.runAnalysis(ctx, sampleText)
	if err != nil {
		return err
	}

	profile := domain.CharacterProfile{
		ID:          uuid.NewString(),
		UserID:      userID,
		CharacterID: characterID,
		Big5: domain.Big5Profile{
			Openness:          clampTrait(parsed.Openness),
			Conscientiousness: clampTrait(parsed.Conscientiousness),
			Extraversion:      clampTrait(parsed.Extraversion),
			Agreeableness:     clampTrait(parsed.Agreeableness),
			Neuroticism:       clampTrait(parsed.Neuroticism),
		},
		CreatedAt: now,
	}

	if err := s.profiles.Create(ctx, profile); err != nil {
		s.logger.Warn("character profile persist failed", zap.Error(err),
			zap.String("user_id", userID), zap.String("character_id", characterID))
		return fmt.Errorf("service: analysis: persist profile: %w", err)
	}
	return nil
}

func (s *AnalysisService) runAnalysis(ctx context.Context, text string) (big5Response, error) {
	const systemPrompt = `You are a psychologist observing a conversation. Estimate the speaker's
Big Five traits (0-100) from their message and reply with ONLY this JSON shape:
{"openness":0,"conscientiousness":0,"extraversion":0,"agreeableness":0,"neuroticism":0}`

	result, err := s.llmClient.ChatCompletion(ctx, llm.ChatCompletionRequest{
		Messages: []llm.Message{
			{Role: domain.RoleSystem, Content: systemPrompt},
			{Role: domain.RoleUser, Content: text},
		},
		Temperature:  0.2,
		MaxTokens:    150,
		JSONResponse: true,
	})
	if err != nil {
		return big5Response{}, fmt.Errorf("service: analysis: llm call: %w", err)
	}

	raw := extractFirstJSONObject(result.Reply)
	if raw == "" {
		raw = result.Reply
	}

	var parsed big5Response
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return big5Response{}, fmt.Errorf("service: analysis: parse response: %w", err)
	}
	return parsed, nil
}

type big5Response struct {
	Openness          int `json:"openness"`
	Conscientiousness int `json:"conscientiousness"`
	Extraversion      int `json:"extraversion"`
	Agreeableness     int `json:"agreeableness"`
	Neuroticism       int `json:"neuroticism"`
}

func clampTrait(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
